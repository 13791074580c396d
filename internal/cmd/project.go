package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ticketflow/internal/annotation"
	"github.com/Iron-Ham/ticketflow/internal/autofix"
	"github.com/Iron-Ham/ticketflow/internal/checkpoint"
	"github.com/Iron-Ham/ticketflow/internal/commitlog"
	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/implementer"
	"github.com/Iron-Ham/ticketflow/internal/issue"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/orchestrator"
	"github.com/Iron-Ham/ticketflow/internal/prompt"
	"github.com/Iron-Ham/ticketflow/internal/retry"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/telemetry"
	"github.com/Iron-Ham/ticketflow/internal/validate"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// project is what every command opens for a project directory. Close
// releases it.
type project struct {
	root   string
	cfg    *config.Config
	logger *logging.Logger
	store  *store.FileStore
	bus    *event.Bus
	fs     afero.Fs

	closers []func() error
}

// openProject loads the configuration and opens the ticket store of the
// project selected by --project.
func openProject() (*project, error) {
	root := viper.GetString("project")
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.NewConfigurationError("invalid configuration", err)
	}

	p := &project{root: root, cfg: cfg, fs: afero.NewOsFs()}
	p.logger = logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err := logging.NewLoggerWithRotation(p.path(cfg.Logging.Dir), cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
		p.logger = logger
		p.closers = append(p.closers, logger.Close)
	}
	p.bus = event.NewBus(p.logger)

	st, err := store.NewFileStore(p.path(cfg.Store.IndexPath))
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.store = st
	return p, nil
}

// path resolves a configured path against the project root.
func (p *project) path(rel string) string {
	return config.ResolvePath(p.root, rel)
}

// Close releases everything in reverse order of opening.
func (p *project) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *project) checkpoints() *checkpoint.Manager {
	return checkpoint.NewManager(p.fs, p.root, p.path(p.cfg.Checkpoint.Dir), p.store,
		checkpoint.WithLogger(p.logger))
}

func (p *project) reconciler() *annotation.Reconciler {
	exp := annotation.NewExporter(p.fs, p.path(p.cfg.Store.AnnotationsDir))
	return annotation.NewReconciler(p.store, exp,
		annotation.WithLogger(p.logger),
		annotation.WithBus(p.bus),
	)
}

// vcs is git when commits are enabled and a no-op otherwise.
func (p *project) vcs() vcs.VersionControl {
	if !p.cfg.Commit.Enabled {
		return &vcs.Nop{}
	}
	return vcs.NewGit(p.root)
}

// telemetry starts the configured providers and counts bus events into
// their meters.
func (p *project) telemetry(w io.Writer) (*telemetry.Provider, error) {
	provider, err := telemetry.New(p.cfg.Telemetry, w)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func() error {
		return provider.Shutdown(context.Background())
	})
	instruments, err := telemetry.NewInstruments(provider)
	if err != nil {
		return nil, err
	}
	instruments.Observe(p.bus)
	return provider, nil
}

// orchestrator assembles an Orchestrator for cfg. Dry runs get no
// implementer, journal or prompter.
func (p *project) orchestrator(cmd *cobra.Command, cfg config.OrchestratorConfig) (*orchestrator.Orchestrator, error) {
	provider, err := p.telemetry(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	opts := orchestrator.Options{
		Config:    cfg,
		Store:     p.store,
		Bus:       p.bus,
		Telemetry: provider,
		Logger:    p.logger,
	}
	if cfg.Mode == config.ModeDryRun {
		return orchestrator.New(opts)
	}

	if p.cfg.Implementer.Command == "" {
		return nil, errors.NewConfigurationError("no implementer command configured", nil).
			WithField("implementer.command")
	}
	impl := implementer.NewCommand(p.cfg.Implementer.Command, p.cfg.Implementer.Args, p.root,
		implementer.WithTimeout(p.cfg.Implementer.Timeout()),
		implementer.WithLogger(p.logger),
	)

	serializerOpts := []commitlog.Option{
		commitlog.WithMaxAttempts(p.cfg.Commit.MaxAttempts),
		commitlog.WithLogger(p.logger),
	}
	if p.cfg.Commit.Enabled {
		journal, err := commitlog.OpenJournal(p.path(p.cfg.Commit.JournalPath))
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, journal.Close)
		serializerOpts = append(serializerOpts, commitlog.WithJournal(journal))
	}
	vc := p.vcs()
	serializer := commitlog.NewSerializer(vc, serializerOpts...)

	// Fix commits share the serializer's lock and journal.
	loop := autofix.NewLoop(validate.DefaultRegistry(), impl, serializer, retry.NewManager(),
		autofix.WithConfig(autofix.Config{
			MaxRetries:      cfg.MaxRetries,
			Policies:        p.cfg.AutoFix,
			BlockerAttempts: p.cfg.Implementer.MaxAttempts,
		}),
		autofix.WithEvents(event.Emitter{Bus: p.bus}),
		autofix.WithLogger(p.logger),
	)

	runner := validate.NewShellRunner(p.cfg.Validation.Shell, p.cfg.Validation.CommandTimeout())
	opts.Loop = loop
	opts.Serializer = serializer
	opts.Checkpoints = p.checkpoints()
	opts.Validation = validate.Context{
		Root:   p.root,
		Fs:     p.fs,
		Runner: runner,
		Prober: validate.NewNetProber(p.cfg.Validation.ProbeTimeout(), runner),
	}
	if cfg.Mode == config.ModeInteractive {
		opts.Prompter = prompt.NewTerminal(os.Stdin, cmd.ErrOrStderr())
	}
	if git, ok := vc.(*vcs.Git); ok && p.cfg.Commit.Push {
		opts.Pusher = git
	}
	if p.cfg.Issues.Enabled {
		opts.IssueTracker = issue.NewTracker(nil, p.logger)
	}
	return orchestrator.New(opts)
}
