package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [ticket-id]",
	Short: "Process ready tickets",
	Long: `Process every ready ticket batch by batch until nothing is left to do,
or process a single ticket when an id is given.

Exit codes:
  0  every selected ticket completed (or there was nothing to do)
  1  the run could not proceed (bad configuration, dependency cycle,
     failed restore) or a deadlock with --stop-on-deadlock
  2  the run finished with warnings: deferred tickets, failed commits or
     blocked tickets`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the batches a run would process",
	Long:  `Simulate a run without changing anything and print the batch plan.`,
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

var (
	runMode           string
	runWorkers        int
	runStopOnDeadlock bool
	runRetryDeferred  bool
	runNoReconcile    bool
	planWorkers       int
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)

	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "execution mode: interactive, auto or dry-run (default from config)")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", -1, "batch worker budget; 0 uses one per CPU (default from config)")
	runCmd.Flags().BoolVar(&runStopOnDeadlock, "stop-on-deadlock", false, "exit 1 when remaining tickets are blocked")
	runCmd.Flags().BoolVar(&runRetryDeferred, "retry-deferred", false, "resume tickets deferred for missing dependencies")
	runCmd.Flags().BoolVar(&runNoReconcile, "no-reconcile", false, "skip merging annotation files before the run")
	planCmd.Flags().IntVarP(&planWorkers, "workers", "w", -1, "batch worker budget (default from config)")
}

// orchestratorConfig applies the command's flags over the loaded config.
func orchestratorConfig(cmd *cobra.Command, base config.OrchestratorConfig) (config.OrchestratorConfig, error) {
	cfg := base
	if runMode != "" {
		cfg.Mode = runMode
	}
	if !config.IsValidMode(cfg.Mode) {
		return cfg, errors.NewConfigurationError(fmt.Sprintf("unknown mode %q (valid: %v)", cfg.Mode, config.ValidModes()), nil).
			WithField("orchestrator.mode")
	}
	if runWorkers >= 0 {
		cfg.Workers = runWorkers
	}
	if cmd.Flags().Changed("stop-on-deadlock") {
		cfg.StopOnDeadlock = runStopOnDeadlock
	}
	if cmd.Flags().Changed("retry-deferred") {
		cfg.RetryDeferred = runRetryDeferred
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	cfg, err := orchestratorConfig(cmd, p.cfg.Orchestrator)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mode != config.ModeDryRun && !runNoReconcile {
		report, err := p.reconciler().Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile annotations: %w", err)
		}
		for _, c := range report.Conflicts {
			fmt.Fprintf(cmd.ErrOrStderr(), "annotation conflict: %s\n", c)
		}
	}

	orch, err := p.orchestrator(cmd, cfg)
	if err != nil {
		return err
	}

	var sum *orchestrator.Summary
	if len(args) == 1 {
		sum, err = orch.RunTicket(ctx, args[0])
	} else {
		sum, err = orch.Run(ctx)
	}
	if sum != nil {
		if werr := sum.Write(cmd.OutOrStdout()); werr != nil {
			return werr
		}
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted; IN_PROGRESS tickets resume on the next run")
			return exitWith(ExitFailure)
		}
		return err
	}
	return exitWith(sum.ExitCode)
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	cfg := p.cfg.Orchestrator
	cfg.Mode = config.ModeDryRun
	if planWorkers >= 0 {
		cfg.Workers = planWorkers
	}
	orch, err := p.orchestrator(cmd, cfg)
	if err != nil {
		return err
	}
	sum, err := orch.Run(cmd.Context())
	if err != nil {
		return err
	}
	if len(sum.Plan) == 0 && len(sum.Blocked) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
		return nil
	}
	if err := sum.Write(cmd.OutOrStdout()); err != nil {
		return err
	}
	return exitWith(sum.ExitCode)
}
