// Package autofix drives the validate → fix → revalidate loop for one task.
//
// A task moves VALIDATING → DONE on a pass, or VALIDATING → FIXING →
// VALIDATING on a failure, until the attempt limit is used up. Every fix is
// committed as one change before the next validation. A task that never
// passes ends with a defer record instead of an error, so the caller can move
// on to the next task.
package autofix

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/implementer"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/retry"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/validate"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// Phase is a step of the per-task sub-state machine.
type Phase string

const (
	PhaseValidating Phase = "VALIDATING"
	PhaseFixing     Phase = "FIXING"
	PhaseDone       Phase = "DONE"
	PhaseDeferred   Phase = "DEFERRED"
)

// Outcome is the result of running the loop for one task.
type Outcome struct {
	Passed         bool
	Attempts       int
	LastDiagnostic validate.Diagnostic
	// Defer is set when the task could not pass. Its timestamp is left
	// zero for the caller to stamp.
	Defer *ticket.DeferRecord
	// Commits are the fix commits made along the way.
	Commits []string
}

// EventEmitter receives progress from the loop.
type EventEmitter interface {
	// EmitAttempt reports a finished validation attempt.
	EmitAttempt(ticketID, taskID string, attempt, maxAttempts int, passed bool, summary string)

	// EmitFix reports a fix applied before the next attempt.
	EmitFix(ticketID, taskID string, attempt int, files []string, commit string)
}

type nopEmitter struct{}

func (nopEmitter) EmitAttempt(string, string, int, int, bool, string) {}
func (nopEmitter) EmitFix(string, string, int, []string, string)      {}

// Config holds the loop's limits.
type Config struct {
	// MaxRetries is the attempt limit when neither the task nor the kind
	// policy sets one.
	MaxRetries int

	// Policies holds the per-kind auto-fix switches.
	Policies config.AutoFixConfig

	// BlockerAttempts bounds calls to an unreachable Implementer.
	BlockerAttempts int
}

// DefaultConfig mirrors config.Default.
func DefaultConfig() Config {
	def := config.Default()
	return Config{
		MaxRetries:      def.Orchestrator.MaxRetries,
		Policies:        def.AutoFix,
		BlockerAttempts: def.Implementer.MaxAttempts,
	}
}

// Loop runs validation and bounded repair for tasks.
type Loop struct {
	registry *validate.Registry
	impl     implementer.Implementer
	vc       vcs.VersionControl
	retries  *retry.Manager
	events   EventEmitter
	config   Config
	logger   *logging.Logger

	newBackoff func() backoff.BackOff
}

// Option is a functional option for configuring Loop.
type Option func(*Loop)

// WithLogger sets the logger for the loop.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithConfig sets the loop limits.
func WithConfig(cfg Config) Option {
	return func(l *Loop) {
		l.config = cfg
	}
}

// WithEvents sets the progress receiver.
func WithEvents(e EventEmitter) Option {
	return func(l *Loop) {
		l.events = e
	}
}

// WithBlockerBackoff replaces the backoff used between calls to an
// unreachable Implementer. fn must return a fresh instance on every call.
func WithBlockerBackoff(fn func() backoff.BackOff) Option {
	return func(l *Loop) {
		l.newBackoff = fn
	}
}

// NewLoop creates a Loop. All dependencies must be non-nil.
func NewLoop(registry *validate.Registry, impl implementer.Implementer, vc vcs.VersionControl, retries *retry.Manager, opts ...Option) *Loop {
	if registry == nil {
		panic("autofix.NewLoop: registry must not be nil")
	}
	if impl == nil {
		panic("autofix.NewLoop: impl must not be nil")
	}
	if vc == nil {
		panic("autofix.NewLoop: vc must not be nil")
	}
	if retries == nil {
		panic("autofix.NewLoop: retries must not be nil")
	}
	l := &Loop{
		registry:   registry,
		impl:       impl,
		vc:         vc,
		retries:    retries,
		events:     nopEmitter{},
		config:     DefaultConfig(),
		logger:     logging.NopLogger(),
		newBackoff: defaultBlockerBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultBlockerBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// Implement calls the Implementer for the initial implementation, retrying
// while it reports itself unreachable.
func (l *Loop) Implement(ctx context.Context, req implementer.Request) (implementer.Result, error) {
	return l.callWithRetry(ctx, req.TicketID, func() (implementer.Result, error) {
		return l.impl.Implement(ctx, req)
	})
}

func (l *Loop) callWithRetry(ctx context.Context, ticketID string, call func() (implementer.Result, error)) (implementer.Result, error) {
	attempts := l.config.BlockerAttempts
	if attempts < 1 {
		attempts = 1
	}

	var res implementer.Result
	op := func() error {
		r, err := call()
		if err != nil {
			var blocker *errors.ExternalBlockerError
			if errors.As(err, &blocker) || errors.Is(err, errors.ErrTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("implementer unavailable, retrying",
			"ticket_id", ticketID,
			"error", err.Error(),
			"wait_ms", wait.Milliseconds(),
		)
	}

	bo := backoff.WithMaxRetries(l.newBackoff(), uint64(attempts-1))
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return implementer.Result{}, err
	}
	return res, nil
}

// Limits resolves the attempt limit and auto-fix switch for a task. A
// limit set on the task wins over the kind policy, which wins over the
// loop default.
func (l *Loop) Limits(kind ticket.ValidatorKind, task *ticket.Task, vcfg *ticket.ValidationConfig) (maxAttempts int, autoFix bool, policy config.KindPolicy) {
	policy = l.config.Policies.Policy(string(kind))

	maxAttempts = l.config.MaxRetries
	if policy.MaxRetries > 0 {
		maxAttempts = policy.MaxRetries
	}
	autoFix = policy.Enabled

	switch {
	case task != nil:
		maxAttempts = task.RetryLimit(maxAttempts)
		autoFix = task.AutoFixEnabled(autoFix)
	case vcfg != nil:
		if vcfg.MaxRetries > 0 {
			maxAttempts = vcfg.MaxRetries
		}
		if vcfg.AutoFix != nil {
			autoFix = *vcfg.AutoFix
		}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return maxAttempts, autoFix, policy
}

// Run validates one task of t (or t as a whole when task is nil) and
// repairs it until it passes or the attempt limit is reached. base supplies
// the project root, file system and command collaborators.
//
// Run updates task.AttemptCount and task.LastDiagnostic in place but never
// changes task.Status; the caller applies the Outcome. The returned error is
// reserved for configuration problems that must abort the run.
func (l *Loop) Run(ctx context.Context, t *ticket.Ticket, task *ticket.Task, base validate.Context) (Outcome, error) {
	kind, vc := l.validationContext(t, task, base)
	maxAttempts, autoFix, policy := l.Limits(kind, task, t.Validation)

	taskID := ""
	prior := 0
	req := implementer.Request{TicketID: t.ID, Title: t.Title, Description: t.Title, Files: t.Files(), Notes: t.Notes}
	if task != nil {
		taskID = task.ID
		prior = task.AttemptCount
		req.TaskID = task.ID
		req.Description = task.Description
		if c := t.ComponentOf(task.ID); c != nil {
			req.Files = c.Files
		}
	}
	key := retry.Key(t.ID, taskID)
	l.retries.Begin(key, maxAttempts, prior)
	logger := l.logger.WithTicket(t.ID).With("task_id", taskID, "validator", string(kind))

	var out Outcome
	phase := PhaseValidating
	for phase == PhaseValidating {
		if !l.retries.CanAttempt(key) {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := l.registry.Validate(ctx, kind, vc)
		if err != nil {
			return out, err
		}
		n := l.retries.RecordAttempt(key, res.Pass, res.Diagnostic.Summary)
		out.Attempts = n
		out.LastDiagnostic = res.Diagnostic
		if task != nil {
			task.AttemptCount = n
			task.LastDiagnostic = ""
			if !res.Pass {
				task.LastDiagnostic = res.Diagnostic.String()
			}
		}
		l.events.EmitAttempt(t.ID, taskID, n, maxAttempts, res.Pass, res.Diagnostic.Summary)
		logger.Info("validation attempt",
			"attempt", n,
			"max_attempts", maxAttempts,
			"passed", res.Pass,
			"summary", res.Diagnostic.Summary,
		)

		if res.Pass {
			out.Passed = true
			phase = PhaseDone
			break
		}
		if res.Err != nil {
			out.Defer = deferRecord(errors.CategoryValidationScriptError, "validation could not run", res.Diagnostic, n, res.Err.Error(), false)
			phase = PhaseDeferred
			break
		}
		switch res.Diagnostic.Action() {
		case ticket.OnFailureDefer:
			out.Defer = deferRecord(errors.CategoryPersistentTestFailure, "verification step requested deferral", res.Diagnostic, n, res.Diagnostic.Summary, true)
			phase = PhaseDeferred
			continue
		case ticket.OnFailureFail:
			out.Defer = deferRecord(errors.CategoryPersistentTestFailure, "verification step failed without auto-fix", res.Diagnostic, n, res.Diagnostic.Summary, false)
			phase = PhaseDeferred
			continue
		}
		if !autoFix {
			out.Defer = deferRecord(errors.CategoryPersistentTestFailure, "validation failed and auto-fix is disabled", res.Diagnostic, n, res.Diagnostic.Summary, policy.ManualReview)
			phase = PhaseDeferred
			continue
		}
		if !l.retries.CanAttempt(key) {
			break
		}

		phase = PhaseFixing
		commit, err := l.fix(ctx, req, key, n, res.Diagnostic)
		if err != nil {
			if errors.IsFatal(err) {
				return out, err
			}
			category := errors.DeferCategory(err)
			out.Defer = deferRecord(category, "fix attempt failed", res.Diagnostic, n, err.Error(), category == errors.CategoryExternalBlocker)
			phase = PhaseDeferred
			continue
		}
		if commit != "" {
			out.Commits = append(out.Commits, commit)
		}
		phase = PhaseValidating
	}

	if !out.Passed && out.Defer == nil {
		state, _ := l.retries.Get(key)
		if out.Attempts == 0 {
			out.Attempts = state.Attempts
		}
		out.Defer = deferRecord(errors.CategoryPersistentTestFailure,
			fmt.Sprintf("validation failed after %d attempt(s)", out.Attempts),
			out.LastDiagnostic, out.Attempts, state.LastError, policy.ManualReview)
	}
	if out.Defer != nil {
		logger.Warn("task deferred",
			"category", string(out.Defer.Category),
			"attempts", out.Attempts,
		)
	}
	return out, nil
}

// fix asks the Implementer for a repair and commits it as one change.
func (l *Loop) fix(ctx context.Context, req implementer.Request, key string, attempt int, diag validate.Diagnostic) (string, error) {
	fr := implementer.FixRequest{
		Request:    req,
		Attempt:    attempt,
		Diagnostic: diag.String(),
		Hints:      diag.Hints,
	}
	res, err := l.callWithRetry(ctx, req.TicketID, func() (implementer.Result, error) {
		return l.impl.Fix(ctx, fr)
	})
	if err != nil {
		return "", err
	}
	l.retries.RecordFilesChanged(key, len(res.FilesChanged))

	commit := res.Commit
	if commit == "" && len(res.FilesChanged) > 0 {
		commit, err = l.vc.Commit(ctx, res.FilesChanged, FixMessage(req.TicketID, req.TaskID, attempt))
		if errors.Is(err, errors.ErrNothingToCommit) {
			commit, err = "", nil
		}
		if err != nil {
			return "", err
		}
	}
	l.events.EmitFix(req.TicketID, req.TaskID, attempt, res.FilesChanged, commit)
	return commit, nil
}

// FixMessage is the commit message of an auto-fix change.
func FixMessage(ticketID, taskID string, attempt int) string {
	scope := ticketID
	if taskID != "" {
		scope = ticketID + "/" + taskID
	}
	return fmt.Sprintf("fix(%s): attempt %d", scope, attempt)
}

// validationContext resolves which validator runs and with which check.
func (l *Loop) validationContext(t *ticket.Ticket, task *ticket.Task, base validate.Context) (ticket.ValidatorKind, validate.Context) {
	vc := base
	vc.TicketID = t.ID
	vc.TaskID = ""
	vc.Check = nil
	vc.Steps = nil

	kind := ticket.ValidatorGeneric
	if task != nil {
		vc.TaskID = task.ID
		vc.Check = task.Check
		if task.Validator != "" {
			kind = task.Validator
		}
		return kind, vc
	}
	if t.Validation != nil {
		if t.Validation.Validator != "" {
			kind = t.Validation.Validator
		}
		vc.Check = t.Validation.Check
		vc.Steps = t.Validation.Steps
	}
	return kind, vc
}

func deferRecord(category, message string, diag validate.Diagnostic, attempts int, lastError string, manual bool) *ticket.DeferRecord {
	return &ticket.DeferRecord{
		Category:     ticket.DeferCategory(category),
		Message:      message,
		Diagnostic:   diag.String(),
		AttemptCount: attempts,
		LastError:    lastError,
		ManualRetry:  manual,
	}
}
