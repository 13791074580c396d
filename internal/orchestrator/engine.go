// Package orchestrator drives tickets through the state machine.
//
// A run repeatedly rebuilds the dependency graph from the store, takes the
// next batch of ready tickets and processes them on a bounded worker pool,
// one ticket per worker and tasks in declaration order. After each batch the
// completed tickets are committed through the commit serializer in
// tie-break order. The run ends when nothing is ready, when the remaining
// tickets are blocked, or when the operator stops it.
//
// Every mutation is written to the store as it happens, so an interrupted
// run resumes from the tickets it left IN_PROGRESS.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/ticketflow/internal/autofix"
	"github.com/Iron-Ham/ticketflow/internal/checkpoint"
	"github.com/Iron-Ham/ticketflow/internal/commitlog"
	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/prompt"
	"github.com/Iron-Ham/ticketflow/internal/resolver"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/telemetry"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/validate"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// IssueTracker mirrors terminal ticket states to an external tracker.
type IssueTracker interface {
	Sync(ctx context.Context, t *ticket.Ticket) error
}

// Options are the collaborators of an Orchestrator. Store and Loop are
// required; everything else has a usable zero value.
type Options struct {
	Config config.OrchestratorConfig

	Store store.Store
	Loop  *autofix.Loop

	// Checkpoints enables component checkpoints and rollback on rejection.
	Checkpoints *checkpoint.Manager
	// Serializer commits completed tickets after each batch.
	Serializer *commitlog.Serializer
	// Pusher publishes history after a batch once pre_push accepts.
	Pusher vcs.Pusher

	// Prompter answers confirmation points in interactive mode. Auto mode
	// always accepts.
	Prompter prompt.Prompter

	// Validation supplies the project root, file system and command
	// collaborators to every validator run.
	Validation validate.Context

	Bus          *event.Bus
	Telemetry    *telemetry.Provider
	IssueTracker IssueTracker
	Logger       *logging.Logger
	Clock        func() time.Time
	RunID        string
}

// Orchestrator runs tickets. It is safe to call Run or RunTicket once at a
// time.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	store       store.Store
	loop        *autofix.Loop
	checkpoints *checkpoint.Manager
	serializer  *commitlog.Serializer
	pusher      vcs.Pusher
	prompter    prompt.Prompter
	base        validate.Context
	bus         *event.Bus
	tracer      trace.Tracer
	issues      IssueTracker
	logger      *logging.Logger
	now         func() time.Time
	runID       string

	// promptMu keeps concurrent workers from prompting over each other.
	promptMu sync.Mutex
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.NewConfigurationError("orchestrator needs a ticket store", nil)
	}
	cfg := opts.Config
	if cfg.Mode == "" {
		cfg.Mode = config.ModeAuto
	}
	if !config.IsValidMode(cfg.Mode) {
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown mode %q", cfg.Mode), nil).
			WithField("orchestrator.mode")
	}
	if opts.Loop == nil && cfg.Mode != config.ModeDryRun {
		return nil, errors.NewConfigurationError("orchestrator needs an auto-fix loop", nil)
	}

	o := &Orchestrator{
		cfg:         cfg,
		store:       opts.Store,
		loop:        opts.Loop,
		checkpoints: opts.Checkpoints,
		serializer:  opts.Serializer,
		pusher:      opts.Pusher,
		prompter:    opts.Prompter,
		base:        opts.Validation,
		bus:         opts.Bus,
		issues:      opts.IssueTracker,
		logger:      opts.Logger,
		now:         opts.Clock,
		runID:       opts.RunID,
	}
	switch cfg.Mode {
	case config.ModeInteractive:
		if o.prompter == nil {
			return nil, errors.NewConfigurationError("interactive mode needs a prompter", nil).
				WithField("orchestrator.mode")
		}
	default:
		o.prompter = prompt.Auto{}
	}
	if o.bus == nil {
		o.bus = event.NewBus(nil)
	}
	provider := opts.Telemetry
	if provider == nil {
		provider = telemetry.Noop()
	}
	o.tracer = provider.Tracer()
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.runID == "" {
		o.runID = uuid.NewString()[:8]
	}
	o.logger = o.logger.WithRun(o.runID)
	return o, nil
}

// RunID identifies this orchestrator's runs in logs and events.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run processes every ready ticket, batch by batch, until nothing is left
// to do. Only configuration errors and failed restores are returned as
// errors; every other failure is recorded on the ticket and in the Summary.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	ctx, span := o.tracer.Start(ctx, "ticketflow.run", trace.WithAttributes(
		attribute.String("run.id", o.runID),
		attribute.String("run.mode", o.cfg.Mode),
	))
	defer span.End()

	sum := &Summary{RunID: o.runID, Mode: o.cfg.Mode}
	workers := resolver.Workers(o.cfg.Workers)

	g, err := o.graph(ctx)
	if err != nil {
		return o.abort(span, sum, err)
	}
	if o.cfg.Mode == config.ModeDryRun {
		sum.Plan = g.Plan(workers)
		sum.Blocked = g.BlockingChains()
		sum.Reason = ReasonPlanned
		sum.ExitCode = sum.exitCode(o.cfg.StopOnDeadlock)
		o.logger.Info("dry run planned", "waves", len(sum.Plan), "pending", g.Pending())
		return sum, nil
	}
	if err := o.recover(ctx); err != nil {
		return o.abort(span, sum, err)
	}

	o.bus.Publish(event.NewRunStartedEvent(o.runID, o.cfg.Mode, workers, g.Len()))
	o.logger.Info("run started", "mode", o.cfg.Mode, "workers", workers, "tickets", g.Len())

	handled := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			sum.Reason = ReasonCanceled
			break
		}

		// Completions of the previous batch must be visible before the
		// next selection.
		g, err = o.graph(ctx)
		if err != nil {
			return o.abort(span, sum, err)
		}
		batch := o.selectBatch(g, handled, workers)
		if len(batch) == 0 {
			sum.Reason = ReasonDrained
			if chains := g.BlockingChains(); len(chains) > 0 {
				sum.Blocked = chains
				sum.Reason = ReasonDeadlock
				o.reportDeadlock(chains)
			}
			break
		}

		action, err := o.confirm(ctx, prompt.PointCycleStart, prompt.Subject{
			Summary: fmt.Sprintf("start batch %d", len(sum.Batches)+1),
			Details: ticketIDs(batch),
		})
		if err != nil {
			return o.abort(span, sum, err)
		}
		if action == prompt.ActionStop {
			sum.Reason = ReasonStopped
			break
		}
		for _, t := range batch {
			handled[t.ID] = true
		}

		stop, err := o.runBatch(ctx, len(sum.Batches), batch, sum)
		if err != nil {
			return o.abort(span, sum, err)
		}
		if stop {
			sum.Reason = ReasonStopped
			break
		}
		if ctx.Err() != nil {
			continue
		}

		action, err = o.confirm(ctx, prompt.PointContinueCycle, prompt.Subject{
			Summary: fmt.Sprintf("batch %d done", len(sum.Batches)),
		})
		if err != nil {
			return o.abort(span, sum, err)
		}
		if action == prompt.ActionStop {
			sum.Reason = ReasonStopped
			break
		}
	}

	o.finish(span, sum)
	return sum, ctx.Err()
}

// RunTicket processes one named ticket outside the batch loop. Its
// dependencies are checked at that instant; unmet ones defer the ticket.
func (o *Orchestrator) RunTicket(ctx context.Context, id string) (*Summary, error) {
	ctx, span := o.tracer.Start(ctx, "ticketflow.run", trace.WithAttributes(
		attribute.String("run.id", o.runID),
		attribute.String("run.mode", o.cfg.Mode),
		attribute.String("ticket.id", id),
	))
	defer span.End()

	sum := &Summary{RunID: o.runID, Mode: o.cfg.Mode}
	g, err := o.graph(ctx)
	if err != nil {
		return o.abort(span, sum, err)
	}
	t := g.Ticket(id)
	if t == nil {
		return o.abort(span, sum, errors.NewNotFoundError("ticket", id))
	}
	if o.cfg.Mode == config.ModeDryRun {
		sum.Reason = ReasonPlanned
		if unmet := g.Unmet(id); len(unmet) > 0 {
			for _, c := range g.BlockingChains() {
				if c.TicketID == id {
					sum.Blocked = append(sum.Blocked, c)
				}
			}
		} else if t.State != ticket.StateCompleted {
			sum.Plan = []resolver.Wave{{Tickets: []string{id}, Batches: [][]string{{id}}}}
		}
		sum.ExitCode = sum.exitCode(o.cfg.StopOnDeadlock)
		return sum, nil
	}
	if err := o.recover(ctx); err != nil {
		return o.abort(span, sum, err)
	}

	o.bus.Publish(event.NewRunStartedEvent(o.runID, o.cfg.Mode, 1, 1))
	stop, err := o.runBatch(ctx, 0, []*ticket.Ticket{t}, sum)
	if err != nil {
		return o.abort(span, sum, err)
	}
	sum.Reason = ReasonDrained
	if stop {
		sum.Reason = ReasonStopped
	}
	o.finish(span, sum)
	return sum, ctx.Err()
}

// graph loads every ticket and rebuilds the dependency graph.
func (o *Orchestrator) graph(ctx context.Context) (*resolver.Graph, error) {
	tickets, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return resolver.Build(tickets)
}

// recover finishes a checkpoint restore interrupted by a crash.
func (o *Orchestrator) recover(ctx context.Context) error {
	if o.checkpoints == nil {
		return nil
	}
	id, err := o.checkpoints.Recover(ctx)
	if err != nil {
		return err
	}
	if id != "" {
		o.logger.Warn("recovered interrupted restore", "checkpoint_id", id)
	}
	return nil
}

// selectBatch picks up to workers tickets not yet handled this run:
// tickets left IN_PROGRESS by an earlier run, ready tickets and, with
// retry_deferred, deferred tickets whose dependencies have since completed.
func (o *Orchestrator) selectBatch(g *resolver.Graph, handled map[string]bool, workers int) []*ticket.Ticket {
	var candidates []*ticket.Ticket
	seen := make(map[string]bool)
	add := func(ts []*ticket.Ticket) {
		for _, t := range ts {
			if handled[t.ID] || seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			candidates = append(candidates, t)
		}
	}
	add(g.InProgress())
	add(g.Ready())
	if o.cfg.RetryDeferred {
		add(g.Resumable())
	}
	store.SortByPriority(candidates)
	if len(candidates) > workers {
		candidates = candidates[:workers]
	}
	return candidates
}

// runBatch processes batch on the worker pool, then commits what completed.
// It reports whether the operator asked to stop.
func (o *Orchestrator) runBatch(ctx context.Context, index int, batch []*ticket.Ticket, sum *Summary) (bool, error) {
	ids := ticketIDs(batch)
	ctx, span := o.tracer.Start(ctx, "ticketflow.batch", trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.StringSlice("batch.tickets", ids),
	))
	defer span.End()

	start := o.now()
	o.bus.Publish(event.NewBatchStartedEvent(index, ids))
	o.logger.Info("batch started", "batch", index, "tickets", ids)

	results := make([]result, len(batch))
	p := pool.New().WithMaxGoroutines(len(batch))
	for i, t := range batch {
		p.Go(func() {
			results[i] = o.process(ctx, t.ID)
		})
	}
	p.Wait()

	sum.Batches = append(sum.Batches, ids)
	stop := false
	var fatal error
	var completed, deferred []string
	for _, r := range results {
		sum.add(r)
		switch r.status {
		case statusCompleted:
			completed = append(completed, r.ticketID)
		case statusDeferred:
			deferred = append(deferred, r.ticketID)
		case statusStopped:
			stop = true
		}
		if r.err != nil && errors.IsFatal(r.err) && fatal == nil {
			fatal = r.err
		}
	}
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
		return true, fatal
	}

	committed := o.commit(ctx, results, sum)

	d := o.now().Sub(start)
	o.bus.Publish(event.NewBatchFinishedEvent(index, completed, deferred, d))
	o.logger.Info("batch finished",
		"batch", index,
		"completed", len(completed),
		"deferred", len(deferred),
		"commits", committed,
		"duration", d.String(),
	)

	if committed > 0 && o.pusher != nil && !stop {
		action, err := o.confirm(ctx, prompt.PointPrePush, prompt.Subject{
			Summary: fmt.Sprintf("push %d commit(s)", committed),
		})
		if err != nil {
			return true, err
		}
		switch action {
		case prompt.ActionAccept:
			if err := o.pusher.Push(ctx); err != nil {
				sum.PushErrors = append(sum.PushErrors, err.Error())
				o.logger.Error("push failed", "batch", index, "error", err.Error())
			}
		case prompt.ActionStop:
			stop = true
		}
	}
	return stop, nil
}

// commit hands the batch's completed tickets to the serializer and appends
// the resulting commit ids to the tickets. It returns how many committed.
func (o *Orchestrator) commit(ctx context.Context, results []result, sum *Summary) int {
	if o.serializer == nil {
		return 0
	}
	var changes []commitlog.Change
	for _, r := range results {
		if r.status == statusCompleted && r.ticket != nil {
			changes = append(changes, commitlog.ChangeFor(r.ticket, r.files))
		}
	}
	if len(changes) == 0 {
		return 0
	}

	report := o.serializer.Apply(ctx, changes)
	n := 0
	for _, res := range report.Results {
		if res.Err != nil {
			sum.FailedCommits = append(sum.FailedCommits, FailedCommit{
				TicketID: res.TicketID, Attempts: res.Attempts, Error: res.Err.Error(),
			})
			o.bus.Publish(event.NewCommitFailedEvent(res.TicketID, res.Attempts, res.Err.Error()))
			continue
		}
		// The ticket changed nothing the batch still had to record.
		if res.Empty {
			continue
		}
		n++
		sum.Commits = append(sum.Commits, Commit{TicketID: res.TicketID, CommitID: res.CommitID, Attempts: res.Attempts})
		o.bus.Publish(event.NewCommitAppliedEvent(res.TicketID, res.CommitID, res.Attempts))

		_, err := store.UpdateWithRetry(context.WithoutCancel(ctx), o.store, res.TicketID, func(cur *ticket.Ticket) error {
			if !slices.Contains(cur.CommitRefs, res.CommitID) {
				cur.CommitRefs = append(cur.CommitRefs, res.CommitID)
			}
			return nil
		})
		if err != nil {
			o.logger.Error("failed to record commit on ticket", "ticket_id", res.TicketID, "commit", res.CommitID, "error", err.Error())
		}
	}
	return n
}

// confirm asks the prompter, one question at a time.
func (o *Orchestrator) confirm(ctx context.Context, point prompt.Point, subject prompt.Subject) (prompt.Action, error) {
	o.promptMu.Lock()
	defer o.promptMu.Unlock()
	action, err := o.prompter.Confirm(ctx, point, subject)
	if err != nil {
		return "", err
	}
	o.logger.Debug("confirmation", "point", string(point), "subject", subject.String(), "action", string(action))
	return action, nil
}

func ticketIDs(ts []*ticket.Ticket) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func (o *Orchestrator) reportDeadlock(chains []resolver.Chain) {
	lines := make([]string, len(chains))
	for i, c := range chains {
		lines[i] = c.String()
	}
	o.bus.Publish(event.NewDeadlockEvent(lines))
	o.logger.Warn("remaining tickets are blocked", "chains", lines)
}

func (o *Orchestrator) abort(span trace.Span, sum *Summary, err error) (*Summary, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sum.Reason = ReasonAborted
	sum.ExitCode = 1
	o.logger.Error("run aborted", "error", err.Error())
	o.bus.Publish(event.NewRunFinishedEvent(o.runID, len(sum.Completed), len(sum.Deferred), len(sum.Skipped), len(sum.Batches), sum.ExitCode, err.Error()))
	return sum, err
}

func (o *Orchestrator) finish(span trace.Span, sum *Summary) {
	sum.ExitCode = sum.exitCode(o.cfg.StopOnDeadlock)
	span.SetAttributes(
		attribute.Int("run.completed", len(sum.Completed)),
		attribute.Int("run.deferred", len(sum.Deferred)),
		attribute.Int("run.exit_code", sum.ExitCode),
	)
	o.bus.Publish(event.NewRunFinishedEvent(o.runID, len(sum.Completed), len(sum.Deferred), len(sum.Skipped), len(sum.Batches), sum.ExitCode, string(sum.Reason)))
	o.logger.Info("run finished",
		"reason", string(sum.Reason),
		"completed", len(sum.Completed),
		"deferred", len(sum.Deferred),
		"skipped", len(sum.Skipped),
		"batches", len(sum.Batches),
		"exit_code", sum.ExitCode,
	)
}
