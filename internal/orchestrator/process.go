package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/ticketflow/internal/checkpoint"
	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/implementer"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/prompt"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

type status int

const (
	// statusNoop means there was nothing to do, e.g. the ticket was already
	// COMPLETED.
	statusNoop status = iota
	statusCompleted
	statusDeferred
	statusSkipped
	statusStopped
	// statusFailed leaves the ticket where it was; err says why.
	statusFailed
)

func (s status) String() string {
	switch s {
	case statusCompleted:
		return "completed"
	case statusDeferred:
		return "deferred"
	case statusSkipped:
		return "skipped"
	case statusStopped:
		return "stopped"
	case statusFailed:
		return "failed"
	default:
		return "noop"
	}
}

// result is what one worker reports for its ticket.
type result struct {
	ticketID string
	status   status
	// ticket is the last persisted state.
	ticket *ticket.Ticket
	// files are the files the Implementer changed, for the batch commit.
	files []string
	err   error
}

// ticketRun is the state of one ticket while a worker owns it.
type ticketRun struct {
	o      *Orchestrator
	id     string
	t      *ticket.Ticket
	logger *logging.Logger

	files []string
	// refs are commits made on the ticket's behalf before its batch commit.
	refs []string
	// checkpoints maps component name to the checkpoint taken before its
	// first task ran.
	checkpoints map[string]string
}

// process runs one ticket from selection to a terminal or parked state.
func (o *Orchestrator) process(ctx context.Context, id string) result {
	ctx, span := o.tracer.Start(ctx, "ticketflow.ticket", trace.WithAttributes(
		attribute.String("ticket.id", id),
	))
	defer span.End()

	tr := &ticketRun{
		o:           o,
		id:          id,
		logger:      o.logger.WithTicket(id),
		checkpoints: make(map[string]string),
	}
	r := tr.run(ctx)
	r.ticketID = id
	if r.ticket == nil {
		r.ticket = tr.t
	}
	r.files = tr.files

	span.SetAttributes(attribute.String("ticket.outcome", r.status.String()))
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r
}

func (tr *ticketRun) run(ctx context.Context) result {
	o := tr.o
	t, err := o.store.Get(ctx, tr.id)
	if err != nil {
		return result{status: statusFailed, err: err}
	}
	tr.t = t
	if t.State == ticket.StateCompleted {
		tr.logger.Debug("ticket already completed")
		return result{status: statusNoop}
	}

	// Readiness is decided at this instant, not when the batch was picked.
	unmet, err := tr.unmetDependencies(ctx)
	if err != nil {
		return tr.fail(ctx, err)
	}
	if len(unmet) > 0 {
		return tr.deferTicket(ctx, ticket.DeferRecord{
			Category: ticket.DeferMissingDependencies,
			Message:  "dependencies not completed: " + strings.Join(unmet, ", "),
		})
	}

	action, err := o.confirm(ctx, prompt.PointTicketStart, tr.subject("", ""))
	if err != nil {
		return tr.fail(ctx, err)
	}
	switch action {
	case prompt.ActionSkip:
		return tr.skip(prompt.PointTicketStart)
	case prompt.ActionDefer:
		return tr.deferTicket(ctx, userRejected("deferred at ticket start"))
	case prompt.ActionStop:
		return result{status: statusStopped}
	}

	if t.State == ticket.StateInProgress {
		tr.logger.Info("resuming ticket", "tasks", len(t.Tasks))
	} else {
		if err := tr.save(ctx, func(cur *ticket.Ticket) error {
			return cur.Start(o.now())
		}); err != nil {
			return tr.fail(ctx, err)
		}
		tr.logger.Info("ticket started", "tasks", len(tr.t.Tasks), "components", len(tr.t.Components))
	}

	var r *result
	if tr.t.HasTasks() {
		r = tr.runTasks(ctx)
	} else {
		r = tr.runWhole(ctx)
	}
	if r != nil {
		return *r
	}
	return tr.finish(ctx)
}

// unmetDependencies reads every dependency from the store now.
func (tr *ticketRun) unmetDependencies(ctx context.Context) ([]string, error) {
	var unmet []string
	for _, dep := range tr.t.Dependencies {
		d, err := tr.o.store.Get(ctx, dep)
		if errors.Is(err, errors.ErrNotFound) {
			unmet = append(unmet, dep)
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.State != ticket.StateCompleted {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet, nil
}

// runTasks processes UNPROCESSED tasks in declaration order. A non-nil
// result ends the ticket early.
func (tr *ticketRun) runTasks(ctx context.Context) *result {
	for i := range tr.t.Tasks {
		task := tr.t.Tasks[i]
		if task.Status != ticket.TaskUnprocessed {
			continue
		}
		if err := ctx.Err(); err != nil {
			r := tr.fail(ctx, err)
			return &r
		}

		if comp := tr.t.ComponentOf(task.ID); comp != nil {
			if r := tr.checkpointComponent(ctx, comp.Name); r != nil {
				return r
			}
		}

		passed, r := tr.runTask(ctx, i)
		if r != nil {
			return r
		}
		if !passed {
			continue
		}
		if comp := tr.t.ComponentOf(task.ID); comp != nil && tr.t.ComponentClosed(comp) {
			if r := tr.acceptComponent(ctx, comp.Name); r != nil {
				return r
			}
		}
	}

	// A component can close without being accepted: it was skipped at
	// post_implementation, or the run stopped right after its last task.
	for i := range tr.t.Components {
		comp := &tr.t.Components[i]
		if comp.Status == ticket.TaskCompleted || !tr.t.ComponentClosed(comp) {
			continue
		}
		name := comp.Name
		if r := tr.checkpointComponent(ctx, name); r != nil {
			return r
		}
		if r := tr.acceptComponent(ctx, name); r != nil {
			return r
		}
	}
	return nil
}

// runTask implements, validates and repairs task i.
func (tr *ticketRun) runTask(ctx context.Context, i int) (bool, *result) {
	o := tr.o
	task := &tr.t.Tasks[i]
	logger := tr.logger.WithTask(task.ID)

	req := implementer.Request{
		TicketID:    tr.t.ID,
		Title:       tr.t.Title,
		TaskID:      task.ID,
		Description: task.Description,
		Files:       tr.t.Files(),
		Notes:       tr.t.Notes,
	}
	if comp := tr.t.ComponentOf(task.ID); comp != nil {
		req.Files = comp.Files
	}

	res, err := o.loop.Implement(ctx, req)
	if err != nil {
		if errors.IsFatal(err) || ctx.Err() != nil {
			r := tr.fail(ctx, err)
			return false, &r
		}
		task.DeferTask(failureRecord("implementer failed", err), o.now())
		logger.Warn("implementer failed", "error", err.Error())
		if err := tr.save(ctx, nil); err != nil {
			r := tr.fail(ctx, err)
			return false, &r
		}
		return false, nil
	}
	tr.collect(res)

	out, err := o.loop.Run(ctx, tr.t, task, o.base)
	if err != nil {
		if errors.IsFatal(err) || ctx.Err() != nil {
			r := tr.fail(ctx, err)
			return false, &r
		}
		out.Passed = false
		rec := failureRecord("validation could not run", err)
		out.Defer = &rec
	}
	tr.refs = append(tr.refs, out.Commits...)

	if out.Passed {
		task.CompleteTask()
		logger.Info("task completed", "attempts", task.AttemptCount)
	} else {
		task.DeferTask(*out.Defer, o.now())
		logger.Warn("task deferred", "category", string(out.Defer.Category), "attempts", task.AttemptCount)
	}
	if err := tr.save(ctx, nil); err != nil {
		r := tr.fail(ctx, err)
		return false, &r
	}
	return out.Passed, nil
}

// runWhole implements and validates an untasked ticket as one unit.
func (tr *ticketRun) runWhole(ctx context.Context) *result {
	o := tr.o
	req := implementer.Request{
		TicketID:    tr.t.ID,
		Title:       tr.t.Title,
		Description: tr.t.Title,
		Files:       tr.t.Files(),
		Notes:       tr.t.Notes,
	}
	res, err := o.loop.Implement(ctx, req)
	if err != nil {
		if errors.IsFatal(err) || ctx.Err() != nil {
			r := tr.fail(ctx, err)
			return &r
		}
		r := tr.deferTicket(ctx, failureRecord("implementer failed", err))
		return &r
	}
	tr.collect(res)

	out, err := o.loop.Run(ctx, tr.t, nil, o.base)
	if err != nil {
		r := tr.fail(ctx, err)
		return &r
	}
	tr.refs = append(tr.refs, out.Commits...)
	if !out.Passed {
		r := tr.deferTicket(ctx, *out.Defer)
		return &r
	}
	return nil
}

// checkpointComponent snapshots a component before its first task runs.
// A component that already has finished or deferred tasks, from an earlier
// run, reuses the checkpoint taken before that run touched it; a snapshot
// taken now would hold the earlier tasks' edits while a restore resets them.
func (tr *ticketRun) checkpointComponent(ctx context.Context, name string) *result {
	o := tr.o
	if o.checkpoints == nil {
		return nil
	}
	if _, ok := tr.checkpoints[name]; ok {
		return nil
	}
	scope := checkpoint.ComponentScope(tr.t.ID, name)
	if componentStarted(tr.t, name) {
		tr.checkpoints[name] = tr.originalCheckpoint(scope)
		return nil
	}

	id, err := o.checkpoints.Create(ctx, scope)
	if err != nil {
		r := tr.fail(ctx, fmt.Errorf("checkpoint %s: %w", scope, err))
		return &r
	}
	tr.checkpoints[name] = id
	o.bus.Publish(event.NewCheckpointCreatedEvent(id, scope.String()))
	return nil
}

// originalCheckpoint finds the newest checkpoint of scope whose snapshot
// has every member task UNPROCESSED. It returns "" when there is none, in
// which case a reject defers without touching files or state.
func (tr *ticketRun) originalCheckpoint(scope checkpoint.Scope) string {
	cp, err := tr.o.checkpoints.Latest(scope)
	if err != nil {
		tr.logger.Warn("no checkpoint for resumed component", "component", scope.Component, "error", err.Error())
		return ""
	}
	if componentStarted(cp.Ticket, scope.Component) {
		tr.logger.Warn("checkpoint taken mid-component, not used", "component", scope.Component, "checkpoint_id", cp.ID)
		return ""
	}
	tr.logger.Info("resuming component from checkpoint", "component", scope.Component, "checkpoint_id", cp.ID)
	return cp.ID
}

// componentStarted reports whether any member task of the component has
// left UNPROCESSED.
func componentStarted(t *ticket.Ticket, name string) bool {
	comp := t.Component(name)
	if comp == nil {
		return false
	}
	for _, id := range comp.TaskIDs {
		if task := t.Task(id); task != nil && task.Status != ticket.TaskUnprocessed {
			return true
		}
	}
	return false
}

// acceptComponent asks whether a closed component is kept.
func (tr *ticketRun) acceptComponent(ctx context.Context, name string) *result {
	action, err := tr.o.confirm(ctx, prompt.PointPostImplementation, tr.subject("", name))
	if err != nil {
		r := tr.fail(ctx, err)
		return &r
	}
	switch action {
	case prompt.ActionAccept:
		comp := tr.t.Component(name)
		comp.Status = ticket.TaskCompleted
		if id := tr.checkpoints[name]; id != "" {
			comp.CheckpointID = ticket.String(id)
		}
		if err := tr.save(ctx, nil); err != nil {
			r := tr.fail(ctx, err)
			return &r
		}
		return nil
	case prompt.ActionReject:
		r := tr.reject(ctx, name)
		return &r
	case prompt.ActionDefer:
		r := tr.deferTicket(ctx, userRejected(fmt.Sprintf("component %s deferred after implementation", name)))
		return &r
	case prompt.ActionSkip:
		r := tr.skip(prompt.PointPostImplementation)
		return &r
	default:
		return &result{status: statusStopped}
	}
}

// reject rolls a component back to its checkpoint and defers the ticket.
func (tr *ticketRun) reject(ctx context.Context, name string) result {
	o := tr.o
	reason := fmt.Sprintf("component %s rejected", name)
	id := tr.checkpoints[name]
	if o.checkpoints == nil || id == "" {
		return tr.deferTicket(ctx, userRejected(reason+"; no checkpoint to restore"))
	}

	report, err := o.checkpoints.Restore(ctx, id, checkpoint.ModeComponent)
	if err != nil {
		return tr.fail(ctx, err)
	}
	delete(tr.checkpoints, name)
	o.bus.Publish(event.NewCheckpointRestoredEvent(id, report.Scope.String(), string(report.Mode), reason))
	tr.logger.Warn("component rolled back", "component", name, "checkpoint_id", id, "tasks_reset", report.TasksReset)

	// The restore reset the component's tasks in the store.
	fresh, err := o.store.Get(ctx, tr.id)
	if err != nil {
		return tr.fail(ctx, err)
	}
	tr.t = fresh
	return tr.deferTicket(ctx, userRejected(fmt.Sprintf("%s; checkpoint %s restored", reason, id)))
}

// finish closes a ticket whose tasks all ran.
func (tr *ticketRun) finish(ctx context.Context) result {
	o := tr.o
	if deferred := tr.t.DeferredTasks(); len(deferred) > 0 {
		return tr.deferTicket(ctx, partialRecord(tr.t, deferred))
	}

	action, err := o.confirm(ctx, prompt.PointPreCommit, tr.subject("", ""))
	if err != nil {
		return tr.fail(ctx, err)
	}
	switch action {
	case prompt.ActionAccept:
	case prompt.ActionDefer:
		return tr.deferTicket(ctx, userRejected("deferred before commit"))
	case prompt.ActionSkip:
		return tr.skip(prompt.PointPreCommit)
	default:
		return result{status: statusStopped}
	}

	if err := tr.save(ctx, func(cur *ticket.Ticket) error {
		cur.CommitRefs = appendNew(cur.CommitRefs, tr.refs...)
		return cur.Complete(o.now())
	}); err != nil {
		return tr.fail(ctx, err)
	}
	tr.logger.Info("ticket completed", "files", len(tr.files))
	return result{status: statusCompleted, ticket: tr.t}
}

// save writes the worker's task and component state through to the store,
// then applies mutate. Writes outlive cancellation so finished work is
// never lost.
func (tr *ticketRun) save(ctx context.Context, mutate func(*ticket.Ticket) error) error {
	o := tr.o
	before := tr.t.State
	work := tr.t
	at := o.now()
	updated, err := store.UpdateWithRetry(context.WithoutCancel(ctx), o.store, tr.id, func(cur *ticket.Ticket) error {
		c := work.Clone()
		cur.Tasks = c.Tasks
		cur.Components = c.Components
		cur.UpdatedAt = at
		if mutate != nil {
			return mutate(cur)
		}
		return nil
	})
	if err != nil {
		return err
	}
	tr.t = updated

	if updated.State == before {
		return nil
	}
	category, message := "", ""
	if updated.Defer != nil {
		category, message = string(updated.Defer.Category), updated.Defer.Message
	}
	o.bus.Publish(event.NewTicketStateChangedEvent(tr.id, string(before), string(updated.State), category, message))
	tr.logger.Info("ticket state changed", "from", string(before), "to", string(updated.State))

	if o.issues != nil && (updated.State == ticket.StateCompleted || updated.State == ticket.StateDeferred) {
		if err := o.issues.Sync(ctx, updated.Clone()); err != nil {
			tr.logger.Warn("issue sync failed", "error", err.Error())
		}
	}
	return nil
}

func (tr *ticketRun) deferTicket(ctx context.Context, rec ticket.DeferRecord) result {
	if err := tr.save(ctx, func(cur *ticket.Ticket) error {
		cur.CommitRefs = appendNew(cur.CommitRefs, tr.refs...)
		return cur.DeferWith(rec, tr.o.now())
	}); err != nil {
		return result{status: statusFailed, err: err}
	}
	tr.logger.Warn("ticket deferred", "category", string(rec.Category), "message", rec.Message)
	return result{status: statusDeferred, ticket: tr.t}
}

func (tr *ticketRun) skip(point prompt.Point) result {
	tr.o.bus.Publish(event.NewTicketSkippedEvent(tr.id, string(point)))
	tr.logger.Info("ticket skipped", "point", string(point), "state", string(tr.t.State))
	return result{status: statusSkipped, ticket: tr.t}
}

// fail handles an error the ticket cannot continue past. Fatal errors and
// cancellation leave the ticket where it is so the run can resume it;
// anything else defers it.
func (tr *ticketRun) fail(ctx context.Context, err error) result {
	if errors.IsFatal(err) || ctx.Err() != nil || tr.t == nil {
		if tr.t != nil && ctx.Err() != nil {
			_ = tr.save(ctx, nil)
		}
		tr.logger.Error("ticket interrupted", "error", err.Error())
		return result{status: statusFailed, err: err}
	}
	if !ticket.CanTransition(tr.t.State, ticket.StateDeferred) && tr.t.State != ticket.StateDeferred {
		return result{status: statusFailed, err: err}
	}
	tr.logger.Error("ticket failed", "error", err.Error())
	return tr.deferTicket(ctx, failureRecord("ticket could not be processed", err))
}

func (tr *ticketRun) collect(res implementer.Result) {
	tr.files = appendNew(tr.files, res.FilesChanged...)
	if res.Commit != "" {
		tr.refs = appendNew(tr.refs, res.Commit)
	}
}

func (tr *ticketRun) subject(taskID, component string) prompt.Subject {
	s := prompt.Subject{
		TicketID:  tr.t.ID,
		Title:     tr.t.Title,
		TaskID:    taskID,
		Component: component,
	}
	if component != "" {
		if c := tr.t.Component(component); c != nil {
			s.Summary = fmt.Sprintf("%d task(s) passed", len(c.TaskIDs))
			s.Details = c.Files
		}
	} else if len(tr.files) > 0 {
		s.Summary = fmt.Sprintf("%d file(s) changed", len(tr.files))
		s.Details = tr.files
	}
	return s
}

func userRejected(message string) ticket.DeferRecord {
	return ticket.DeferRecord{
		Category:    ticket.DeferUserRejected,
		Message:     message,
		ManualRetry: true,
	}
}

// failureRecord classifies err into a defer record.
func failureRecord(message string, err error) ticket.DeferRecord {
	category := ticket.DeferCategory(errors.DeferCategory(err))
	return ticket.DeferRecord{
		Category:    category,
		Message:     message,
		LastError:   err.Error(),
		ManualRetry: category == ticket.DeferExternalBlocker,
	}
}

// partialRecord explains a ticket whose tasks did not all pass. It carries
// the first deferred task's category and diagnostic.
func partialRecord(t *ticket.Ticket, deferred []*ticket.Task) ticket.DeferRecord {
	ids := make([]string, len(deferred))
	manual := false
	for i, task := range deferred {
		ids[i] = task.ID
		if task.Defer != nil && task.Defer.ManualRetry {
			manual = true
		}
	}
	first := deferred[0]
	rec := ticket.DeferRecord{
		Category:     ticket.DeferPersistentTestFailure,
		Message:      fmt.Sprintf("%d of %d task(s) deferred: %s", len(deferred), len(t.Tasks), strings.Join(ids, ", ")),
		AttemptCount: first.AttemptCount,
		ManualRetry:  manual,
	}
	if first.Defer != nil {
		rec.Category = first.Defer.Category
		rec.Diagnostic = first.Defer.Diagnostic
		rec.LastError = first.Defer.LastError
	}
	return rec
}

func appendNew(dst []string, items ...string) []string {
	for _, it := range items {
		if !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}
