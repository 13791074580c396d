package event

import "time"

// Event is implemented by every event.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeRunStarted          = "run.started"
	TypeRunFinished         = "run.finished"
	TypeBatchStarted        = "batch.started"
	TypeBatchFinished       = "batch.finished"
	TypeTicketStateChanged  = "ticket.state_changed"
	TypeTicketSkipped       = "ticket.skipped"
	TypeDeadlock            = "ticket.deadlocked"
	TypeValidationAttempted = "validation.attempted"
	TypeFixApplied          = "fix.applied"
	TypeCheckpointCreated   = "checkpoint.created"
	TypeCheckpointRestored  = "checkpoint.restored"
	TypeCommitApplied       = "commit.applied"
	TypeCommitFailed        = "commit.failed"
	TypeAnnotationConflict  = "annotation.conflict"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// RunStartedEvent is emitted once a run has loaded and validated the graph.
type RunStartedEvent struct {
	baseEvent
	RunID   string
	Mode    string
	Workers int
	Tickets int
}

func NewRunStartedEvent(runID, mode string, workers, tickets int) RunStartedEvent {
	return RunStartedEvent{
		baseEvent: newBaseEvent(TypeRunStarted),
		RunID:     runID,
		Mode:      mode,
		Workers:   workers,
		Tickets:   tickets,
	}
}

// RunFinishedEvent is emitted when a run stops for any reason.
type RunFinishedEvent struct {
	baseEvent
	RunID     string
	Completed int
	Deferred  int
	Skipped   int
	Batches   int
	ExitCode  int
	Reason    string // "drained", "deadlock", "stopped", "dry-run"
}

func NewRunFinishedEvent(runID string, completed, deferred, skipped, batches, exitCode int, reason string) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent(TypeRunFinished),
		RunID:     runID,
		Completed: completed,
		Deferred:  deferred,
		Skipped:   skipped,
		Batches:   batches,
		ExitCode:  exitCode,
		Reason:    reason,
	}
}

// BatchStartedEvent is emitted before a batch is handed to the workers.
type BatchStartedEvent struct {
	baseEvent
	Index     int
	TicketIDs []string
}

func NewBatchStartedEvent(index int, ticketIDs []string) BatchStartedEvent {
	return BatchStartedEvent{
		baseEvent: newBaseEvent(TypeBatchStarted),
		Index:     index,
		TicketIDs: ticketIDs,
	}
}

// BatchFinishedEvent is emitted after a batch's commits were applied.
type BatchFinishedEvent struct {
	baseEvent
	Index     int
	Completed []string
	Deferred  []string
	Duration  time.Duration
}

func NewBatchFinishedEvent(index int, completed, deferred []string, d time.Duration) BatchFinishedEvent {
	return BatchFinishedEvent{
		baseEvent: newBaseEvent(TypeBatchFinished),
		Index:     index,
		Completed: completed,
		Deferred:  deferred,
		Duration:  d,
	}
}

// TicketStateChangedEvent is emitted after a transition is persisted.
type TicketStateChangedEvent struct {
	baseEvent
	TicketID string
	From     string
	To       string
	Category string // defer category when To is DEFERRED
	Message  string
}

func NewTicketStateChangedEvent(ticketID, from, to, category, message string) TicketStateChangedEvent {
	return TicketStateChangedEvent{
		baseEvent: newBaseEvent(TypeTicketStateChanged),
		TicketID:  ticketID,
		From:      from,
		To:        to,
		Category:  category,
		Message:   message,
	}
}

// TicketSkippedEvent is emitted when an operator skips a ticket.
type TicketSkippedEvent struct {
	baseEvent
	TicketID string
	Point    string
}

func NewTicketSkippedEvent(ticketID, point string) TicketSkippedEvent {
	return TicketSkippedEvent{
		baseEvent: newBaseEvent(TypeTicketSkipped),
		TicketID:  ticketID,
		Point:     point,
	}
}

// DeadlockEvent is emitted when UNPROCESSED tickets remain but none is
// ready. Chains are rendered "A -> B -> C".
type DeadlockEvent struct {
	baseEvent
	Chains []string
}

func NewDeadlockEvent(chains []string) DeadlockEvent {
	return DeadlockEvent{baseEvent: newBaseEvent(TypeDeadlock), Chains: chains}
}

// ValidationAttemptedEvent is emitted after every validator run.
type ValidationAttemptedEvent struct {
	baseEvent
	TicketID    string
	TaskID      string
	Attempt     int
	MaxAttempts int
	Passed      bool
	Summary     string
}

func NewValidationAttemptedEvent(ticketID, taskID string, attempt, maxAttempts int, passed bool, summary string) ValidationAttemptedEvent {
	return ValidationAttemptedEvent{
		baseEvent:   newBaseEvent(TypeValidationAttempted),
		TicketID:    ticketID,
		TaskID:      taskID,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Passed:      passed,
		Summary:     summary,
	}
}

// FixAppliedEvent is emitted when an auto-fix produced a change.
type FixAppliedEvent struct {
	baseEvent
	TicketID string
	TaskID   string
	Attempt  int
	Files    []string
	Commit   string
}

func NewFixAppliedEvent(ticketID, taskID string, attempt int, files []string, commit string) FixAppliedEvent {
	return FixAppliedEvent{
		baseEvent: newBaseEvent(TypeFixApplied),
		TicketID:  ticketID,
		TaskID:    taskID,
		Attempt:   attempt,
		Files:     files,
		Commit:    commit,
	}
}

// CheckpointCreatedEvent is emitted after a checkpoint manifest is written.
type CheckpointCreatedEvent struct {
	baseEvent
	CheckpointID string
	Scope        string
}

func NewCheckpointCreatedEvent(checkpointID, scope string) CheckpointCreatedEvent {
	return CheckpointCreatedEvent{
		baseEvent:    newBaseEvent(TypeCheckpointCreated),
		CheckpointID: checkpointID,
		Scope:        scope,
	}
}

// CheckpointRestoredEvent is emitted after a successful restore.
type CheckpointRestoredEvent struct {
	baseEvent
	CheckpointID string
	Scope        string
	Mode         string
	Reason       string
}

func NewCheckpointRestoredEvent(checkpointID, scope, mode, reason string) CheckpointRestoredEvent {
	return CheckpointRestoredEvent{
		baseEvent:    newBaseEvent(TypeCheckpointRestored),
		CheckpointID: checkpointID,
		Scope:        scope,
		Mode:         mode,
		Reason:       reason,
	}
}

// CommitAppliedEvent is emitted for every serialized commit.
type CommitAppliedEvent struct {
	baseEvent
	TicketID string
	CommitID string
	Attempts int
}

func NewCommitAppliedEvent(ticketID, commitID string, attempts int) CommitAppliedEvent {
	return CommitAppliedEvent{
		baseEvent: newBaseEvent(TypeCommitApplied),
		TicketID:  ticketID,
		CommitID:  commitID,
		Attempts:  attempts,
	}
}

// CommitFailedEvent is emitted when a change exhausted its attempts.
type CommitFailedEvent struct {
	baseEvent
	TicketID string
	Attempts int
	Error    string
}

func NewCommitFailedEvent(ticketID string, attempts int, err string) CommitFailedEvent {
	return CommitFailedEvent{
		baseEvent: newBaseEvent(TypeCommitFailed),
		TicketID:  ticketID,
		Attempts:  attempts,
		Error:     err,
	}
}

// AnnotationConflictEvent is emitted for every field where the annotation
// file and the canonical record disagree.
type AnnotationConflictEvent struct {
	baseEvent
	TicketID  string
	Field     string
	Canonical string
	Human     string
	Winner    string
}

func NewAnnotationConflictEvent(ticketID, field, canonical, human, winner string) AnnotationConflictEvent {
	return AnnotationConflictEvent{
		baseEvent: newBaseEvent(TypeAnnotationConflict),
		TicketID:  ticketID,
		Field:     field,
		Canonical: canonical,
		Human:     human,
		Winner:    winner,
	}
}

// Emitter adapts a Bus to the auto-fix loop's progress callbacks.
type Emitter struct {
	Bus *Bus
}

// EmitAttempt publishes a ValidationAttemptedEvent.
func (e Emitter) EmitAttempt(ticketID, taskID string, attempt, maxAttempts int, passed bool, summary string) {
	e.Bus.Publish(NewValidationAttemptedEvent(ticketID, taskID, attempt, maxAttempts, passed, summary))
}

// EmitFix publishes a FixAppliedEvent.
func (e Emitter) EmitFix(ticketID, taskID string, attempt int, files []string, commit string) {
	e.Bus.Publish(NewFixAppliedEvent(ticketID, taskID, attempt, files, commit))
}
