// Package event provides an in-process pub-sub bus for orchestration
// progress.
//
// The orchestrator, auto-fix loop and commit serializer publish events; the
// CLI, telemetry and log sinks subscribe. Publishers never know who listens.
//
// Event types follow the pattern "category.action":
//   - run.started, run.finished
//   - batch.started, batch.finished
//   - ticket.state_changed, ticket.skipped, ticket.deadlocked
//   - validation.attempted, fix.applied
//   - checkpoint.created, checkpoint.restored
//   - commit.applied, commit.failed
//   - annotation.conflict
//
// Basic usage:
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeTicketStateChanged, func(e event.Event) {
//	    changed := e.(event.TicketStateChangedEvent)
//	    fmt.Println(changed.TicketID, changed.To)
//	})
//	bus.Publish(event.NewRunStartedEvent("run-1", "auto", 4, 12))
package event
