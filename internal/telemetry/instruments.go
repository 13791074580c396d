package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iron-Ham/ticketflow/internal/event"
)

// Instruments are the run counters.
type Instruments struct {
	TicketsCompleted   metric.Int64Counter
	TicketsDeferred    metric.Int64Counter
	ValidationAttempts metric.Int64Counter
	FixesApplied       metric.Int64Counter
	Commits            metric.Int64Counter
	BatchDuration      metric.Float64Histogram
}

// NewInstruments creates the counters on p's meter.
func NewInstruments(p *Provider) (*Instruments, error) {
	m := p.Meter()
	var (
		in  Instruments
		err error
	)
	if in.TicketsCompleted, err = m.Int64Counter("ticketflow.tickets.completed",
		metric.WithDescription("Tickets that reached COMPLETED")); err != nil {
		return nil, err
	}
	if in.TicketsDeferred, err = m.Int64Counter("ticketflow.tickets.deferred",
		metric.WithDescription("Tickets that were deferred, by category")); err != nil {
		return nil, err
	}
	if in.ValidationAttempts, err = m.Int64Counter("ticketflow.validation.attempts",
		metric.WithDescription("Validator runs, by outcome")); err != nil {
		return nil, err
	}
	if in.FixesApplied, err = m.Int64Counter("ticketflow.autofix.fixes",
		metric.WithDescription("Auto-fix changes applied")); err != nil {
		return nil, err
	}
	if in.Commits, err = m.Int64Counter("ticketflow.commits",
		metric.WithDescription("Serialized commits, by status")); err != nil {
		return nil, err
	}
	if in.BatchDuration, err = m.Float64Histogram("ticketflow.batch.duration",
		metric.WithDescription("Wall time per batch"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &in, nil
}

// Observe subscribes to bus and records every relevant event. It returns
// the subscription id.
func (in *Instruments) Observe(bus *event.Bus) string {
	return bus.SubscribeAll(func(e event.Event) {
		ctx := context.Background()
		switch ev := e.(type) {
		case event.TicketStateChangedEvent:
			switch ev.To {
			case "COMPLETED":
				in.TicketsCompleted.Add(ctx, 1)
			case "DEFERRED":
				in.TicketsDeferred.Add(ctx, 1, metric.WithAttributes(attribute.String("category", ev.Category)))
			}
		case event.ValidationAttemptedEvent:
			in.ValidationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", ev.Passed)))
		case event.FixAppliedEvent:
			in.FixesApplied.Add(ctx, 1)
		case event.CommitAppliedEvent:
			in.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "committed")))
		case event.CommitFailedEvent:
			in.Commits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
		case event.BatchFinishedEvent:
			in.BatchDuration.Record(ctx, ev.Duration.Seconds())
		}
	})
}
