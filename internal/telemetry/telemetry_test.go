package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/event"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(config.TelemetryConfig{Enabled: false, Stdout: true}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "run")
	if span.SpanContext().IsValid() {
		t.Error("noop tracer should produce invalid span contexts")
	}
	span.End()

	in, err := NewInstruments(p)
	if err != nil {
		t.Fatalf("NewInstruments() error = %v", err)
	}
	in.TicketsCompleted.Add(context.Background(), 1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("noop provider wrote output: %s", buf.String())
	}
}

func TestNew_StdoutExportsSpansAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(config.TelemetryConfig{Enabled: true, Stdout: true, ServiceName: "tf-test"}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, span := p.Tracer().Start(context.Background(), "ticket T-1")
	if !span.SpanContext().IsValid() {
		t.Error("sdk tracer should produce valid span contexts")
	}
	_, child := p.Tracer().Start(ctx, "task a")
	child.End()
	span.End()

	in, err := NewInstruments(p)
	if err != nil {
		t.Fatalf("NewInstruments() error = %v", err)
	}
	bus := event.NewBus(nil)
	in.Observe(bus)
	bus.Publish(event.NewTicketStateChangedEvent("T-1", "IN_PROGRESS", "COMPLETED", "", ""))
	bus.Publish(event.NewTicketStateChangedEvent("T-2", "IN_PROGRESS", "DEFERRED", "persistent_test_failure", "x"))
	bus.Publish(event.NewValidationAttemptedEvent("T-1", "a", 1, 3, true, ""))
	bus.Publish(event.NewCommitAppliedEvent("T-1", "c1", 1))
	bus.Publish(event.NewBatchFinishedEvent(1, []string{"T-1"}, []string{"T-2"}, 2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"ticket T-1",
		"task a",
		"tf-test",
		"ticketflow.tickets.completed",
		"ticketflow.tickets.deferred",
		"persistent_test_failure",
		"ticketflow.validation.attempts",
		"ticketflow.commits",
		"ticketflow.batch.duration",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q", want)
		}
	}
}
