package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/ticketflow/internal/logging"
)

func TestBus_PublishDispatchesByType(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(TypeTicketStateChanged, func(e Event) {
		changed := e.(TicketStateChangedEvent)
		got = append(got, changed.TicketID+":"+changed.To)
	})
	bus.Subscribe(TypeCommitApplied, func(e Event) {
		t.Errorf("commit handler called for %s", e.EventType())
	})

	bus.Publish(NewTicketStateChangedEvent("T-1", "UNPROCESSED", "IN_PROGRESS", "", ""))
	bus.Publish(NewTicketStateChangedEvent("T-1", "IN_PROGRESS", "COMPLETED", "", ""))

	if strings.Join(got, ",") != "T-1:IN_PROGRESS,T-1:COMPLETED" {
		t.Errorf("got %v", got)
	}
}

func TestBus_WildcardRunsAfterSpecific(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeRunStarted, func(Event) { order = append(order, "specific-1") })
	bus.Subscribe(TypeRunStarted, func(Event) { order = append(order, "specific-2") })

	bus.Publish(NewRunStartedEvent("run-1", "auto", 2, 5))

	want := "specific-1,specific-2,all"
	if strings.Join(order, ",") != want {
		t.Errorf("order = %v, want %s", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	first := bus.Subscribe(TypeTicketSkipped, func(Event) { calls++ })
	bus.Subscribe(TypeTicketSkipped, func(Event) { calls += 10 })

	if !bus.Unsubscribe(first) {
		t.Fatal("Unsubscribe() = false for a known id")
	}
	if bus.Unsubscribe(first) {
		t.Error("second Unsubscribe() should report false")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}

	bus.Publish(NewTicketSkippedEvent("T-1", "ticket_start"))
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}

	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Error("Clear() should remove every subscription")
	}
}

func TestBus_PanickingHandlerIsLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewLoggerWithWriter(&buf, "DEBUG"))

	reached := false
	bus.Subscribe(TypeDeadlock, func(Event) { panic("boom") })
	bus.Subscribe(TypeDeadlock, func(Event) { reached = true })

	bus.Publish(NewDeadlockEvent([]string{"A -> B"}))

	if !reached {
		t.Error("handler after a panicking one should still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") || !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	rec := &Recorder{}
	bus.SubscribeAll(rec.Handle)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewCommitAppliedEvent("T-1", "c1", 1))
		}()
	}
	wg.Wait()

	if n := len(rec.Events()); n != 20 {
		t.Errorf("recorded %d events, want 20", n)
	}
}

func TestEmitter(t *testing.T) {
	bus := NewBus(nil)
	rec := &Recorder{}
	bus.SubscribeAll(rec.Handle)

	em := Emitter{Bus: bus}
	em.EmitAttempt("T-1", "a", 1, 3, false, "2 checks failed")
	em.EmitFix("T-1", "a", 1, []string{"x.go"}, "c9")

	types := rec.Types()
	if len(types) != 2 || types[0] != TypeValidationAttempted || types[1] != TypeFixApplied {
		t.Fatalf("types = %v", types)
	}
	attempt := rec.Events()[0].(ValidationAttemptedEvent)
	if attempt.Passed || attempt.MaxAttempts != 3 || attempt.Summary != "2 checks failed" {
		t.Errorf("attempt = %+v", attempt)
	}
	fix := rec.Events()[1].(FixAppliedEvent)
	if fix.Commit != "c9" || len(fix.Files) != 1 {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Timestamp().IsZero() {
		t.Error("events carry a timestamp")
	}
}
