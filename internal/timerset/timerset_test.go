package timerset

import (
	"testing"
	"time"

	"github.com/banshee-ips/banshee/internal/eventqueue"
)

// Invariant 2: named timer supersession.
func TestAddNamedSupersedesPriorTimer(t *testing.T) {
	q := eventqueue.New()
	s := New(q)

	e1 := eventqueue.Event{Kind: eventqueue.KindCall, Args: []any{"e1"}}
	e2 := eventqueue.Event{Kind: eventqueue.KindCall, Args: []any{"e2"}}

	s.AddNamed("X", 30*time.Millisecond, e1)
	s.AddNamed("X", 30*time.Millisecond, e2)

	ev, ok := q.PopOrWait(500 * time.Millisecond)
	if !ok {
		t.Fatal("expected exactly one event to fire")
	}
	if ev.Args[0].(string) != "e2" {
		t.Fatalf("got %v, want e2", ev.Args[0])
	}

	// Confirm e1 never arrives afterward.
	if _, ok := q.PopOrWait(100 * time.Millisecond); ok {
		t.Fatal("expected no second event (e1 should have been cancelled)")
	}
}

func TestCancelNamedPreventsFiring(t *testing.T) {
	q := eventqueue.New()
	s := New(q)
	s.AddNamed("Y", 20*time.Millisecond, eventqueue.Event{Kind: eventqueue.KindCall})
	s.CancelNamed("Y")
	if _, ok := q.PopOrWait(100 * time.Millisecond); ok {
		t.Fatal("expected cancelled timer not to fire")
	}
}

func TestStopAllCancelsEverything(t *testing.T) {
	q := eventqueue.New()
	s := New(q)
	s.AddNamed("A", 20*time.Millisecond, eventqueue.Event{Kind: eventqueue.KindCall})
	s.AddNamed("B", 20*time.Millisecond, eventqueue.Event{Kind: eventqueue.KindCall})
	s.StopAll()
	if _, ok := q.PopOrWait(100 * time.Millisecond); ok {
		t.Fatal("expected no events after StopAll")
	}
}
