package eventqueue

import (
	"sync"
	"testing"
	"time"
)

// Invariant 1: Queue FIFO.
func TestFIFOOrdering(t *testing.T) {
	q := New()
	var got []int
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			q.Push(Event{Kind: KindCall, Fn: func() { got = append(got, i) }})
		}()
	}
	wg.Wait()
	// Producers race, so only per-producer order is guaranteed; here each
	// producer pushes exactly one event, so we instead verify single-producer
	// ordering below and use this block only to exercise concurrent Push.
	for q.Len() > 0 {
		ev, ok := q.PopOrWait(10 * time.Millisecond)
		if !ok {
			break
		}
		ev.Fn()
	}
	if len(got) != n {
		t.Fatalf("drained %d events, want %d", len(got), n)
	}
}

func TestFIFOOrderingSingleProducer(t *testing.T) {
	q := New()
	const n = 500
	for i := 0; i < n; i++ {
		i := i
		q.Push(Event{Kind: KindCall, Fn: func() {}, Args: []any{i}})
	}
	for i := 0; i < n; i++ {
		ev, ok := q.PopOrWait(10 * time.Millisecond)
		if !ok {
			t.Fatalf("expected event %d", i)
		}
		got := ev.Args[0].(int)
		if got != i {
			t.Fatalf("index %d: got %d, want %d (FIFO violated)", i, got, i)
		}
	}
}

func TestPopOrWaitTimesOutOnEmptyQueue(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.PopOrWait(20 * time.Millisecond)
	if ok {
		t.Fatal("expected no event")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before timeout elapsed")
	}
}

func TestPopOrWaitWakesOnConcurrentPush(t *testing.T) {
	q := New()
	done := make(chan Event, 1)
	go func() {
		ev, ok := q.PopOrWait(2 * time.Second)
		if ok {
			done <- ev
		} else {
			close(done)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(Event{Kind: KindIsAlive})
	select {
	case ev, ok := <-done:
		if !ok {
			t.Fatal("PopOrWait timed out instead of waking on push")
		}
		if ev.Kind != KindIsAlive {
			t.Fatalf("got kind %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("PopOrWait never returned")
	}
}

func TestDrainAllReturnsEverythingAndEmpties(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(Event{Kind: KindCall})
	}
	drained := q.DrainAll()
	if len(drained) != 5 {
		t.Fatalf("got %d, want 5", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after DrainAll, len=%d", q.Len())
	}
}
