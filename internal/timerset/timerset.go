// Package timerset implements named, cancellable one-shot timers that push
// events onto an eventqueue.Queue when they fire. Re-adding a name cancels
// the prior handle atomically; cancellation is best-effort, so a timer
// already past its fire point may still enqueue its event.
package timerset

import (
	"sync"
	"time"

	"github.com/banshee-ips/banshee/internal/eventqueue"
)

// Set is a table of named timers. The zero value is not usable; use New.
type Set struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	queue  *eventqueue.Queue
}

// New returns a Set that pushes fired events onto queue.
func New(queue *eventqueue.Queue) *Set {
	return &Set{timers: make(map[string]*time.Timer), queue: queue}
}

// AddNamed cancels any existing timer registered under name and starts a
// new one; when it fires, ev is pushed onto the queue.
func (s *Set) AddNamed(name string, delay time.Duration, ev eventqueue.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.timers[name]; ok {
		prior.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.queue.Push(ev)
	})
}

// AddOnce starts an anonymous timer not tracked by name; it cannot be
// cancelled via CancelNamed.
func (s *Set) AddOnce(delay time.Duration, ev eventqueue.Event) {
	time.AfterFunc(delay, func() {
		s.queue.Push(ev)
	})
}

// CancelNamed stops and forgets the timer registered under name, if any.
// Best-effort: if the timer already fired, its event may still be queued.
func (s *Set) CancelNamed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// StopAll cancels every tracked named timer, for use during Observer shutdown.
func (s *Set) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}
