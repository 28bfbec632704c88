// Package failmanager defines the per-jail failure-accumulation contract
// the Observer's failureFound handler drives, plus a sliding-window
// reference implementation. Jails may supply their own FailManager; the
// Observer only depends on the interface (spec §6, §C4).
package failmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-ips/banshee/internal/ticket"
)

// ErrNoTicketsReady is returned by ToBan when no accumulated ticket has
// reached maxRetry yet; the Observer treats this as "drain finished".
var ErrNoTicketsReady = errors.New("failmanager: no ban-ready tickets")

// FailManager accumulates failures per ip and reports which ips have
// crossed the ban threshold.
type FailManager interface {
	// AddFailure records one (or forceIncrement many) failures for t.IP.
	// When forceIncrement is true, count is added directly rather than
	// incrementing by one per call, mirroring the source's
	// addFailure(ticket, count, True) convention used to fold in an
	// inflated retry count without re-triggering the filter's own logic.
	AddFailure(t *ticket.FailTicket, count int, forceIncrement bool)
	// ToBan pops one ban-ready ticket for ip, or ErrNoTicketsReady once
	// none remain.
	ToBan(ip string) (*ticket.FailTicket, error)
	// Cleanup drops failure windows that have gone stale as of now.
	Cleanup(now time.Time)
	MaxRetry() int
}

type bucket struct {
	count      int
	windowEnds time.Time
	tickets    []*ticket.FailTicket
}

// SlidingWindow is a reference FailManager: failures for an ip expire after
// findTime if not reinforced, and once count reaches maxRetry the ip's
// accumulated tickets become ban-ready via ToBan.
type SlidingWindow struct {
	mu        sync.Mutex
	maxRetry  int
	findTime  time.Duration
	now       func() time.Time
	perIP     map[string]*bucket
}

// New returns a SlidingWindow with the given maxRetry and failure window.
func New(maxRetry int, findTime time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxRetry: maxRetry,
		findTime: findTime,
		now:      time.Now,
		perIP:    make(map[string]*bucket),
	}
}

func (m *SlidingWindow) MaxRetry() int { return m.maxRetry }

func (m *SlidingWindow) AddFailure(t *ticket.FailTicket, count int, forceIncrement bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.perIP[t.IP]
	if !ok {
		b = &bucket{}
		m.perIP[t.IP] = b
	}
	b.windowEnds = m.now().Add(m.findTime)
	b.tickets = append(b.tickets, t)

	if forceIncrement {
		b.count += count
	} else {
		b.count++
	}
}

func (m *SlidingWindow) ToBan(ip string) (*ticket.FailTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.perIP[ip]
	if !ok || b.count < m.maxRetry || len(b.tickets) == 0 {
		return nil, ErrNoTicketsReady
	}
	t := b.tickets[0]
	b.tickets = b.tickets[1:]
	if len(b.tickets) == 0 {
		delete(m.perIP, ip)
	}
	return t, nil
}

func (m *SlidingWindow) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, b := range m.perIP {
		if now.After(b.windowEnds) {
			delete(m.perIP, ip)
		}
	}
}
