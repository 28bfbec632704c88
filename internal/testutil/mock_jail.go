package testutil

import (
	"sync"

	"github.com/banshee-ips/banshee/internal/banstore"
	"github.com/banshee-ips/banshee/internal/formula"
	"github.com/banshee-ips/banshee/internal/observer"
	"github.com/banshee-ips/banshee/internal/ticket"
)

var _ observer.Jail = (*MockJail)(nil)

// MockJail implements observer.Jail for testing the Observer's handlers in
// isolation, without a real jail/action/firewall backend.
type MockJail struct {
	mu sync.Mutex

	name  string
	alive bool
	db    banstore.BanStore
	extra *formula.BanTimeExtra

	// Put records every ticket handed to PutFailTicket, in call order.
	Put []*ticket.FailTicket

	calls map[string]int
}

// NewMockJail returns an alive MockJail named name with the given
// BanTimeExtra (nil is fine; Observer.IncrBanTime skips escalation when
// the extra is nil).
func NewMockJail(name string, extra *formula.BanTimeExtra) *MockJail {
	return &MockJail{
		name:  name,
		alive: true,
		extra: extra,
		calls: make(map[string]int),
	}
}

// WithStore attaches db as this jail's BanStore.
func (m *MockJail) WithStore(db banstore.BanStore) *MockJail {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = db
	return m
}

// SetAlive flips liveness, mirroring jail.Jail.SetAlive.
func (m *MockJail) SetAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

// Calls returns how many times method was invoked.
func (m *MockJail) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockJail) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Name"]++
	return m.name
}

func (m *MockJail) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["IsAlive"]++
	return m.alive
}

func (m *MockJail) Database() banstore.BanStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Database"]++
	return m.db
}

func (m *MockJail) PutFailTicket(t *ticket.FailTicket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PutFailTicket"]++
	m.Put = append(m.Put, t)
}

func (m *MockJail) BanTimeExtra() *formula.BanTimeExtra {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["BanTimeExtra"]++
	return m.extra
}
