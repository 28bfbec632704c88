// Package testutil provides in-memory doubles matching the daemon's
// external-facing interfaces, grounded on the teacher's error-injection
// mock pattern.
package testutil

import (
	"sync"
	"time"

	"github.com/banshee-ips/banshee/internal/banstore"
	"github.com/banshee-ips/banshee/internal/ticket"
)

var _ banstore.BanStore = (*MockStore)(nil)

type banRow struct {
	rec  ticket.BanRecord
	jail string
}

// MockStore implements banstore.BanStore with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu    sync.Mutex
	jails map[string]bool
	bans  map[string][]banRow // ip -> rows, most-recent-first

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Size value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		jails:  make(map[string]bool),
		bans:   make(map[string][]banRow),
		errors: make(map[string]error),
		Size:   1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) AddJail(jail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AddJail"); err != nil {
		return err
	}
	m.jails[jail] = true
	return nil
}

func (m *MockStore) AddBan(jail string, t *ticket.FailTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AddBan"); err != nil {
		return err
	}
	m.jails[jail] = true
	last := int64(0)
	if t.BanTime != nil {
		last = *t.BanTime
	}
	row := banRow{jail: jail, rec: ticket.BanRecord{
		BanCount:    t.BanCount + 1,
		TimeOfBan:   t.Time,
		LastBanTime: last,
	}}
	// most-recent-first
	m.bans[t.IP] = append([]banRow{row}, m.bans[t.IP]...)
	return nil
}

// GetBan mirrors bboltStore.GetBan: overallJails sums each jail's own latest
// record for ip (BanCount and LastBanTime added, TimeOfBan maxed) into one
// aggregate row; otherwise it returns jail's own rows, most-recent-first.
func (m *MockStore) GetBan(ip, jail string, fromTime time.Time, overallJails bool) ([]ticket.BanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetBan"); err != nil {
		return nil, err
	}
	if overallJails {
		latest := make(map[string]ticket.BanRecord)
		for _, row := range m.bans[ip] {
			if !fromTime.IsZero() && row.rec.TimeOfBan < fromTime.Unix() {
				continue
			}
			if _, seen := latest[row.jail]; !seen { // most-recent-first: first hit wins
				latest[row.jail] = row.rec
			}
		}
		if len(latest) == 0 {
			return nil, nil
		}
		var agg ticket.BanRecord
		for _, r := range latest {
			agg.BanCount += r.BanCount
			agg.LastBanTime += r.LastBanTime
			if r.TimeOfBan > agg.TimeOfBan {
				agg.TimeOfBan = r.TimeOfBan
			}
		}
		return []ticket.BanRecord{agg}, nil
	}
	var out []ticket.BanRecord
	for _, row := range m.bans[ip] {
		if row.jail != jail {
			continue
		}
		if !fromTime.IsZero() && row.rec.TimeOfBan < fromTime.Unix() {
			continue
		}
		out = append(out, row.rec)
	}
	return out, nil
}

// GetCurrentBans mirrors bboltStore.GetCurrentBans: fromTime (time.Now()
// when zero) is the liveness reference, not a row-creation filter.
func (m *MockStore) GetCurrentBans(jail string, fromTime time.Time, forBanTime int64) ([]*ticket.FailTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetCurrentBans"); err != nil {
		return nil, err
	}
	ref := time.Now().Unix()
	if !fromTime.IsZero() {
		ref = fromTime.Unix()
	}
	var out []*ticket.FailTicket
	for ip, rows := range m.bans {
		seenJail := make(map[string]bool)
		for _, row := range rows {
			if jail != "" && row.jail != jail {
				continue
			}
			if seenJail[row.jail] { // only each jail's own latest record counts
				continue
			}
			seenJail[row.jail] = true
			if forBanTime != 0 && row.rec.LastBanTime != forBanTime {
				continue
			}
			live := row.rec.LastBanTime == ticket.Permanent || row.rec.TimeOfBan+row.rec.LastBanTime > ref
			if !live {
				continue
			}
			t := ticket.New(ip, row.rec.TimeOfBan, nil)
			t.BanCount = row.rec.BanCount
			t.SetBanTime(row.rec.LastBanTime)
			t.Restored = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Purge mirrors bboltStore.Purge: expiry-based, permanent bans excluded,
// reporting how many records were dropped.
func (m *MockStore) Purge(purgeAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Purge"); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-purgeAge).Unix()
	purged := 0
	for ip, rows := range m.bans {
		kept := rows[:0]
		for _, row := range rows {
			if row.rec.LastBanTime != ticket.Permanent && row.rec.TimeOfBan+row.rec.LastBanTime < cutoff {
				purged++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(m.bans, ip)
		} else {
			m.bans[ip] = kept
		}
	}
	return purged, nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
