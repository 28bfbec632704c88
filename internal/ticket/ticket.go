// Package ticket holds the data types that flow between the filter,
// failure manager, and Observer: a detected failure or ban tied to one ip.
package ticket

import "fmt"

// Permanent is the sentinel bantime meaning "never expires".
const Permanent = -1

// FailTicket is an immutable-ish record carrying an ip, the time a failure
// or ban occurred, the resulting bantime, the ban count so far, and the log
// lines that triggered it.
//
// Invariants: BanTime == Permanent implies a permanent ban; BanCount >= 0;
// Time is set at construction and never changed afterward.
type FailTicket struct {
	IP       string
	Time     int64 // unix seconds
	BanTime  *int64
	BanCount int
	Matches  []string
	Restored bool
}

// New returns a FailTicket for ip observed at unixTime, with BanCount 0 and
// no bantime set yet (jail default applies until BanTime is non-nil).
func New(ip string, unixTime int64, matches []string) *FailTicket {
	return &FailTicket{
		IP:      ip,
		Time:    unixTime,
		Matches: matches,
	}
}

// HasBanTime reports whether an explicit bantime has been assigned.
func (t *FailTicket) HasBanTime() bool {
	return t.BanTime != nil
}

// SetBanTime assigns the ticket's final bantime in seconds; Permanent (-1)
// marks a permanent ban.
func (t *FailTicket) SetBanTime(seconds int64) {
	t.BanTime = &seconds
}

// ClearMatches drops the stored log lines to save memory before the ticket
// is re-injected into the failure manager; matches are opaque to the
// Observer past this point.
func (t *FailTicket) ClearMatches() {
	t.Matches = nil
}

func (t *FailTicket) String() string {
	bt := "unset"
	if t.BanTime != nil {
		bt = fmt.Sprintf("%d", *t.BanTime)
	}
	return fmt.Sprintf("FailTicket{ip=%s time=%d bancount=%d bantime=%s restored=%t}",
		t.IP, t.Time, t.BanCount, bt, t.Restored)
}

// BanRecord is one row returned by BanStore.GetBan: the ban count at the
// time, when the ban was recorded, and the bantime that was in effect.
// LastBanTime == Permanent means that ban never expires.
type BanRecord struct {
	BanCount    int
	TimeOfBan   int64
	LastBanTime int64
}
