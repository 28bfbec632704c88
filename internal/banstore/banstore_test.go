package banstore

import (
	"testing"
	"time"

	"github.com/banshee-ips/banshee/internal/ticket"
)

func openTemp(t *testing.T) BanStore {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ticketAt(ip string, unixTime int64, banCount int, banTime int64) *ticket.FailTicket {
	ft := ticket.New(ip, unixTime, nil)
	ft.BanCount = banCount
	ft.SetBanTime(banTime)
	return ft
}

func TestAddBanThenGetBanMostRecentFirst(t *testing.T) {
	store := openTemp(t)
	if err := store.AddJail("sshd"); err != nil {
		t.Fatalf("addJail: %v", err)
	}
	base := time.Now().Unix() - 1000
	if err := store.AddBan("sshd", ticketAt("1.2.3.4", base, 1, 600)); err != nil {
		t.Fatalf("addBan: %v", err)
	}
	if err := store.AddBan("sshd", ticketAt("1.2.3.4", base+100, 2, 1200)); err != nil {
		t.Fatalf("addBan: %v", err)
	}
	rows, err := store.GetBan("1.2.3.4", "sshd", time.Time{}, false)
	if err != nil {
		t.Fatalf("getBan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].BanCount != 2 || rows[0].LastBanTime != 1200 {
		t.Errorf("newest row = %+v, want bancount=2 lastBanTime=1200", rows[0])
	}
	if rows[1].BanCount != 1 || rows[1].LastBanTime != 600 {
		t.Errorf("oldest row = %+v, want bancount=1 lastBanTime=600", rows[1])
	}
}

// GetBan(overallJails=true) sums each jail's own latest record for ip into
// one aggregate row (spec §8 S5): BanCount and LastBanTime added across
// jails, TimeOfBan set to the latest of them.
func TestGetBanOverallJailsAggregatesAcrossJails(t *testing.T) {
	store := openTemp(t)
	_ = store.AddJail("sshd")
	_ = store.AddJail("apache")
	t1 := time.Now().Unix() - 500
	t2 := t1 + 200
	if err := store.AddBan("sshd", ticketAt("9.9.9.9", t1, 1, 10)); err != nil {
		t.Fatal(err)
	}
	if err := store.AddBan("apache", ticketAt("9.9.9.9", t2, 1, 20)); err != nil {
		t.Fatal(err)
	}
	rows, err := store.GetBan("9.9.9.9", "", time.Time{}, true)
	if err != nil {
		t.Fatalf("getBan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 aggregate row", len(rows))
	}
	if rows[0].BanCount != 2 || rows[0].TimeOfBan != t2 || rows[0].LastBanTime != 30 {
		t.Errorf("aggregate = %+v, want bancount=2 t=%d lastBanTime=30", rows[0], t2)
	}

	// A third record to sshd and a fourth to apache (spec §8 S5's second
	// assertion: (3, stime, 18000) from (1, stime, 6000)+(2, stime-6000, 12000)).
	t3 := t2 + 50
	if err := store.AddBan("sshd", ticketAt("9.9.9.9", t3, 1, 6000)); err != nil {
		t.Fatal(err)
	}
	t4 := t3 + 10
	if err := store.AddBan("apache", ticketAt("9.9.9.9", t4, 2, 12000)); err != nil {
		t.Fatal(err)
	}
	rows, err = store.GetBan("9.9.9.9", "", time.Time{}, true)
	if err != nil {
		t.Fatalf("getBan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 aggregate row", len(rows))
	}
	if rows[0].BanCount != 3 || rows[0].TimeOfBan != t4 || rows[0].LastBanTime != 18000 {
		t.Errorf("aggregate = %+v, want bancount=3 t=%d lastBanTime=18000", rows[0], t4)
	}
}

// S6 (adapted to a single jail, three tickets with distinct ages).
func TestGetCurrentBansFromTimeFiltering(t *testing.T) {
	store := openTemp(t)
	_ = store.AddJail("sshd")
	now := time.Now()

	// A: banned 12h ago for 36h (still live).
	aTime := now.Add(-12 * time.Hour).Unix()
	if err := store.AddBan("sshd", ticketAt("10.0.0.1", aTime, 1, int64(36*time.Hour/time.Second))); err != nil {
		t.Fatal(err)
	}
	// B: banned 24h ago for 12h (expired).
	bTime := now.Add(-24 * time.Hour).Unix()
	if err := store.AddBan("sshd", ticketAt("10.0.0.2", bTime, 1, int64(12*time.Hour/time.Second))); err != nil {
		t.Fatal(err)
	}
	// C: banned 36h ago, permanent.
	cTime := now.Add(-36 * time.Hour).Unix()
	if err := store.AddBan("sshd", ticketAt("10.0.0.3", cTime, 1, ticket.Permanent)); err != nil {
		t.Fatal(err)
	}

	bans, err := store.GetCurrentBans("sshd", time.Time{}, 0)
	if err != nil {
		t.Fatalf("getCurrentBans: %v", err)
	}
	got := map[string]bool{}
	for _, b := range bans {
		got[b.IP] = true
	}
	if !got["10.0.0.1"] || got["10.0.0.2"] || !got["10.0.0.3"] {
		t.Fatalf("expected {A,C} live (B expired), got %v", got)
	}

	// fromtime=now-18h is the liveness reference itself (spec §8 S6): B's
	// timeOfBan(-24h)+lastBanTime(12h) = -12h, which is still later than
	// -18h, so B counts as current relative to that reference even though
	// it has actually expired by wall-clock now.
	bans, err = store.GetCurrentBans("sshd", now.Add(-18*time.Hour), 0)
	if err != nil {
		t.Fatalf("getCurrentBans: %v", err)
	}
	got = map[string]bool{}
	for _, b := range bans {
		got[b.IP] = true
	}
	if !got["10.0.0.1"] || !got["10.0.0.2"] || !got["10.0.0.3"] {
		t.Fatalf("expected A, B and C present, got %v", got)
	}
}

// Invariant: purge drops expired rows but never touches permanent bans.
func TestPurgeDropsExpiredKeepsPermanent(t *testing.T) {
	store := openTemp(t)
	_ = store.AddJail("sshd")
	old := time.Now().Add(-48 * time.Hour).Unix()
	if err := store.AddBan("sshd", ticketAt("1.1.1.1", old, 1, 60)); err != nil {
		t.Fatal(err)
	}
	if err := store.AddBan("sshd", ticketAt("2.2.2.2", old, 1, ticket.Permanent)); err != nil {
		t.Fatal(err)
	}
	purged, err := store.Purge(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 row purged, got %d", purged)
	}
	rows, err := store.GetBan("1.1.1.1", "sshd", time.Time{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected expired ban purged, got %v", rows)
	}
	rows, err = store.GetBan("2.2.2.2", "sshd", time.Time{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected permanent ban retained, got %v", rows)
	}
}

func TestSizeBytesReflectsFilePresence(t *testing.T) {
	store := openTemp(t)
	size, err := store.SizeBytes()
	if err != nil {
		t.Fatalf("sizeBytes: %v", err)
	}
	if size <= 0 {
		t.Errorf("expected non-zero db file size, got %d", size)
	}
}
