// Package banstore persists the ban history the Observer consults to
// escalate repeat offenders: one bucket per jail, keyed by ip, holding an
// append-only most-recent-first list of ban records.
package banstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/banshee-ips/banshee/internal/errkind"
	"github.com/banshee-ips/banshee/internal/ticket"
)

// metaBucket holds the set of known jail names, so Purge and jail-scoped
// listings don't need to scan bbolt's top-level bucket cursor under a
// write lock.
const metaBucket = "_jails"

// record is the on-disk shape of one ban event, msgpack-encoded.
type record struct {
	BanCount    int
	TimeOfBan   int64
	LastBanTime int64 // ticket.Permanent (-1) means never expires
}

// BanStore is the persistence contract the Observer relies on (spec §6).
type BanStore interface {
	AddJail(jail string) error
	AddBan(jail string, t *ticket.FailTicket) error
	// GetBan returns rows for ip in most-recent-first order. If overallJails
	// is true, every known jail's own latest record for ip is summed into a
	// single aggregate row: BanCount and LastBanTime added across jails,
	// TimeOfBan set to the latest of them.
	GetBan(ip, jail string, fromTime time.Time, overallJails bool) ([]ticket.BanRecord, error)
	// GetCurrentBans returns tickets still live as of fromTime (time.Now()
	// when zero): timeOfBan+lastBanTime > fromTime, or a permanent ban.
	GetCurrentBans(jail string, fromTime time.Time, forBanTime int64) ([]*ticket.FailTicket, error)
	// Purge drops records whose ban ended more than purgeAge before now,
	// permanent bans excluded, and reports how many were dropped.
	Purge(purgeAge time.Duration) (int, error)
	SizeBytes() (int64, error)
	Close() error
}

type bboltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open creates or opens a bbolt-backed BanStore at dataDir/banshee.db.
func Open(dataDir string) (BanStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, &errkind.StoreError{Op: "mkdir", Err: err}
	}
	path := filepath.Join(dataDir, "banshee.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &errkind.StoreError{Op: "open", Err: err}
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, &errkind.StoreError{Op: "init", Err: err}
	}
	return &bboltStore{db: db}, nil
}

func jailBucketName(jail string) []byte { return []byte("jail:" + jail) }

// AddJail registers jail so it participates in future overallJails merges
// even before its first ban is recorded.
func (s *bboltStore) AddJail(jail string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(jailBucketName(jail)); err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(jail), []byte{1})
	})
	if err != nil {
		return &errkind.StoreError{Op: "addJail", Err: err}
	}
	return nil
}

// AddBan appends one record for t.IP in jail's bucket. Records accumulate
// most-recent-last on disk; readers reverse on the way out.
func (s *bboltStore) AddBan(jail string, t *ticket.FailTicket) error {
	lastBanTime := int64(0)
	if t.BanTime != nil {
		lastBanTime = *t.BanTime
	}
	rec := record{BanCount: t.BanCount, TimeOfBan: t.Time, LastBanTime: lastBanTime}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(jailBucketName(jail))
		if err != nil {
			return err
		}
		recs, err := readRecords(b, t.IP)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		data, err := msgpack.Marshal(recs)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(t.IP), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(jail), []byte{1})
	})
	if err != nil {
		return &errkind.StoreError{Op: "addBan", Err: err}
	}
	return nil
}

func readRecords(b *bolt.Bucket, ip string) ([]record, error) {
	raw := b.Get([]byte(ip))
	if raw == nil {
		return nil, nil
	}
	var recs []record
	if err := msgpack.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetBan implements the BanStore contract: see spec §6. overallJails causes
// every known jail to be scanned (jail is then only a hint, same as
// jailsToScan); otherwise only jail's own history for ip is consulted.
func (s *bboltStore) GetBan(ip, jail string, fromTime time.Time, overallJails bool) ([]ticket.BanRecord, error) {
	var out []ticket.BanRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		jails, err := jailsToScan(tx, jail, overallJails)
		if err != nil {
			return err
		}
		if overallJails {
			var agg ticket.BanRecord
			found := false
			for _, j := range jails {
				b := tx.Bucket(jailBucketName(j))
				if b == nil {
					continue
				}
				recs, err := readRecords(b, ip)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					continue
				}
				r := recs[len(recs)-1] // this jail's own latest record
				if !fromTime.IsZero() && r.TimeOfBan < fromTime.Unix() {
					continue
				}
				found = true
				agg.BanCount += r.BanCount
				agg.LastBanTime += r.LastBanTime
				if r.TimeOfBan > agg.TimeOfBan {
					agg.TimeOfBan = r.TimeOfBan
				}
			}
			if found {
				out = append(out, agg)
			}
			return nil
		}
		for _, j := range jails {
			b := tx.Bucket(jailBucketName(j))
			if b == nil {
				continue
			}
			recs, err := readRecords(b, ip)
			if err != nil {
				return err
			}
			for _, r := range recs {
				if !fromTime.IsZero() && r.TimeOfBan < fromTime.Unix() {
					continue
				}
				out = append(out, ticket.BanRecord{
					BanCount:    r.BanCount,
					TimeOfBan:   r.TimeOfBan,
					LastBanTime: r.LastBanTime,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, &errkind.StoreError{Op: "getBan", Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeOfBan > out[j].TimeOfBan })
	return out, nil
}

func jailsToScan(tx *bolt.Tx, jail string, overallJails bool) ([]string, error) {
	if jail != "" && !overallJails {
		return []string{jail}, nil
	}
	var jails []string
	c := tx.Bucket([]byte(metaBucket)).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		jails = append(jails, string(k))
	}
	return jails, nil
}

// GetCurrentBans returns tickets whose ban has not yet expired as of
// fromTime (time.Now() when fromTime is zero): rows where
// timeOfBan + lastBanTime > fromTime, or lastBanTime == ticket.Permanent.
// forBanTime, when non-zero, restricts to rows recorded with exactly that
// bantime (used by jails to re-fetch their own still-live bans on restart).
func (s *bboltStore) GetCurrentBans(jail string, fromTime time.Time, forBanTime int64) ([]*ticket.FailTicket, error) {
	ref := time.Now().Unix()
	if !fromTime.IsZero() {
		ref = fromTime.Unix()
	}
	var out []*ticket.FailTicket
	err := s.db.View(func(tx *bolt.Tx) error {
		jails, err := jailsToScan(tx, jail, jail == "")
		if err != nil {
			return err
		}
		for _, j := range jails {
			b := tx.Bucket(jailBucketName(j))
			if b == nil {
				continue
			}
			c := b.Cursor()
			for ip, raw := c.First(); ip != nil; ip, raw = c.Next() {
				var recs []record
				if err := msgpack.Unmarshal(raw, &recs); err != nil {
					return err
				}
				if len(recs) == 0 {
					continue
				}
				r := recs[len(recs)-1]
				if forBanTime != 0 && r.LastBanTime != forBanTime {
					continue
				}
				live := r.LastBanTime == ticket.Permanent || r.TimeOfBan+r.LastBanTime > ref
				if !live {
					continue
				}
				ft := ticket.New(string(ip), r.TimeOfBan, nil)
				ft.BanCount = r.BanCount
				ft.Restored = true
				ft.SetBanTime(r.LastBanTime)
				out = append(out, ft)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &errkind.StoreError{Op: "getCurrentBans", Err: err}
	}
	return out, nil
}

// Purge drops every record whose ban ended more than purgeAge ago,
// permanent bans excluded, and returns how many records were dropped.
func (s *bboltStore) Purge(purgeAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-purgeAge).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(metaBucket)).Cursor()
		var jails []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			jails = append(jails, string(k))
		}
		for _, j := range jails {
			b := tx.Bucket(jailBucketName(j))
			if b == nil {
				continue
			}
			var toDelete [][]byte
			var toPut []struct {
				key  []byte
				data []byte
			}
			if err := b.ForEach(func(k, v []byte) error {
				var recs []record
				if err := msgpack.Unmarshal(v, &recs); err != nil {
					return nil
				}
				kept := recs[:0]
				for _, r := range recs {
					if r.LastBanTime != ticket.Permanent && r.TimeOfBan+r.LastBanTime < cutoff {
						purged++
						continue
					}
					kept = append(kept, r)
				}
				key := make([]byte, len(k))
				copy(key, k)
				if len(kept) == 0 {
					toDelete = append(toDelete, key)
					return nil
				}
				if len(kept) != len(recs) {
					data, err := msgpack.Marshal(kept)
					if err != nil {
						return err
					}
					toPut = append(toPut, struct {
						key  []byte
						data []byte
					}{key, data})
				}
				return nil
			}); err != nil {
				return err
			}
			// bbolt forbids mutating a bucket's structure while ForEach's
			// cursor is live, so writes are deferred until the walk is done.
			for _, u := range toPut {
				if err := b.Put(u.key, u.data); err != nil {
					return err
				}
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return purged, &errkind.StoreError{Op: "purge", Err: err}
	}
	return purged, nil
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, &errkind.StoreError{Op: "sizeBytes", Err: err}
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &errkind.StoreError{Op: "close", Err: err}
	}
	return nil
}
