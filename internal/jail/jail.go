// Package jail implements a concrete Jail: the glue between one named
// failure source, its FailManager, its slice of the shared BanStore, and
// the ban-time escalation policy the Observer applies to it. It satisfies
// observer.Jail (spec §9's capability-interface seam) and supplies the
// minimal ban/unban "action" (a callback invoked with the decision) that a
// real deployment would wire to iptables/nftables/ufw — here left as an
// injected func so the daemon's demo ingestion path and tests can observe
// what the Observer decided without owning a firewall backend.
package jail

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-ips/banshee/internal/banstore"
	"github.com/banshee-ips/banshee/internal/failmanager"
	"github.com/banshee-ips/banshee/internal/formula"
	"github.com/banshee-ips/banshee/internal/ticket"
)

// Action is invoked once per ban/unban decision the Observer hands back to
// this jail via PutFailTicket, or by Unban. kind is "ban", "restore" (a
// ban for a ticket marked Restored) or "unban".
type Action func(kind string, t *ticket.FailTicket)

// Jail is a named failure source: its FailManager decides when an ip has
// struck out, its BanTimeExtra decides how long the resulting ban lasts,
// and its Action executes the decision.
type Jail struct {
	name   string
	fm     failmanager.FailManager
	db     banstore.BanStore
	extra  *formula.BanTimeExtra
	action Action
	log    zerolog.Logger

	mu    sync.Mutex
	alive bool
}

// New constructs a Jail named name, backed by fm and (optionally nil) db,
// with the given ban-time escalation policy and decision callback.
func New(name string, fm failmanager.FailManager, db banstore.BanStore, extra *formula.BanTimeExtra, action Action, log zerolog.Logger) *Jail {
	return &Jail{
		name:   name,
		fm:     fm,
		db:     db,
		extra:  extra,
		action: action,
		log:    log.With().Str("jail", name).Logger(),
		alive:  true,
	}
}

func (j *Jail) Name() string { return j.name }

func (j *Jail) IsAlive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.alive
}

// SetAlive flips the jail's liveness; a stopped jail's events are ignored
// by the Observer (spec §4.4/§4.6 "if not jail.isAlive(): return").
func (j *Jail) SetAlive(alive bool) {
	j.mu.Lock()
	j.alive = alive
	j.mu.Unlock()
}

func (j *Jail) Database() banstore.BanStore { return j.db }

func (j *Jail) BanTimeExtra() *formula.BanTimeExtra { return j.extra }

// FailManager exposes the jail's FailManager for the daemon's ingestion
// path to call AddFailure on, and so callers can
// drive HandleFailureFound without reaching into private state.
func (j *Jail) FailManager() failmanager.FailManager { return j.fm }

// PutFailTicket is the Observer's callback once a ticket is ban-ready
// (spec §4.4 step 6, §4.6's banFound handler target). It runs the jail's
// Action with kind "ban", or "restore" for a Restored ticket. It schedules
// no unban itself; the daemon's Action does that through ScheduleUnban and
// observer.AddNamedTimer.
func (j *Jail) PutFailTicket(t *ticket.FailTicket) {
	if j.action == nil {
		return
	}
	kind := "ban"
	if t.Restored {
		kind = "restore"
	}
	j.action(kind, t)
}

// Unban runs the jail's Action with kind "unban"; callers schedule this via
// a named timer keyed by ip so a repeat ban for the same ip replaces rather
// than stacks the pending unban (mirroring TimerSet's addNamed semantics).
func (j *Jail) Unban(t *ticket.FailTicket) {
	if j.action != nil {
		j.action("unban", t)
	}
}

// ScheduleUnban is a convenience the daemon's ingestion path uses to arm a
// one-shot unban after banTime seconds, skipped entirely for permanent bans.
func ScheduleUnban(add func(name string, delay time.Duration, fn func()), ip string, banTime int64, fn func()) {
	if banTime == ticket.Permanent || banTime <= 0 {
		return
	}
	add("UNBAN_"+ip, time.Duration(banTime)*time.Second, fn)
}
