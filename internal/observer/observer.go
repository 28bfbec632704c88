// Package observer implements the single-threaded event-driven dispatcher
// described in the fail2ban-derived observer subsystem: it serialises
// ban/failure notifications from many jails, consults a BanStore to
// escalate repeat offenders, computes ban-time increments via the formula
// package, and purges expired records on a timer.
package observer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-ips/banshee/internal/banstore"
	"github.com/banshee-ips/banshee/internal/errkind"
	"github.com/banshee-ips/banshee/internal/eventqueue"
	"github.com/banshee-ips/banshee/internal/failmanager"
	"github.com/banshee-ips/banshee/internal/formula"
	"github.com/banshee-ips/banshee/internal/metrics"
	"github.com/banshee-ips/banshee/internal/ticket"
	"github.com/banshee-ips/banshee/internal/timerset"
)

const (
	defaultSleepTime       = 60 * time.Second
	defaultDBPurgeInterval = 3600 * time.Second
	defaultPurgeAge        = 86400 * time.Second
	dbPurgeTimerName       = "DB_PURGE"
	stopDrainTimeout       = 5 * time.Second
)

// Jail is the narrow capability interface the Observer needs from a jail;
// it never holds a concrete Jail type, only this (spec §9, cyclic
// reference note).
type Jail interface {
	Name() string
	IsAlive() bool
	Database() banstore.BanStore // nil if this jail has none
	PutFailTicket(t *ticket.FailTicket)
	BanTimeExtra() *formula.BanTimeExtra
}

type lifecycle int

const (
	stateInactive lifecycle = iota
	stateActive
	stateStopping
	stateStopped
)

// Observer is the event dispatcher. The zero value is not usable; use New.
type Observer struct {
	mu              sync.Mutex
	state           lifecycle
	paused          bool
	sleepTime       time.Duration
	dbPurgeInterval time.Duration
	purgeAge        time.Duration

	queue  *eventqueue.Queue
	timers *timerset.Set
	log    zerolog.Logger

	db   banstore.BanStore
	done chan struct{}
}

// Option configures an Observer at construction.
type Option func(*Observer)

// WithSleepTime overrides the notifier wait bound (default 60s).
func WithSleepTime(d time.Duration) Option { return func(o *Observer) { o.sleepTime = d } }

// WithDBPurgeInterval overrides the db_purge re-arm cadence (default 3600s).
func WithDBPurgeInterval(d time.Duration) Option {
	return func(o *Observer) { o.dbPurgeInterval = d }
}

// WithPurgeAge overrides the BanStore.Purge retention window (default 86400s).
func WithPurgeAge(d time.Duration) Option { return func(o *Observer) { o.purgeAge = d } }

// New constructs an Observer in the inactive state. Call Start to run it.
func New(log zerolog.Logger, opts ...Option) *Observer {
	q := eventqueue.New()
	o := &Observer{
		state:           stateInactive,
		sleepTime:       defaultSleepTime,
		dbPurgeInterval: defaultDBPurgeInterval,
		purgeAge:        defaultPurgeAge,
		queue:           q,
		timers:          timerset.New(q),
		log:             log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add pushes a generic event of kind with the given args.
func (o *Observer) Add(kind eventqueue.Kind, args ...any) {
	o.queue.Push(eventqueue.Event{Kind: kind, Args: args})
}

// AddCall pushes a "call" event wrapping an arbitrary closure; the canonical
// design confines this escape hatch to tests (spec §9).
func (o *Observer) AddCall(fn func()) {
	o.queue.Push(eventqueue.Event{Kind: eventqueue.KindCall, Fn: fn})
}

// AddNamedTimer schedules ev to fire after delay under name, cancelling any
// prior timer registered under the same name.
func (o *Observer) AddNamedTimer(name string, delay time.Duration, ev eventqueue.Event) {
	o.timers.AddNamed(name, delay, ev)
}

// Paused reports the current pause state.
func (o *Observer) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// SetPaused toggles pause. Unpausing pulses the notifier so draining resumes
// promptly instead of waiting out the remainder of sleepTime.
func (o *Observer) SetPaused(p bool) {
	o.mu.Lock()
	wasPaused := o.paused
	o.paused = p
	o.mu.Unlock()
	if p {
		metrics.ObserverPaused.Set(1)
	} else {
		metrics.ObserverPaused.Set(0)
	}
	if wasPaused && !p {
		o.queue.Push(eventqueue.Event{Kind: eventqueue.KindIsActive})
	}
}

// IsActive reports whether the Observer is running (active, whether or not
// paused).
func (o *Observer) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateActive
}

// QueueLen exposes the current queue depth for metrics and wait_idle/wait_empty.
func (o *Observer) QueueLen() int { return o.queue.Len() }

// Start is idempotent: transitions inactive->active, spawns the worker
// goroutine, enqueues a self-check is_alive event, and arms the recurring
// db_purge timer.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.state == stateActive {
		o.mu.Unlock()
		return
	}
	o.state = stateActive
	o.done = make(chan struct{})
	o.mu.Unlock()

	o.Add(eventqueue.KindIsAlive)
	o.AddNamedTimer(dbPurgeTimerName, o.dbPurgeInterval, eventqueue.Event{Kind: eventqueue.KindDBPurge})

	go o.run()
}

// Stop marks the Observer stopping, enqueues shutdown, and waits up to 5s
// for the worker to drain and exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.state != stateActive {
		o.mu.Unlock()
		return
	}
	o.state = stateStopping
	done := o.done
	o.mu.Unlock()

	o.queue.Push(eventqueue.Event{Kind: eventqueue.KindShutdown})

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		o.log.Warn().Msg("Observer: stop timed out waiting for worker to drain")
	}
}

// WaitEmpty polls at 100ms until the queue is empty or timeout elapses.
func (o *Observer) WaitEmpty(timeout time.Duration) bool {
	return o.poll(timeout, func() bool { return o.queue.Len() == 0 })
}

// WaitIdle polls at 100ms until the Observer is not mid-drain (approximated
// here by an empty queue, since there is no separate "idle" flag exposed
// across goroutines without additional synchronization).
func (o *Observer) WaitIdle(timeout time.Duration) bool {
	return o.WaitEmpty(timeout)
}

func (o *Observer) poll(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// run is the single-threaded main loop: wait, drain, dispatch.
func (o *Observer) run() {
	defer func() {
		o.mu.Lock()
		o.state = stateStopped
		close(o.done)
		o.mu.Unlock()
	}()

	for {
		if o.Paused() {
			// Stay alive but don't drain: events and timers keep
			// accumulating until SetPaused(false) pulses us awake.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		ev, gotOne := o.queue.PopOrWait(o.sleepTime)
		if !gotOne {
			continue
		}
		if o.Paused() {
			// Paused flipped true between the wait and now; put the event
			// back so it isn't lost, and retry once unpaused.
			o.queue.Push(ev)
			continue
		}
		batch := append([]eventqueue.Event{ev}, o.queue.DrainAll()...)
		metrics.QueueDepth.Set(float64(o.queue.Len()))
		for _, queued := range batch {
			o.dispatchSafely(queued)
			if queued.Kind == eventqueue.KindShutdown {
				o.log.Info().Int("remaining", o.queue.Len()).Msg("Observer: shutting down")
				return
			}
		}
	}
}

func (o *Observer) dispatchSafely(ev eventqueue.Event) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			o.log.Error().Interface("panic", r).Str("kind", string(ev.Kind)).Msg("Observer: handler panicked")
		}
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind), outcome).Inc()
	}()
	o.dispatch(ev)
}

func (o *Observer) dispatch(ev eventqueue.Event) {
	switch ev.Kind {
	case eventqueue.KindCall:
		if ev.Fn != nil {
			ev.Fn()
		}
	case eventqueue.KindFailureFound:
		fm, jail, t, ok := asFailureFoundArgs(ev.Args)
		if !ok {
			o.logUnknown(ev.Kind)
			return
		}
		o.HandleFailureFound(fm, jail, t)
	case eventqueue.KindBanFound:
		t, jail, btime, ok := asBanFoundArgs(ev.Args)
		if !ok {
			o.logUnknown(ev.Kind)
			return
		}
		o.HandleBanFound(t, jail, btime)
	case eventqueue.KindDBSet:
		if len(ev.Args) == 1 {
			if store, ok := ev.Args[0].(banstore.BanStore); ok {
				o.db = store
			}
		}
	case eventqueue.KindDBPurge:
		o.handleDBPurge()
	case eventqueue.KindIsAlive, eventqueue.KindIsActive, eventqueue.KindStart, eventqueue.KindStop:
		// Observability no-ops; the real state transitions happen in
		// Start/Stop/SetPaused, not on the queue.
	case eventqueue.KindShutdown:
		// handled by caller after dispatch returns
	default:
		o.logUnknown(ev.Kind)
	}
}

func (o *Observer) logUnknown(kind eventqueue.Kind) {
	err := &errkind.Unknown{Kind: string(kind)}
	o.log.Error().Err(err).Msg("Observer: unrecognised event kind")
}

func asFailureFoundArgs(args []any) (failmanager.FailManager, Jail, *ticket.FailTicket, bool) {
	if len(args) != 3 {
		return nil, nil, nil, false
	}
	fm, ok1 := args[0].(failmanager.FailManager)
	jail, ok2 := args[1].(Jail)
	t, ok3 := args[2].(*ticket.FailTicket)
	return fm, jail, t, ok1 && ok2 && ok3
}

func asBanFoundArgs(args []any) (*ticket.FailTicket, Jail, int64, bool) {
	if len(args) != 3 {
		return nil, nil, 0, false
	}
	t, ok1 := args[0].(*ticket.FailTicket)
	jail, ok2 := args[1].(Jail)
	btime, ok3 := args[2].(int64)
	return t, jail, btime, ok1 && ok2 && ok3
}

// HandleFailureFound implements the failureFound handler (spec §4.4).
func (o *Observer) HandleFailureFound(fm failmanager.FailManager, jail Jail, t *ticket.FailTicket) {
	if !jail.IsAlive() {
		return
	}

	store := jail.Database()
	if store == nil {
		store = o.db
	}

	banCount := 0
	var timeOfBan int64 = -1
	if store != nil {
		rows, err := store.GetBan(t.IP, jail.Name(), time.Time{}, false)
		if err != nil {
			o.log.Error().Err(err).Str("jail", jail.Name()).Msg("Observer: failed to read ban history")
		} else if len(rows) > 0 {
			banCount = rows[0].BanCount
			timeOfBan = rows[0].TimeOfBan
		}
	}

	// Literal from the source: (1 << min(banCount,20)) / 2 + 1, integer
	// division; banCount==0 yields retryCount==1 (no escalation).
	exp := banCount
	if exp > 20 {
		exp = 20
	}
	retryCount := (1<<uint(exp))/2 + 1
	if retryCount > fm.MaxRetry() {
		retryCount = fm.MaxRetry()
	}

	if timeOfBan >= 0 && t.Time <= timeOfBan {
		return // duplicate from log restoration
	}
	if retryCount <= 1 {
		return // filter already counted one; no escalation warranted
	}

	t.ClearMatches()
	fm.AddFailure(t, retryCount-1, true)

	for {
		ready, err := fm.ToBan(t.IP)
		if err != nil {
			fm.Cleanup(time.Now())
			return
		}
		jail.PutFailTicket(ready)
	}
}

// IncrBanTime implements incrBanTime (spec §4.5): computes the escalated
// ban time for t given jail's BanTimeExtra and ban history, mutating t's
// BanCount/BanTime/Restored fields in place and returning the new value.
func (o *Observer) IncrBanTime(jail Jail, banTime int64, t *ticket.FailTicket) (int64, error) {
	if !jail.IsAlive() {
		return banTime, nil
	}
	extra := jail.BanTimeExtra()
	if banTime <= 0 || extra == nil || !extra.Increment {
		return banTime, nil
	}

	store := jail.Database()
	if store == nil {
		store = o.db
	}
	if store == nil {
		return banTime, nil
	}

	rows, err := store.GetBan(t.IP, jail.Name(), time.Time{}, extra.OverallJails)
	if err != nil {
		return banTime, &errkind.StoreError{Op: "incrBanTime.getBan", Err: err}
	}
	if len(rows) == 0 || rows[0].BanCount <= 0 {
		return banTime, nil
	}

	row := rows[0]
	newTime, ferr := extra.Calc(formula.IncrInput{Time: float64(banTime), Count: row.BanCount})
	if ferr != nil {
		metrics.FormulaErrors.WithLabelValues(jail.Name()).Inc()
		o.log.Error().Err(ferr).Str("jail", jail.Name()).Msg("Observer: ban time formula failed, using input banTime")
	}

	t.BanCount = row.BanCount
	t.SetBanTime(int64(newTime))

	if t.Time <= row.TimeOfBan {
		t.Restored = true
	}

	return int64(newTime), ferr
}

// HandleBanFound implements the banFound handler (spec §4.6).
func (o *Observer) HandleBanFound(t *ticket.FailTicket, jail Jail, btime int64) {
	originalBtime := btime

	if btime != ticket.Permanent && !t.Restored && !t.HasBanTime() {
		newTime, err := o.IncrBanTime(jail, btime, t)
		if err == nil && (newTime == ticket.Permanent || newTime > originalBtime) {
			btime = newTime
			t.SetBanTime(btime)
		}
	}
	if !t.HasBanTime() {
		t.SetBanTime(btime)
	}

	if btime != ticket.Permanent {
		bendtime := t.Time + btime
		if bendtime < time.Now().Unix() {
			o.log.Info().Str("jail", jail.Name()).Str("ip", t.IP).
				Msg("Observer: stale ban, skipping")
			return
		}
	}

	if btime != originalBtime {
		o.log.Info().Str("jail", jail.Name()).Str("ip", t.IP).
			Int64("banTimeSeconds", btime).Msg("Observer: ban escalated")
	}

	if t.Restored {
		return
	}
	store := jail.Database()
	if store == nil {
		store = o.db
	}
	if store == nil {
		return
	}
	if err := store.AddBan(jail.Name(), t); err != nil {
		o.log.Error().Err(err).Str("jail", jail.Name()).Msg("Observer: failed to persist ban")
	}
}

func (o *Observer) handleDBPurge() {
	defer o.AddNamedTimer(dbPurgeTimerName, o.dbPurgeInterval, eventqueue.Event{Kind: eventqueue.KindDBPurge})
	if o.db == nil {
		return
	}
	purged, err := o.db.Purge(o.purgeAge)
	if err != nil {
		o.log.Error().Err(err).Msg("Observer: db purge failed")
		return
	}
	metrics.DBPurges.Inc()
	metrics.DBPurgedRows.Add(float64(purged))
	if size, err := o.db.SizeBytes(); err != nil {
		o.log.Error().Err(err).Msg("Observer: db size check failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}
}
