// Package daemon wires Config, BanStore, Observer, the per-jail failure
// ingestion surface, and the ControlChannel server into the long-running
// bansheed process, the way the teacher's internal/bouncer package wires
// its stream/pool/firewall-manager collaborators behind a single Run(ctx).
package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-ips/banshee/internal/banstore"
	"github.com/banshee-ips/banshee/internal/clock"
	"github.com/banshee-ips/banshee/internal/config"
	"github.com/banshee-ips/banshee/internal/controlchannel"
	"github.com/banshee-ips/banshee/internal/errkind"
	"github.com/banshee-ips/banshee/internal/eventqueue"
	"github.com/banshee-ips/banshee/internal/failmanager"
	"github.com/banshee-ips/banshee/internal/formula"
	"github.com/banshee-ips/banshee/internal/jail"
	"github.com/banshee-ips/banshee/internal/metrics"
	"github.com/banshee-ips/banshee/internal/observer"
	"github.com/banshee-ips/banshee/internal/pool"
	"github.com/banshee-ips/banshee/internal/ticket"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

var (
	eventIDMu      sync.Mutex
	eventIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newEventID returns a correlation id for one reported failure, used only
// for log correlation across the control channel and the Observer.
func newEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), eventIDEntropy)
	return id.String()
}

// Daemon owns the long-lived collaborators: the ban store, the Observer,
// one jail.Jail per configured jail, and the control channel server.
type Daemon struct {
	cfg   *config.Config
	log   zerolog.Logger
	clock clock.Clock

	store banstore.BanStore
	obs   *observer.Observer

	mu    sync.Mutex
	jails map[string]*jail.Jail

	ctl     *controlchannel.Server
	actions *pool.Pool
}

// New opens the ban store, builds the Observer and one jail per cfg.Jails,
// and registers the control channel's command table. It does not yet
// listen or start the Observer's worker goroutine; call Run for that.
func New(cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	store, err := banstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open ban store: %w", err)
	}

	obs := observer.New(log,
		observer.WithSleepTime(cfg.ObserverSleepTime),
		observer.WithDBPurgeInterval(cfg.DBPurgeInterval),
		observer.WithPurgeAge(cfg.DBPurgeAge),
	)
	obs.Add(eventqueue.KindDBSet, store)

	d := &Daemon{
		cfg:   cfg,
		log:   log,
		clock: clock.New(),
		store: store,
		obs:   obs,
		jails: make(map[string]*jail.Jail),
	}

	multipliers, err := cfg.Multipliers()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("default multipliers: %w", err)
	}

	for _, name := range cfg.Jails {
		if err := d.addJail(name, defaultBanTimeExtra(name, cfg, multipliers, log)); err != nil {
			store.Close()
			return nil, fmt.Errorf("add jail %s: %w", name, err)
		}
	}

	actions, err := pool.New(pool.Config{
		Workers:    cfg.ActionWorkers,
		QueueDepth: cfg.ActionQueueDepth,
		MaxRetries: cfg.ActionMaxRetries,
		RetryBase:  cfg.ActionRetryBase,
	}, d.runActionCommand, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build action pool: %w", err)
	}
	d.actions = actions

	d.ctl = controlchannel.NewServer(cfg.SocketPath, d.dispatch, log)
	return d, nil
}

func defaultBanTimeExtra(jailName string, cfg *config.Config, multipliers []float64, log zerolog.Logger) *formula.BanTimeExtra {
	extra := &formula.BanTimeExtra{
		Increment:    cfg.DefaultIncrement,
		MaxTime:      cfg.DefaultMaxTime.Seconds(),
		RndTime:      cfg.DefaultRndTime.Seconds(),
		Factor:       cfg.DefaultFactor,
		Multipliers:  multipliers,
		OverallJails: cfg.DefaultOverallJails,
		Formula:      cfg.DefaultFormula,
	}
	if err := extra.Compile(); err != nil {
		// A bad custom formula falls back to the default doubling formula
		// rather than aborting startup; the rejection is counted and logged
		// once here, and Calc then uses the default formula.
		metrics.FormulaErrors.WithLabelValues(jailName).Inc()
		log.Warn().Err(err).Str("jail", jailName).Msg("daemon: custom ban time formula rejected, using default")
		extra.Formula = ""
	}
	return extra
}

func (d *Daemon) addJail(name string, extra *formula.BanTimeExtra) error {
	if err := d.store.AddJail(name); err != nil {
		return &errkind.StoreError{Op: "addJail", Err: err}
	}
	fm := failmanager.New(d.cfg.DefaultMaxRetry, d.cfg.DefaultFindTime)
	j := jail.New(name, fm, d.store, extra, d.banAction(name), d.log)

	d.mu.Lock()
	d.jails[name] = j
	d.mu.Unlock()
	return nil
}

// banAction is the jail.Action every jail is constructed with: it logs the
// decision, bumps metrics, and (for finite bans) arms a named unban timer
// on the Observer so a repeat ban for the same ip replaces rather than
// stacks the pending unban.
func (d *Daemon) banAction(jailName string) jail.Action {
	return func(kind string, t *ticket.FailTicket) {
		log := d.log.With().Str("jail", jailName).Str("ip", t.IP).Str("action", kind).Logger()
		switch kind {
		case "ban", "restore":
			metrics.BansIssued.WithLabelValues(jailName).Inc()
			metrics.ActiveBans.WithLabelValues(jailName).Inc()
			if t.BanTime != nil {
				metrics.BanTimeSeconds.WithLabelValues(jailName).Observe(float64(*t.BanTime))
			}
			log.Info().Int64("banTime", banTimeOrZero(t)).Msg("daemon: ban issued")
			d.actions.Enqueue(pool.ActionJob{Action: "ban", Jail: jailName, IP: t.IP})
			ip := t.IP
			jname := jailName
			jail.ScheduleUnban(d.addNamedCallback, ip, banTimeOrZero(t), func() {
				d.mu.Lock()
				j := d.jails[jname]
				d.mu.Unlock()
				if j != nil {
					j.Unban(t)
				}
			})
		case "unban":
			metrics.UnbansIssued.WithLabelValues(jailName).Inc()
			metrics.ActiveBans.WithLabelValues(jailName).Dec()
			log.Info().Msg("daemon: unban issued")
			d.actions.Enqueue(pool.ActionJob{Action: "unban", Jail: jailName, IP: t.IP})
		}
	}
}

// runActionCommand is the action pool's JobHandler: it shells out to the
// configured ban/unban command template, substituting {ip} and {jail}. An
// empty template means log-only, matching a dry-run jail with no real
// enforcement backend attached.
func (d *Daemon) runActionCommand(ctx context.Context, job pool.ActionJob) error {
	var template string
	switch job.Action {
	case "ban":
		template = d.cfg.BanCommand
	case "unban":
		template = d.cfg.UnbanCommand
	default:
		return fmt.Errorf("daemon: unknown action %q", job.Action)
	}
	if template == "" {
		d.log.Debug().Str("jail", job.Jail).Str("ip", job.IP).Str("action", job.Action).
			Msg("daemon: no command configured, action logged only")
		return nil
	}

	replacer := strings.NewReplacer("{ip}", job.IP, "{jail}", job.Jail)
	cmdline := replacer.Replace(template)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("daemon: action command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// addNamedCallback adapts jail.ScheduleUnban's plain-func timer contract to
// the Observer's AddNamedTimer, which only accepts queue events; it wraps fn
// in a KindCall event so the closure still runs on the Observer's single
// dispatch goroutine rather than its own.
func (d *Daemon) addNamedCallback(name string, delay time.Duration, fn func()) {
	d.obs.AddNamedTimer(name, delay, eventqueue.Event{Kind: eventqueue.KindCall, Fn: fn})
}

func banTimeOrZero(t *ticket.FailTicket) int64 {
	if t.BanTime == nil {
		return 0
	}
	return *t.BanTime
}

// ReportFailure feeds one observed failure for ip into jailName's failure
// manager and enqueues a failureFound event, mirroring the minimal
// failure-ingestion surface a filter/log-watcher would drive in production
// (supplemented per SPEC_FULL.md §1, since this daemon has no packaged
// log-tailing filter of its own).
func (d *Daemon) ReportFailure(jailName, ip string, matches []string) error {
	d.mu.Lock()
	j := d.jails[jailName]
	d.mu.Unlock()
	if j == nil {
		return fmt.Errorf("daemon: unknown jail %q", jailName)
	}
	t := ticket.New(ip, d.clock.Now().Unix(), matches)
	eventID := newEventID()
	d.log.Debug().Str("event_id", eventID).Str("jail", jailName).Str("ip", ip).Msg("daemon: failure reported")
	j.FailManager().AddFailure(t, 1, false)
	metrics.EventsEnqueued.WithLabelValues(string(eventqueue.KindFailureFound)).Inc()
	d.obs.Add(eventqueue.KindFailureFound, j.FailManager(), j, t)
	return nil
}

// Run starts the Observer, the control channel listener, and (if enabled)
// the Prometheus metrics server as sibling goroutines under one errgroup,
// blocking until ctx is cancelled, a "stop" command closes the control
// channel, or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.obs.Start()
	defer d.obs.Stop()
	defer d.store.Close()

	actionCtx, cancelActions := context.WithCancel(context.Background())
	d.actions.Start(actionCtx)
	defer cancelActions()
	defer d.actions.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.serveControl(gctx); err != nil {
			return err
		}
		// Serve returns nil once the control channel is closed, by the
		// "stop" verb or by the shutdown goroutine below; cancelling the
		// group lets the metrics server and Run return as well.
		return context.Canceled
	})

	if d.cfg.MetricsEnabled {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return d.ctl.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Daemon) serveControl(ctx context.Context) error {
	d.log.Info().Str("socket", d.cfg.SocketPath).Msg("daemon: control channel listening")
	if err := d.ctl.Serve(); err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	return nil
}

func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	d.log.Info().Str("addr", d.cfg.MetricsAddr).Msg("daemon: metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// dispatch is the control channel's command table: ping, echo, stop [jail],
// status, pause, unpause, set, get, report. A plain "stop" shuts the daemon
// down; "stop <jail>" only marks that jail not alive. Unrecognised verbs return the Unknown
// error kind (spec §7), matching the Observer's own unknown-kind handling.
func (d *Daemon) dispatch(args []string) controlchannel.Reply {
	if len(args) == 0 {
		return errReply(&errkind.Unknown{Kind: ""})
	}
	verb := args[0]
	defer func() {
		metrics.ControlCommands.WithLabelValues(verb, "served").Inc()
	}()

	switch verb {
	case "ping":
		return controlchannel.Reply{Status: 0, Payload: "pong"}
	case "echo":
		if len(args) < 2 {
			return controlchannel.Reply{Status: 0, Payload: ""}
		}
		return controlchannel.Reply{Status: 0, Payload: args[1]}
	case "stop":
		if len(args) == 2 {
			d.mu.Lock()
			j := d.jails[args[1]]
			d.mu.Unlock()
			if j == nil {
				return errReply(&errkind.Unknown{Kind: "jail " + args[1]})
			}
			j.SetAlive(false)
			return controlchannel.Reply{Status: 0}
		}
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = d.ctl.Close()
		}()
		return controlchannel.Reply{Status: 0, Payload: ""}
	case "status":
		return d.handleStatus(args)
	case "pause":
		d.obs.SetPaused(true)
		return controlchannel.Reply{Status: 0}
	case "unpause":
		d.obs.SetPaused(false)
		return controlchannel.Reply{Status: 0}
	case "set":
		return d.handleSet(args)
	case "get":
		return d.handleGet(args)
	case "report":
		return d.handleReport(args)
	default:
		return errReply(&errkind.Unknown{Kind: verb})
	}
}

func errReply(err error) controlchannel.Reply {
	return controlchannel.Reply{Status: 1, Payload: err.Error()}
}

func (d *Daemon) handleStatus(args []string) controlchannel.Reply {
	d.mu.Lock()
	names := make([]string, 0, len(d.jails))
	for n := range d.jails {
		names = append(names, n)
	}
	d.mu.Unlock()
	payload := fmt.Sprintf("jails=%s queue_depth=%d paused=%t", strings.Join(names, ","), d.obs.QueueLen(), d.obs.Paused())
	return controlchannel.Reply{Status: 0, Payload: payload}
}

// handleSet implements "set <jail> <key> <value>". The only settable key is
// "alive"; escalation settings such as maxretry or the bantime increment
// cannot be changed at runtime and any other key returns the Unknown error kind.
func (d *Daemon) handleSet(args []string) controlchannel.Reply {
	if len(args) != 4 {
		return errReply(&errkind.Unknown{Kind: "set: expected jail key value"})
	}
	jailName, key, value := args[1], args[2], args[3]
	d.mu.Lock()
	j, ok := d.jails[jailName]
	d.mu.Unlock()
	if !ok {
		return errReply(&errkind.Unknown{Kind: "jail " + jailName})
	}
	switch key {
	case "alive":
		alive, err := strconv.ParseBool(value)
		if err != nil {
			return errReply(err)
		}
		j.SetAlive(alive)
		return controlchannel.Reply{Status: 0}
	default:
		return errReply(&errkind.Unknown{Kind: "set key " + key})
	}
}

func (d *Daemon) handleGet(args []string) controlchannel.Reply {
	if len(args) != 3 {
		return errReply(&errkind.Unknown{Kind: "get: expected jail key"})
	}
	jailName, key := args[1], args[2]
	d.mu.Lock()
	j, ok := d.jails[jailName]
	d.mu.Unlock()
	if !ok {
		return errReply(&errkind.Unknown{Kind: "jail " + jailName})
	}
	switch key {
	case "alive":
		return controlchannel.Reply{Status: 0, Payload: strconv.FormatBool(j.IsAlive())}
	default:
		return errReply(&errkind.Unknown{Kind: "get key " + key})
	}
}

// handleReport implements "report <jail> <ip> [match...]", the demo
// ingestion surface described in SPEC_FULL.md §1: bansheectl (or any
// control-channel client) can feed a failure without a real log-watching
// filter attached.
func (d *Daemon) handleReport(args []string) controlchannel.Reply {
	if len(args) < 3 {
		return errReply(&errkind.Unknown{Kind: "report: expected jail ip"})
	}
	jailName, ip := args[1], args[2]
	matches := args[3:]
	if err := d.ReportFailure(jailName, ip, matches); err != nil {
		return errReply(err)
	}
	return controlchannel.Reply{Status: 0}
}
