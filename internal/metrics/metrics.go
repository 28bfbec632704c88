package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "banshee"

var (
	// EventsEnqueued counts failure events the daemon's ingestion path
	// pushes onto the Observer's queue; timer, control and lifecycle
	// events are not counted.
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_enqueued_total",
		Help:      "Failure events pushed onto the observer queue by the ingestion path, by kind.",
	}, []string{"kind"})

	// EventsProcessed counts events the Observer dispatched to completion.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Events dispatched to completion, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// QueueDepth tracks the current length of the Observer's event queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current length of the observer event queue.",
	})

	// BansIssued counts bans actually handed to a jail's actions.
	BansIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_issued_total",
		Help:      "Bans issued, by jail.",
	}, []string{"jail"})

	// UnbansIssued counts unbans fired by the ban-expiry timer.
	UnbansIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbans_issued_total",
		Help:      "Unbans issued, by jail.",
	}, []string{"jail"})

	// ActiveBans is a gauge for currently banned IPs per jail.
	ActiveBans = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_bans",
		Help:      "Currently banned IPs, by jail.",
	}, []string{"jail"})

	// BanTimeSeconds records the computed ban duration handed to each ban.
	BanTimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ban_time_seconds",
		Help:      "Computed ban duration in seconds, by jail.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 604800},
	}, []string{"jail"})

	// FormulaErrors counts custom ban-time formula failures: formulas
	// rejected at startup and evaluations that fail during escalation.
	FormulaErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "formula_errors_total",
		Help:      "Custom ban-time formula evaluation failures, by jail.",
	}, []string{"jail"})

	// DBSizeBytes tracks the ban store's on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Ban store on-disk file size in bytes.",
	})

	// DBPurges counts completed store purge runs (rows are in DBPurgedRows).
	DBPurges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_purges_total",
		Help:      "Ban store purge runs completed.",
	})

	// DBPurgedRows counts rows removed across all purge runs.
	DBPurgedRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_purged_rows_total",
		Help:      "Rows removed across all purge runs.",
	})

	// ControlCommands counts control-channel commands served, by verb and status.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_commands_total",
		Help:      "Control-channel commands served, by verb and status.",
	}, []string{"verb", "status"})

	// ObserverPaused reports whether the dispatcher is currently paused (1) or not (0).
	ObserverPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observer_paused",
		Help:      "1 if the observer dispatcher is paused, 0 otherwise.",
	})

	// ActionJobsEnqueued counts ban/unban jobs handed to the action worker pool.
	ActionJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_jobs_enqueued_total",
		Help:      "Ban/unban jobs enqueued to the action worker pool, by action.",
	}, []string{"action"})

	// ActionJobsDropped counts jobs rejected because the pool's queue was full.
	ActionJobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_jobs_dropped_total",
		Help:      "Action jobs dropped, by reason.",
	}, []string{"reason"})

	// ActionJobsProcessed counts action jobs that finished, by action and outcome.
	ActionJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_jobs_processed_total",
		Help:      "Action jobs processed, by action and outcome (success/retried/error).",
	}, []string{"action", "outcome"})

	// ActionQueueDepth tracks the action worker pool's current backlog.
	ActionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "action_queue_depth",
		Help:      "Current depth of the action worker pool's job queue.",
	})
)
