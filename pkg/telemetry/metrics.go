package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Task queue ──────────────────────────────────────────────────────────────

	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "queue",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted, labelled by sending and receiving machine.",
	}, []string{"from_machine", "to_machine"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "queue",
		Name:      "tasks_completed_total",
		Help:      "Total tasks completed, labelled by receiving machine and outcome (ok | error).",
	}, []string{"to_machine", "outcome"})

	TaskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "queue",
		Name:      "rejections_total",
		Help:      "Queue operations rejected before mutating state, labelled by reason.",
	}, []string{"reason"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "queue",
		Name:      "events_published_total",
		Help:      "Task lifecycle events handed to sinks, labelled by sink and status (ok | error).",
	}, []string{"sink", "status"})

	// ─── Stats ───────────────────────────────────────────────────────────────────

	StatsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "stats",
		Name:      "ingested_total",
		Help:      "Remote stats payloads normalised and stored.",
	}, []string{"machine"})

	LocalSampleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "stats",
		Name:      "local_sample_failures_total",
		Help:      "Local host samples that failed; the previous record was kept.",
	})

	// ─── Broadcast hub ───────────────────────────────────────────────────────────

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crosslink",
		Subsystem: "hub",
		Name:      "subscribers",
		Help:      "Currently connected real-time subscribers.",
	})

	HubBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "hub",
		Name:      "broadcasts_total",
		Help:      "Snapshot deliveries attempted, labelled by trigger (push | tick).",
	}, []string{"trigger"})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crosslink",
		Subsystem: "hub",
		Name:      "dropped_total",
		Help:      "Subscribers removed after a failed send.",
	})
)
