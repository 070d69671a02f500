package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Probe metrics
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_probes_total",
			Help: "Total probes executed by type and outcome",
		},
		[]string{"type", "result"}, // result: ok, fail
	)

	ProbeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_probe_duration_seconds",
			Help:    "Probe wall time including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	ProbeRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_probe_retries_total",
			Help: "Total retry attempts across all probes",
		},
	)

	// Scheduler metrics
	MonitorLoopsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_monitor_loops_running",
			Help: "Number of currently running monitor loops",
		},
	)

	MonitorLoopRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_monitor_loop_restarts_total",
			Help: "Monitor loop terminations by reason",
		},
		[]string{"reason"}, // config_change, disabled, removed, persist_error, shutdown
	)

	// Notification metrics
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_sent_total",
			Help: "Notifications delivered by channel and kind",
		},
		[]string{"channel", "kind"}, // kind: error, recovery
	)

	NotificationsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_suppressed_total",
			Help: "Notifications suppressed by channel and reason",
		},
		[]string{"channel", "reason"}, // throttled, user_policy, no_config
	)

	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notification_failures_total",
			Help: "Notification transport failures by channel",
		},
		[]string{"channel"},
	)

	// Cache metrics
	CacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_cache_items",
			Help: "Items in the current cache snapshot",
		},
	)

	CacheRefreshFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_cache_refresh_failures_total",
			Help: "Cache refresh attempts that failed",
		},
	)
)

// RecordProbe records one completed probe run.
func RecordProbe(itemType string, success bool, seconds float64, retries int) {
	result := "ok"
	if !success {
		result = "fail"
	}
	ProbesTotal.WithLabelValues(itemType, result).Inc()
	ProbeDurationSeconds.WithLabelValues(itemType).Observe(seconds)
	if retries > 0 {
		ProbeRetriesTotal.Add(float64(retries))
	}
}

// RecordNotificationSent records a delivered notification.
func RecordNotificationSent(channel, kind string) {
	NotificationsSentTotal.WithLabelValues(channel, kind).Inc()
}

// RecordNotificationSuppressed records a notification gated before send.
func RecordNotificationSuppressed(channel, reason string) {
	NotificationsSuppressedTotal.WithLabelValues(channel, reason).Inc()
}

// RecordNotificationFailure records a transport failure after retries.
func RecordNotificationFailure(channel string) {
	NotificationFailuresTotal.WithLabelValues(channel).Inc()
}
