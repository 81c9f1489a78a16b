// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	HistoryFetches        prometheus.Counter
	HistoryFetchErrors    prometheus.Counter
	HistoryFetchesSkipped prometheus.Counter
	SyncRuns              prometheus.Counter
	SyncDropped           prometheus.Counter
	SeeksRequested        prometheus.Counter
	SeeksIssued           prometheus.Counter
	IdentityErrors        prometheus.Counter
	RecordingsLoaded      prometheus.Counter
	ChatMessagesRecorded  prometheus.Counter

	// Histograms (seconds)
	HistoryFetchDuration prometheus.Observer

	// Gauges
	CachedMessagesGauge    prometheus.Gauge
	DisplayedMessagesGauge prometheus.Gauge
	PlayingGauge           prometheus.Gauge // 1=playing,0=paused
	DBConnectionsTotal     prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HistoryFetches = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_history_fetches_total", Help: "History fetches issued to the history store"})
		HistoryFetchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_history_fetch_errors_total", Help: "History fetches that failed"})
		HistoryFetchesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_history_fetches_skipped_total", Help: "History fetches skipped because the range is known to be empty"})
		SyncRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_sync_runs_total", Help: "Message sync invocations"})
		SyncDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_sync_dropped_total", Help: "Message syncs dropped while a fetch was in flight"})
		SeeksRequested = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_seeks_requested_total", Help: "Seek requests received"})
		SeeksIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_seeks_issued_total", Help: "Debounced seeks issued to the player"})
		IdentityErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_identity_errors_total", Help: "Sender identity lookups that failed"})
		RecordingsLoaded = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_recordings_loaded_total", Help: "Recordings loaded into the player"})
		ChatMessagesRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "replay_chat_messages_recorded_total", Help: "Live chat messages stored by the recorder"})
		HistoryFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_history_fetch_duration_seconds",
			Help:    "History fetch duration seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		})
		CachedMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "replay_cached_messages", Help: "Messages held in the history cache"})
		DisplayedMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "replay_displayed_messages", Help: "Messages currently displayed"})
		PlayingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "replay_playing", Help: "Playback state playing=1 paused=0"})
		DBConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{Name: "replay_db_connections_total", Help: "Open database connections"})
		DBConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{Name: "replay_db_connections_idle", Help: "Idle database connections"})
	})
}

// Inc increments c if metrics are initialised.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetMessageCounts records cache and display sizes.
func SetMessageCounts(cached, displayed int) {
	if CachedMessagesGauge != nil {
		CachedMessagesGauge.Set(float64(cached))
	}
	if DisplayedMessagesGauge != nil {
		DisplayedMessagesGauge.Set(float64(displayed))
	}
}

// SetPlaying sets the gauge to 1 if playing else 0.
func SetPlaying(playing bool) {
	if PlayingGauge == nil {
		return
	}
	if playing {
		PlayingGauge.Set(1)
	} else {
		PlayingGauge.Set(0)
	}
}

// UpdateDatabasePoolMetrics records pool connection counts.
func UpdateDatabasePoolMetrics(total, idle int32) {
	if DBConnectionsTotal != nil {
		DBConnectionsTotal.Set(float64(total))
	}
	if DBConnectionsIdle != nil {
		DBConnectionsIdle.Set(float64(idle))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
