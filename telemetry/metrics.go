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
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	ParseSkips     prometheus.Counter
	PingsAnswered  prometheus.Counter
	ChatMessages   prometheus.Counter
	ArchiveInserts prometheus.Counter
	ArchiveDropped prometheus.Counter
	UserLookups    prometheus.Counter
	UserCacheHits  prometheus.Counter
	Reconnects     prometheus.Counter

	// Histograms (seconds)
	CorrelationDuration prometheus.Observer
	HandshakeDuration   prometheus.Observer

	// Gauges
	ConnectedGauge prometheus.Gauge // 1=ready,0=not connected
	ChannelsGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FramesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_frames_received_total", Help: "Number of protocol frames decoded from the receive stream"})
		FramesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_frames_sent_total", Help: "Number of protocol frames written to the connection"})
		ParseSkips = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_parse_skips_total", Help: "Number of inbound lines dropped as non-matching"})
		PingsAnswered = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_pings_answered_total", Help: "Number of server PINGs answered with PONG"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_total", Help: "Number of chat messages recorded in the state store"})
		ArchiveInserts = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_archive_inserts_total", Help: "Number of chat messages flushed to Postgres"})
		ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_archive_dropped_total", Help: "Number of chat messages dropped by the archiver queue"})
		UserLookups = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_user_lookups_total", Help: "Number of fallback user lookups against the Helix API"})
		UserCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_user_cache_hits_total", Help: "Number of user lookups served from the Redis cache"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Number of reconnect attempts made by the supervisor"})
		CorrelationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_correlation_duration_seconds", Help: "Time between a tracked send and its correlated response", Buckets: prometheus.DefBuckets})
		HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_handshake_duration_seconds", Help: "Connect plus capability/auth handshake duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connected", Help: "Connection ready=1 otherwise 0"})
		ChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_channels", Help: "Number of channels currently joined"})
	})
}

// SetConnected sets the connection gauge to 1 if ready else 0.
func SetConnected(ready bool) {
	if ConnectedGauge != nil {
		if ready {
			ConnectedGauge.Set(1)
		} else {
			ConnectedGauge.Set(0)
		}
	}
}

// SetChannelCount records the number of currently joined channels.
func SetChannelCount(n int) {
	if ChannelsGauge != nil {
		ChannelsGauge.Set(float64(n))
	}
}

// IncCounter increments a counter if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to a counter if metrics are initialized.
func AddCounter(c prometheus.Counter, n float64) {
	if c != nil {
		c.Add(n)
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

// Observe records a duration in seconds if the observer is initialized.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
