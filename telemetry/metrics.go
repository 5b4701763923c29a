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
	LoginsStarted      prometheus.Counter
	LoginsSucceeded    prometheus.Counter
	LoginFailures      *prometheus.CounterVec // by failure kind
	SessionCacheHits   prometheus.Counter
	SessionCacheMisses prometheus.Counter
	SessionsRejected   prometheus.Counter
	KeepaliveProbes    prometheus.Counter
	KeepaliveFailures  prometheus.Counter

	// Histograms (seconds)
	LoginDuration   prometheus.Observer
	CommandDuration *prometheus.HistogramVec // by command name

	// Gauges
	PoolTotalConns prometheus.Gauge
	PoolIdleConns  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		LoginsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_logins_started_total", Help: "Number of VRChat login handshakes started"})
		LoginsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_logins_succeeded_total", Help: "Number of VRChat login handshakes succeeded"})
		LoginFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vrc_login_failures_total", Help: "Number of VRChat login failures by kind"}, []string{"kind"})
		SessionCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_session_cache_hits_total", Help: "Session lookups served from the in-memory cache"})
		SessionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_session_cache_misses_total", Help: "Session lookups that missed the in-memory cache"})
		SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_sessions_rejected_total", Help: "Persisted sessions invalidated after platform rejection"})
		KeepaliveProbes = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_keepalive_probes_total", Help: "Background session keepalive probes performed"})
		KeepaliveFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "vrc_keepalive_failures_total", Help: "Background session keepalive probes that failed"})
		LoginDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vrc_login_duration_seconds", Help: "Login handshake duration seconds", Buckets: prometheus.DefBuckets})
		CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "bot_command_duration_seconds", Help: "Discord command handling duration seconds", Buckets: prometheus.DefBuckets}, []string{"command"})
		PoolTotalConns = promauto.NewGauge(prometheus.GaugeOpts{Name: "db_pool_total_conns", Help: "Current total connections held by the database pool"})
		PoolIdleConns = promauto.NewGauge(prometheus.GaugeOpts{Name: "db_pool_idle_conns", Help: "Current idle connections in the database pool"})
	})
}

// CountLoginFailure increments the failure counter for a kind label.
func CountLoginFailure(kind string) {
	if LoginFailures != nil {
		LoginFailures.WithLabelValues(kind).Inc()
	}
}

// SetPoolStats records current pool occupancy.
func SetPoolStats(total, idle int32) {
	if PoolTotalConns != nil {
		PoolTotalConns.Set(float64(total))
	}
	if PoolIdleConns != nil {
		PoolIdleConns.Set(float64(idle))
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
