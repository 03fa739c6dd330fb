// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsIngested    prometheus.Counter
	EventsDropped     prometheus.Counter
	EventsMalformed   prometheus.Counter
	EventsClassified  prometheus.Counter
	VerdictsProcessed prometheus.Counter
	SuspensionsIssued prometheus.Counter
	VerdictsPoisoned  prometheus.Counter
	WhisperFailures   prometheus.Counter
	TokenRefreshes    prometheus.Counter
	ChatReconnects    prometheus.Counter

	// Histograms (seconds)
	ClassifyBatchDuration prometheus.Observer
	EnforceBatchDuration  prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_events_ingested_total", Help: "Chat events enqueued on the event queue"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_events_dropped_total", Help: "Chat events dropped after exhausted enqueue retries"})
		EventsMalformed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_events_malformed_total", Help: "Queue payloads dropped as malformed"})
		EventsClassified = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_events_classified_total", Help: "Events classified against the allow-list"})
		VerdictsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_verdicts_processed_total", Help: "Verdicts consumed by the enforcement worker"})
		SuspensionsIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_suspensions_issued_total", Help: "Timed suspensions applied"})
		VerdictsPoisoned = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_verdicts_poisoned_total", Help: "Verdicts acked after exhausted enforcement retries"})
		WhisperFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_whisper_failures_total", Help: "Best-effort notifications that failed"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_token_refreshes_total", Help: "Successful credential renewals"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_chat_reconnects_total", Help: "Chat connection attempts after a dropped or failed session"})
		ClassifyBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_classify_batch_duration_seconds", Help: "Classifier batch duration seconds", Buckets: prometheus.DefBuckets})
		EnforceBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_enforce_batch_duration_seconds", Help: "Enforcement batch duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// Inc increments a counter if metrics are initialized. Workers use this so
// unit tests don't need the registry.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Observe records a duration in seconds if metrics are initialized.
func Observe(o prometheus.Observer, seconds float64) {
	if o != nil {
		o.Observe(seconds)
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
