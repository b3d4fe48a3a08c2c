// Package observe provides application-wide observability primitives for
// editlearn: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all editlearn metrics.
const meterName = "github.com/MrWong99/editlearn"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Observation sessions ---

	// SessionsStarted counts observation sessions. Use with attribute:
	//   attribute.String("document_type", ...)
	SessionsStarted metric.Int64Counter

	// SessionsCompleted counts resolved sessions. Use with attributes:
	//   attribute.String("state", ...), attribute.String("method", ...)
	SessionsCompleted metric.Int64Counter

	// ActiveSessions is 1 while an observation session is running.
	ActiveSessions metric.Int64UpDownCounter

	// --- Learning ---

	// PatternsLearned counts significant edits stored. Use with attributes:
	//   attribute.String("document_type", ...), attribute.Bool("new", ...)
	PatternsLearned metric.Int64Counter

	// EditsDiscarded counts completed edits that were not learned. Use with
	// attribute:
	//   attribute.String("reason", ...)
	EditsDiscarded metric.Int64Counter

	// PatternsPruned counts patterns removed by the recognizer.
	PatternsPruned metric.Int64Counter

	// --- Replacement ---

	// ReplacementsApplied counts substitutions performed by the replacement
	// engine. Use with attribute:
	//   attribute.String("document_type", ...)
	ReplacementsApplied metric.Int64Counter

	// SafetyGateTrips counts Apply calls refused by the safety gate.
	SafetyGateTrips metric.Int64Counter

	// ApplyDuration tracks replacement engine latency.
	ApplyDuration metric.Float64Histogram

	// --- Storage ---

	// StoreErrors counts pattern backend failures. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// applyBuckets defines histogram bucket boundaries (in seconds) for the
// in-memory replacement engine.
var applyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.SessionsStarted, err = m.Int64Counter("editlearn.sessions.started",
		metric.WithDescription("Total observation sessions started by document type."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCompleted, err = m.Int64Counter("editlearn.sessions.completed",
		metric.WithDescription("Total observation sessions resolved by terminal state and detection method."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("editlearn.active_sessions",
		metric.WithDescription("Number of running observation sessions."),
	); err != nil {
		return nil, err
	}

	// Learning.
	if met.PatternsLearned, err = m.Int64Counter("editlearn.patterns.learned",
		metric.WithDescription("Total significant edits stored by document type."),
	); err != nil {
		return nil, err
	}
	if met.EditsDiscarded, err = m.Int64Counter("editlearn.edits.discarded",
		metric.WithDescription("Total completed edits not learned, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PatternsPruned, err = m.Int64Counter("editlearn.patterns.pruned",
		metric.WithDescription("Total stale low-confidence patterns removed."),
	); err != nil {
		return nil, err
	}

	// Replacement.
	if met.ReplacementsApplied, err = m.Int64Counter("editlearn.replacements.applied",
		metric.WithDescription("Total substitutions performed by document type."),
	); err != nil {
		return nil, err
	}
	if met.SafetyGateTrips, err = m.Int64Counter("editlearn.replacements.safety_gate_trips",
		metric.WithDescription("Total replacement runs refused by the safety gate."),
	); err != nil {
		return nil, err
	}
	if met.ApplyDuration, err = m.Float64Histogram("editlearn.apply.duration",
		metric.WithDescription("Latency of applying learned patterns to a text."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(applyBuckets...),
	); err != nil {
		return nil, err
	}

	// Storage.
	if met.StoreErrors, err = m.Int64Counter("editlearn.store.errors",
		metric.WithDescription("Total pattern backend errors by operation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("editlearn.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route pattern and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionCompleted records a resolved observation session.
func (m *Metrics) RecordSessionCompleted(ctx context.Context, state, method string) {
	m.SessionsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("method", method),
		),
	)
}

// RecordPatternLearned records a stored edit. isNew distinguishes inserts
// from frequency increments.
func (m *Metrics) RecordPatternLearned(ctx context.Context, docType string, isNew bool) {
	m.PatternsLearned.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("document_type", docType),
			attribute.Bool("new", isNew),
		),
	)
}

// RecordEditDiscarded records a completed edit that was not learned.
func (m *Metrics) RecordEditDiscarded(ctx context.Context, reason string) {
	m.EditsDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordStoreError records a pattern backend failure.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
