package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline and HTTP metrics.
//
// Stage labels follow the pipeline: fetch, transcribe, reply, synthesize,
// transcode, tenant, turn. Provider labels are the adapter names
// (deepgram, assemblyai, openai, anthropic, gemini, elevenlabs, polly,
// builtin, template).
type Metrics struct {
	// StageDuration measures each provider attempt.
	// Labels: stage, provider, status (success|error|empty|timeout)
	StageDuration *prometheus.HistogramVec

	// ProviderRequests counts provider attempts.
	// Labels: stage, provider, status
	ProviderRequests *prometheus.CounterVec

	// RecoveredErrors counts errors absorbed by a fallback.
	// Labels: stage (fetch_unavailable, transcription_failed, ...)
	RecoveredErrors *prometheus.CounterVec

	// Turns counts completed AdvanceTurn invocations.
	// Labels: outcome (reply|no_input|silence|fetch_unavailable|duplicate|panic|terminated)
	Turns *prometheus.CounterVec

	// TurnDuration measures AdvanceTurn end to end.
	TurnDuration prometheus.Histogram

	// ActiveCalls tracks sessions held in the store.
	ActiveCalls prometheus.Gauge

	// CallsStarted counts BeginCall invocations by tenant.
	CallsStarted *prometheus.CounterVec

	// HTTPRequestDuration measures webhook latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concierge_stage_duration_seconds",
				Help:    "Duration of pipeline provider attempts in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
			},
			[]string{"stage", "provider", "status"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_provider_requests_total",
				Help: "Total provider attempts by stage, provider and status",
			},
			[]string{"stage", "provider", "status"},
		),

		RecoveredErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_recovered_errors_total",
				Help: "Errors absorbed by a fallback response, by taxonomy stage",
			},
			[]string{"stage"},
		),

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_turns_total",
				Help: "Total AdvanceTurn invocations by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "concierge_turn_duration_seconds",
				Help:    "End-to-end AdvanceTurn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 3, 5, 8, 12, 20, 30},
			},
		),

		ActiveCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "concierge_active_calls",
				Help: "Call sessions currently held in memory",
			},
		),

		CallsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_calls_started_total",
				Help: "Total calls answered by tenant",
			},
			[]string{"tenant"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concierge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ObserveStage records one provider attempt. Safe on a nil receiver.
func (m *Metrics) ObserveStage(stage, provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, provider, status).Observe(elapsed.Seconds())
	m.ProviderRequests.WithLabelValues(stage, provider, status).Inc()
}

// RecordRecovered counts an error absorbed by a fallback.
func (m *Metrics) RecordRecovered(stage string) {
	if m == nil {
		return
	}
	m.RecoveredErrors.WithLabelValues(stage).Inc()
}

// RecordTurn counts a finished turn and its latency.
func (m *Metrics) RecordTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

// RecordCallStarted counts an answered call.
func (m *Metrics) RecordCallStarted(tenant string) {
	if m == nil {
		return
	}
	m.CallsStarted.WithLabelValues(tenant).Inc()
}

// SetActiveCalls publishes the session store size.
func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(elapsed.Seconds())
}
