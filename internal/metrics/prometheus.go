// Package metrics provides Prometheus metrics for the ad engine
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	NegotiationsTotal   *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram
	SessionGeneration   prometheus.Gauge

	// Content metrics
	FetchesTotal      *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	CreativesReceived *prometheus.CounterVec
	CombinationsAsked prometheus.Histogram

	// Buffer metrics
	BufferDepth      *prometheus.GaugeVec
	CreativesExpired prometheus.Counter
	BufferResets     prometheus.Counter

	// Presentation metrics
	Impressions *prometheus.CounterVec
	NoFill      *prometheus.CounterVec
	Rotations   prometheus.Counter
	Redirects   prometheus.Counter

	// Retry metrics
	RetriesScheduled *prometheus.CounterVec
	CircuitState     prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers against the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "appylar"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		NegotiationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_negotiations_total",
				Help:      "Total session negotiations by outcome",
			},
			[]string{"status"},
		),
		NegotiationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_negotiation_duration_seconds",
				Help:      "Session negotiation round trip in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		SessionGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_generation",
				Help:      "Generation of the currently published session",
			},
		),

		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "content_fetches_total",
				Help:      "Total creative fetches by outcome",
			},
			[]string{"status"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "content_fetch_duration_seconds",
				Help:      "Creative fetch round trip in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		CreativesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "creatives_received_total",
				Help:      "Creatives added to the buffer",
			},
			[]string{"orientation", "type"},
		),
		CombinationsAsked: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_combinations",
				Help:      "Number of orientation/type combinations per fetch",
				Buckets:   []float64{1, 2, 3, 4},
			},
		),

		BufferDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_depth",
				Help:      "Unexpired creatives per orientation and type",
			},
			[]string{"orientation", "type"},
		),
		CreativesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "creatives_expired_total",
				Help:      "Creatives removed by the expiry sweep",
			},
		),
		BufferResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buffer_resets_total",
				Help:      "Times the buffer was emptied",
			},
		),

		Impressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "impressions_total",
				Help:      "Creatives rendered per slot",
			},
			[]string{"slot"},
		),
		NoFill: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "no_fill_total",
				Help:      "Show requests that found no matching creative",
			},
			[]string{"slot"},
		),
		Rotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "banner_rotations_total",
				Help:      "Banner rotation timer firings",
			},
		),
		Redirects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redirects_total",
				Help:      "Redirect callbacks handed to the URL opener",
			},
		),

		RetriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Deferred retries by reason",
			},
			[]string{"reason"},
		),
		CircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ad_service_circuit_state",
				Help:      "Ad service circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}

	reg.MustRegister(
		m.NegotiationsTotal,
		m.NegotiationDuration,
		m.SessionGeneration,
		m.FetchesTotal,
		m.FetchDuration,
		m.CreativesReceived,
		m.CombinationsAsked,
		m.BufferDepth,
		m.CreativesExpired,
		m.BufferResets,
		m.Impressions,
		m.NoFill,
		m.Rotations,
		m.Redirects,
		m.RetriesScheduled,
		m.CircuitState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordNegotiation records one session negotiation
func (m *Metrics) RecordNegotiation(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.NegotiationsTotal.WithLabelValues(status).Inc()
	m.NegotiationDuration.Observe(latency.Seconds())
}

// SetSessionGeneration records the generation of a newly published session
func (m *Metrics) SetSessionGeneration(gen int64) {
	if m == nil {
		return
	}
	m.SessionGeneration.Set(float64(gen))
}

// RecordFetch records one creative fetch
func (m *Metrics) RecordFetch(status string, combinations int, latency time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(status).Inc()
	m.FetchDuration.WithLabelValues(status).Observe(latency.Seconds())
	m.CombinationsAsked.Observe(float64(combinations))
}

// RecordCreativeReceived records a creative added to the buffer
func (m *Metrics) RecordCreativeReceived(orientation, adType string) {
	if m == nil {
		return
	}
	m.CreativesReceived.WithLabelValues(orientation, adType).Inc()
}

// SetBufferDepth records the current count for one partition
func (m *Metrics) SetBufferDepth(orientation, adType string, depth int) {
	if m == nil {
		return
	}
	m.BufferDepth.WithLabelValues(orientation, adType).Set(float64(depth))
}

// RecordExpired records creatives removed by a sweep
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CreativesExpired.Add(float64(n))
}

// RecordBufferReset records the buffer being emptied
func (m *Metrics) RecordBufferReset() {
	if m == nil {
		return
	}
	m.BufferResets.Inc()
}

// RecordImpression records a creative rendered into a slot
func (m *Metrics) RecordImpression(slot string) {
	if m == nil {
		return
	}
	m.Impressions.WithLabelValues(slot).Inc()
}

// RecordNoFill records a show request that found nothing to render
func (m *Metrics) RecordNoFill(slot string) {
	if m == nil {
		return
	}
	m.NoFill.WithLabelValues(slot).Inc()
}

// RecordRotation records a banner rotation tick
func (m *Metrics) RecordRotation() {
	if m == nil {
		return
	}
	m.Rotations.Inc()
}

// RecordRedirect records a redirect handed to the URL opener
func (m *Metrics) RecordRedirect() {
	if m == nil {
		return
	}
	m.Redirects.Inc()
}

// RecordRetry records a deferred retry
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.WithLabelValues(reason).Inc()
}

// SetCircuitState sets the ad service circuit breaker state metric
func (m *Metrics) SetCircuitState(state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.CircuitState.Set(value)
}
