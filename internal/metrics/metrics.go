package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the service on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	inferenceDuration *prometheus.HistogramVec
	predictions       *prometheus.CounterVec
	modelInfo         *prometheus.GaugeVec
}

// New registers all collectors, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentiment_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentiment_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentiment_inference_duration_seconds",
			Help:    "Model call latency by backend and outcome.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"backend", "outcome"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentiment_predictions_total",
			Help: "Successful predictions by label.",
		}, []string{"label"}),
		modelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentiment_model_info",
			Help: "Loaded model, always 1.",
		}, []string{"backend", "model"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.inferenceDuration,
		m.predictions,
		m.modelInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveInference(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

func (m *Metrics) CountPrediction(label string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(label).Inc()
}

func (m *Metrics) SetModelInfo(backend, model string) {
	if m == nil {
		return
	}
	m.modelInfo.Reset()
	m.modelInfo.WithLabelValues(backend, model).Set(1)
}
