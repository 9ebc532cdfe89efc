package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the frame orchestrator.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	streamsStarted     prometheus.Counter
	streamsStopped     prometheus.Counter
	workerFailures     prometheus.Counter
	forcedStops        prometheus.Counter
	framesAppended     prometheus.Counter
	frameFailures      prometheus.Counter
	framesPushed       prometheus.Counter
	pushFramesReplaced prometheus.Counter
	activeStreams      prometheus.Gauge
	viewers            prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_streams_started_total",
			Help: "Total number of streams started",
		}),
		streamsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_streams_stopped_total",
			Help: "Total number of streams stopped by request",
		}),
		workerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_worker_failures_total",
			Help: "Total number of workers ended by the consecutive failure threshold",
		}),
		forcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_worker_forced_stops_total",
			Help: "Total number of workers abandoned after the stop grace period",
		}),
		framesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_appended_total",
			Help: "Total number of annotated frames appended to frame logs",
		}),
		frameFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_failures_total",
			Help: "Total number of per-frame read, decode, inference or encode failures",
		}),
		framesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_pushed_total",
			Help: "Total number of frames accepted from push ingress",
		}),
		pushFramesReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_push_replaced_total",
			Help: "Total number of pending pushed frames replaced before processing",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frames_active_streams",
			Help: "Number of running streams",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frames_viewers",
			Help: "Number of attached viewers",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsStarted,
		m.streamsStopped,
		m.workerFailures,
		m.forcedStops,
		m.framesAppended,
		m.frameFailures,
		m.framesPushed,
		m.pushFramesReplaced,
		m.activeStreams,
		m.viewers,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncStreamsStarted increments the streams started counter.
func (m *Metrics) IncStreamsStarted() {
	if m != nil {
		m.streamsStarted.Inc()
	}
}

// IncStreamsStopped increments the streams stopped counter.
func (m *Metrics) IncStreamsStopped() {
	if m != nil {
		m.streamsStopped.Inc()
	}
}

// IncWorkerFailures increments the worker failures counter.
func (m *Metrics) IncWorkerFailures() {
	if m != nil {
		m.workerFailures.Inc()
	}
}

// IncForcedStops increments the forced stops counter.
func (m *Metrics) IncForcedStops() {
	if m != nil {
		m.forcedStops.Inc()
	}
}

// IncFramesAppended increments the appended frames counter.
func (m *Metrics) IncFramesAppended() {
	if m != nil {
		m.framesAppended.Inc()
	}
}

// IncFrameFailures increments the per-frame failures counter.
func (m *Metrics) IncFrameFailures() {
	if m != nil {
		m.frameFailures.Inc()
	}
}

// IncFramesPushed increments the pushed frames counter.
func (m *Metrics) IncFramesPushed() {
	if m != nil {
		m.framesPushed.Inc()
	}
}

// IncPushReplaced increments the replaced pending frames counter.
func (m *Metrics) IncPushReplaced() {
	if m != nil {
		m.pushFramesReplaced.Inc()
	}
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m != nil {
		m.activeStreams.Set(float64(n))
	}
}

// AddViewers adjusts the attached viewers gauge by delta.
func (m *Metrics) AddViewers(delta int) {
	if m != nil {
		m.viewers.Add(float64(delta))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
