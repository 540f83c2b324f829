package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commrelay"

// Collector exposes Prometheus metrics for inbound HTTP requests and relay ticks.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	tickDuration  prometheus.Histogram
	sourceTotal   *prometheus.CounterVec
	itemTotal     *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
	digests       prometheus.Gauge
	marks         prometheus.Gauge
	lastTick      prometheus.Gauge
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a full ingestion tick.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		sourceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "sources_total",
			Help:      "Community runs by final status and failing stage.",
		}, []string{"source", "status", "stage"}),
		itemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_total",
			Help:      "Candidate items by outcome.",
		}, []string{"source", "outcome"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "persist_errors_total",
			Help:      "Failed writes of the delivery state.",
		}, []string{"source"}),
		digests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "digests",
			Help:      "Delivery digests currently retained.",
		}),
		marks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sources",
			Help:      "Communities with a recorded high-water mark.",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time the last tick finished.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.requestDuration, c.requestTotal,
		c.tickDuration, c.sourceTotal, c.itemTotal,
		c.persistErrors, c.digests, c.marks, c.lastTick,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

func (c *Collector) ObserveTick(duration time.Duration) {
	if c == nil {
		return
	}
	c.tickDuration.Observe(duration.Seconds())
	c.lastTick.SetToCurrentTime()
}

func (c *Collector) ObserveSource(source, status, stage string) {
	if c == nil {
		return
	}
	c.sourceTotal.WithLabelValues(source, status, stage).Inc()
}

func (c *Collector) ObserveItem(source, outcome string) {
	if c == nil {
		return
	}
	c.itemTotal.WithLabelValues(source, outcome).Inc()
}

func (c *Collector) PersistFailed(source string) {
	if c == nil {
		return
	}
	c.persistErrors.WithLabelValues(source).Inc()
}

// SetStateSize publishes the current size of the delivery state.
func (c *Collector) SetStateSize(sources, digests int) {
	if c == nil {
		return
	}
	c.marks.Set(float64(sources))
	c.digests.Set(float64(digests))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
