package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/internal/render/resilience"
)

const subsystem = "render"

// PrometheusMetrics holds the render engine's Prometheus instruments
type PrometheusMetrics struct {
	namespace  string
	registerer prometheus.Registerer

	// Render outcomes
	rendersTotal   *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec

	// Scheduler
	queueDepth    *prometheus.GaugeVec
	activeJobs    prometheus.Gauge
	queueWait     *prometheus.HistogramVec
	cancellations *prometheus.CounterVec

	// Host memory pressure signals
	memoryPressure *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics registers the engine metrics with the default registry
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers the engine metrics with registerer
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		namespace:  namespace,
		registerer: registerer,
		logger:     logger,
	}

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Render requests by stage and outcome status",
	}, []string{"stage", "status"})

	pm.renderDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duration_seconds",
		Help:      "Time from render request to result, including queueing",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"stage"})

	pm.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the scheduler per priority",
	}, []string{"priority"})

	pm.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_jobs",
		Help:      "Jobs currently running",
	})

	pm.queueWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_wait_seconds",
		Help:      "Time jobs spend queued before starting, per priority",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"priority"})

	pm.cancellations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cancellations_total",
		Help:      "Cancelled jobs per priority, split by whether they had started",
	}, []string{"priority", "started"})

	pm.memoryPressure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "memory_pressure_events_total",
		Help:      "Host memory pressure signals delivered to the engine",
	}, []string{"level"})

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests by endpoint and status code class",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		pm.rendersTotal,
		pm.renderDuration,
		pm.queueDepth,
		pm.activeJobs,
		pm.queueWait,
		pm.cancellations,
		pm.memoryPressure,
		pm.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Render engine Prometheus metrics initialized")
	return pm
}

// RegisterCache exposes a cache's counters, read from its snapshot at scrape time
func (pm *PrometheusMetrics) RegisterCache(name string, snapshot func() bitmapcache.Snapshot) {
	labels := prometheus.Labels{"cache": name}
	gauge := func(metric, help string, read func(bitmapcache.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   pm.namespace,
			Subsystem:   "cache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(snapshot()) })
	}
	counter := func(metric, help string, read func(bitmapcache.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   pm.namespace,
			Subsystem:   "cache",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return read(snapshot()) })
	}

	pm.registerer.MustRegister(
		gauge("size_bytes", "Bytes held by the cache", func(s bitmapcache.Snapshot) float64 { return float64(s.SizeBytes) }),
		gauge("max_bytes", "Byte budget of the cache", func(s bitmapcache.Snapshot) float64 { return float64(s.MaxBytes) }),
		gauge("entries", "Bitmaps held by the cache", func(s bitmapcache.Snapshot) float64 { return float64(s.Entries) }),
		counter("hits_total", "Cache lookups that returned a live bitmap", func(s bitmapcache.Snapshot) float64 { return float64(s.HitCount) }),
		counter("misses_total", "Cache lookups that found nothing usable", func(s bitmapcache.Snapshot) float64 { return float64(s.MissCount) }),
		counter("puts_total", "Bitmaps accepted into the cache", func(s bitmapcache.Snapshot) float64 { return float64(s.PutCount) }),
		counter("evictions_total", "Bitmaps removed by budget, trims or evict-all", func(s bitmapcache.Snapshot) float64 { return float64(s.EvictionCount) }),
	)
}

// RegisterResilience exposes the resilience controller state at scrape time
func (pm *PrometheusMetrics) RegisterResilience(state func() resilience.State) {
	gauge := func(metric, help string, read func(resilience.State) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: pm.namespace,
			Subsystem: "resilience",
			Name:      metric,
			Help:      help,
		}, func() float64 { return read(state()) })
	}

	pm.registerer.MustRegister(
		gauge("circuit_breaker_active", "1 while renders are routed away from the primary backend", func(s resilience.State) float64 { return boolValue(s.CircuitBreakerActive) }),
		gauge("safety_lock_active", "1 after repeated non-memory render faults", func(s resilience.State) float64 { return boolValue(s.RenderSafetyLockActive) }),
		gauge("fallback_mode", "Current fallback mode (0 normal, 1 legacy simple renderer)", func(s resilience.State) float64 { return float64(s.FallbackMode) }),
		gauge("cache_fault_count", "Memory faults seen on the cache path for the current document", func(s resilience.State) float64 { return float64(s.CacheFaultCount) }),
		gauge("render_fault_streak", "Non-memory render faults for the current document", func(s resilience.State) float64 { return float64(s.RenderFaultStreak) }),
		gauge("malformed_pages", "Pages denylisted for the current document", func(s resilience.State) float64 { return float64(len(s.MalformedPages)) }),
	)
}

func (pm *PrometheusMetrics) RecordRender(stage, status string, seconds float64) {
	pm.rendersTotal.WithLabelValues(stage, status).Inc()
	pm.renderDuration.WithLabelValues(stage).Observe(seconds)
}

func (pm *PrometheusMetrics) UpdateQueueDepth(priority string, depth float64) {
	pm.queueDepth.WithLabelValues(priority).Set(depth)
}

func (pm *PrometheusMetrics) UpdateActiveJobs(active float64) {
	pm.activeJobs.Set(active)
}

func (pm *PrometheusMetrics) RecordQueueWait(priority string, seconds float64) {
	pm.queueWait.WithLabelValues(priority).Observe(seconds)
}

func (pm *PrometheusMetrics) RecordCancellation(priority string, started bool) {
	label := "false"
	if started {
		label = "true"
	}
	pm.cancellations.WithLabelValues(priority, label).Inc()
}

func (pm *PrometheusMetrics) RecordMemoryPressure(level string) {
	pm.memoryPressure.WithLabelValues(level).Inc()
}

func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint, status string) {
	pm.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
