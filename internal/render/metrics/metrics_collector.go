package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/internal/render/resilience"
	"github.com/edgecomet/pagerender/pkg/types"
)

// MetricsCollector centralizes metrics recording for the render engine. It
// satisfies the scheduler and facade observer interfaces.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector creates a collector registered with the default registry
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewMetricsCollectorWithRegistry creates a collector registered with registerer
func NewMetricsCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registerer, logger),
		logger:     logger,
	}
}

// ObserveQueueDepth is called with the scheduler lock held
func (mc *MetricsCollector) ObserveQueueDepth(priority types.RenderPriority, depth int) {
	mc.prometheus.UpdateQueueDepth(priority.String(), float64(depth))
}

func (mc *MetricsCollector) ObserveActive(active int) {
	mc.prometheus.UpdateActiveJobs(float64(active))
}

func (mc *MetricsCollector) ObserveQueueWait(priority types.RenderPriority, wait time.Duration) {
	mc.prometheus.RecordQueueWait(priority.String(), wait.Seconds())
}

func (mc *MetricsCollector) ObserveCancelled(priority types.RenderPriority, started bool) {
	mc.prometheus.RecordCancellation(priority.String(), started)
}

// ObserveRender records one finished render request
func (mc *MetricsCollector) ObserveRender(stage resilience.Stage, status string, duration time.Duration) {
	mc.prometheus.RecordRender(stage.String(), status, duration.Seconds())
}

// ObservePressure records a host memory pressure signal
func (mc *MetricsCollector) ObservePressure(level string) {
	mc.prometheus.RecordMemoryPressure(level)
	mc.logger.Debug("Recorded memory pressure signal", zap.String("level", level))
}

// TrackCache exposes a cache's snapshot counters
func (mc *MetricsCollector) TrackCache(name string, snapshot func() bitmapcache.Snapshot) {
	mc.prometheus.RegisterCache(name, snapshot)
}

// TrackResilience exposes resilience controller state
func (mc *MetricsCollector) TrackResilience(state func() resilience.State) {
	mc.prometheus.RegisterResilience(state)
}

// RecordHTTPRequest records an HTTP request by endpoint and status class (2xx, 4xx, 5xx)
func (mc *MetricsCollector) RecordHTTPRequest(endpoint string, statusCode int) {
	mc.prometheus.RecordHTTPRequest(endpoint, strconv.Itoa(statusCode/100)+"xx")
}

// ServeHTTP serves Prometheus metrics via HTTP
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
