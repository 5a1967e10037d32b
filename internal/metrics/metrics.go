package metrics

import (
	"net/http"
	"time"

	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Explain lookup outcomes
const (
	ExplainExact  = "exact"
	ExplainFuzzy  = "fuzzy"
	ExplainMissed = "miss"
)

// MetricsCollector owns the Prometheus registry for one process.
// All Record* methods are safe on a nil receiver.
type MetricsCollector struct {
	logger      *logging.StandardLogger
	serviceName string
	registry    *prometheus.Registry

	builds           *prometheus.CounterVec
	buildDuration    prometheus.Histogram
	assetsIndexed    prometheus.Gauge
	lastBuild        prometheus.Gauge
	sourceLoads      *prometheus.CounterVec
	modelFallbacks   *prometheus.CounterVec
	explainLookups   *prometheus.CounterVec
	artifactFailures *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	apiLatency       *prometheus.HistogramVec
}

// NewMetricsCollector creates a collector with its own registry.
func NewMetricsCollector(logger *logging.StandardLogger, serviceName string) *MetricsCollector {
	constLabels := prometheus.Labels{"service": serviceName}

	mc := &MetricsCollector{
		logger:      logger,
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_builds_total",
			Help:        "Total number of index builds",
			ConstLabels: constLabels,
		}, []string{"status"}), // status: success|error
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "rag_build_duration_seconds",
			Help:        "Index build duration in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			ConstLabels: constLabels,
		}),
		assetsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rag_assets_indexed",
			Help:        "Number of assets in the published index",
			ConstLabels: constLabels,
		}),
		lastBuild: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rag_last_build_timestamp",
			Help:        "Unix timestamp of the last published index",
			ConstLabels: constLabels,
		}),
		sourceLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_source_loads_total",
			Help:        "Source load outcomes",
			ConstLabels: constLabels,
		}, []string{"source", "status"}), // status: ok|absent|failed
		modelFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_model_fallbacks_total",
			Help:        "Scores computed with static weights after a model failure",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		explainLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_explain_lookups_total",
			Help:        "Explain lookups by match kind",
			ConstLabels: constLabels,
		}, []string{"result"}),
		artifactFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_artifact_failures_total",
			Help:        "Best-effort artifact writes that failed",
			ConstLabels: constLabels,
		}, []string{"artifact"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rag_api_requests_total",
			Help:        "HTTP requests served",
			ConstLabels: constLabels,
		}, []string{"method", "route", "code"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rag_api_latency_seconds",
			Help:        "HTTP request latency in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
	}

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.builds,
		mc.buildDuration,
		mc.assetsIndexed,
		mc.lastBuild,
		mc.sourceLoads,
		mc.modelFallbacks,
		mc.explainLookups,
		mc.artifactFailures,
		mc.apiRequests,
		mc.apiLatency,
	)

	return mc
}

// Registry exposes the underlying registry
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler returns the /metrics handler for this collector
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// RecordBuild records one build attempt. assets is ignored on error.
func (mc *MetricsCollector) RecordBuild(duration time.Duration, assets int, err error) {
	if mc == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	mc.builds.WithLabelValues(status).Inc()
	mc.buildDuration.Observe(duration.Seconds())
	if err == nil {
		mc.assetsIndexed.Set(float64(assets))
		mc.lastBuild.SetToCurrentTime()
	}
	if mc.logger != nil {
		mc.logger.WithMetrics(map[string]interface{}{
			"build_status":  status,
			"duration_ms":   duration.Milliseconds(),
			"coins_indexed": assets,
		}).Debug("Build metrics recorded", "service", mc.serviceName)
	}
}

// RecordSource records the outcome of loading one input source
func (mc *MetricsCollector) RecordSource(source, status string) {
	if mc == nil {
		return
	}
	mc.sourceLoads.WithLabelValues(source, status).Inc()
}

// RecordModelFallback records a static-weights fallback
func (mc *MetricsCollector) RecordModelFallback(reason string) {
	if mc == nil {
		return
	}
	mc.modelFallbacks.WithLabelValues(reason).Inc()
}

// RecordExplain records an explain lookup
func (mc *MetricsCollector) RecordExplain(result string) {
	if mc == nil {
		return
	}
	mc.explainLookups.WithLabelValues(result).Inc()
}

// RecordArtifactFailure records a failed artifact write
func (mc *MetricsCollector) RecordArtifactFailure(artifact string) {
	if mc == nil {
		return
	}
	mc.artifactFailures.WithLabelValues(artifact).Inc()
}

// RecordAPIRequest records a served HTTP request
func (mc *MetricsCollector) RecordAPIRequest(method, route string, code int, latency time.Duration) {
	if mc == nil {
		return
	}
	mc.apiRequests.WithLabelValues(method, route, http.StatusText(code)).Inc()
	mc.apiLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}
