package extensions

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pumped "github.com/pumped-run/pumped-go"
)

// MetricsExtension records operation counts and latencies through
// prometheus/client_golang, broken down by operation kind and outcome.
type MetricsExtension struct {
	pumped.BaseExtension
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cleanupErr prometheus.Counter
	cacheHits  prometheus.Counter
	cacheMiss  prometheus.Counter
	gcReleases prometheus.Counter
}

// NewMetricsExtension registers its collectors on reg and returns an
// extension ready to add to a scope via WithExtension.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	ext := &MetricsExtension{
		BaseExtension: pumped.NewBaseExtension("metrics"),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pumped_operations_total",
			Help: "Total number of scope operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pumped_operation_duration_seconds",
			Help:    "Duration of scope operations, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		cleanupErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumped_cleanup_errors_total",
			Help: "Total number of cleanup failures reported to extensions.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumped_resolve_cache_hits_total",
			Help: "Total number of resolves served from the scope's cache.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumped_resolve_cache_misses_total",
			Help: "Total number of resolves that ran the executor's factory.",
		}),
		gcReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pumped_gc_releases_total",
			Help: "Total number of automatic WithGCEnabled releases.",
		}),
	}

	reg.MustRegister(ext.operations, ext.duration, ext.cleanupErr, ext.cacheHits, ext.cacheMiss, ext.gcReleases)
	return ext
}

func (e *MetricsExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	start := time.Now()
	result, err := next()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	e.operations.WithLabelValues(string(op.Kind), outcome).Inc()
	e.duration.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())

	switch op.Kind {
	case pumped.OpResolve:
		if err == nil {
			e.cacheMiss.Inc()
		}
	case pumped.OpGC:
		if err == nil {
			e.gcReleases.Inc()
		}
	}

	return result, err
}

// ObserveCacheHit implements pumped.CacheObserver.
func (e *MetricsExtension) ObserveCacheHit(exec pumped.AnyExecutor) {
	e.cacheHits.Inc()
}

func (e *MetricsExtension) OnCleanupError(err *pumped.CleanupError) bool {
	e.cleanupErr.Inc()
	return false
}
