// Package metrics records build and refresh outcomes.
//
// Registers:
//
//	#spreadmatrix_builds_total{kind,outcome}
//	#spreadmatrix_build_duration_seconds{kind}
//	#spreadmatrix_cache_refresh_total{source,outcome}
//	#spreadmatrix_cache_observations
//	#spreadmatrix_source_fetch_duration_seconds{source}
//	#go_* and process_* system metrics
//
// and exposes them through Handler or Serve.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spreadmatrix/internal/spread"
	"spreadmatrix/logger"
)

const (
	KindMatrix = "matrix"
	KindTrend  = "trend"
)

const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

var (
	once sync.Once

	registry           *prometheus.Registry
	buildsTotal        *prometheus.CounterVec
	buildDuration      *prometheus.HistogramVec
	refreshTotal       *prometheus.CounterVec
	cachedObservations prometheus.Gauge
	fetchDuration      *prometheus.HistogramVec
)

// Init creates the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		buildsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spreadmatrix_builds_total",
				Help: "Number of matrix and trend builds by outcome",
			},
			[]string{"kind", "outcome"},
		)
		buildDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spreadmatrix_build_duration_seconds",
				Help:    "Time spent building matrices and trends",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"kind"},
		)
		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spreadmatrix_cache_refresh_total",
				Help: "Number of observation cache refreshes by outcome",
			},
			[]string{"source", "outcome"},
		)
		cachedObservations = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadmatrix_cache_observations",
			Help: "Observations held by the cache after the last refresh",
		})
		fetchDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spreadmatrix_source_fetch_duration_seconds",
				Help:    "Time spent fetching raw rows from the source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)

		registry.MustRegister(buildsTotal, buildDuration, refreshTotal, cachedObservations, fetchDuration)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve runs a dedicated metrics listener until ctx is cancelled.
func Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithField("address", address).Info("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OutcomeOf classifies a build error.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, spread.ErrEmptyInput):
		return OutcomeEmpty
	case errors.Is(err, spread.ErrUnavailableSidePair):
		return OutcomeUnavailable
	case errors.Is(err, spread.ErrInvalidDirection):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

// cloudWatchName maps a build outcome to the metric charted on the dashboard.
func cloudWatchName(kind, outcome string) string {
	switch outcome {
	case OutcomeEmpty:
		return "EmptySelections"
	case OutcomeUnavailable:
		return "UnavailableSidePairs"
	}
	if kind == KindTrend {
		return "TrendBuilds"
	}
	return "MatrixBuilds"
}

// ObserveBuild records one matrix or trend build.
func ObserveBuild(kind, asset string, err error, elapsed time.Duration, points int) {
	Init()
	outcome := OutcomeOf(err)
	buildsTotal.WithLabelValues(kind, outcome).Inc()
	buildDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	logger.RecordFlow(kind, points)

	EmitMetric(nil, kind, cloudWatchName(kind, outcome), 1, "counter", logger.Fields{
		"asset":   asset,
		"outcome": outcome,
	})
}

// ObserveRefresh records one cache refresh against a source.
func ObserveRefresh(source string, observations int, err error, elapsed time.Duration) {
	Init()
	fetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if err != nil {
		refreshTotal.WithLabelValues(source, OutcomeError).Inc()
		EmitMetric(nil, "cache", "SourceErrors", 1, "counter", logger.Fields{"source": source})
		return
	}
	refreshTotal.WithLabelValues(source, OutcomeOK).Inc()
	cachedObservations.Set(float64(observations))
	logger.RecordFlow("cache_refresh", observations)
	EmitMetric(nil, "cache", "CacheRefreshes", 1, "counter", logger.Fields{"source": source})
}
