// Package metrics exposes Prometheus instrumentation for tile requests,
// rate-limit waits, tile outcomes and work units.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imagery-pipeline/internal/logging"
)

var (
	// Upstream API
	TileRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagery_tile_requests_total",
			Help: "Tile API responses by status code; 0 is a transport error",
		},
		[]string{"status"},
	)

	TileRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagery_tile_request_duration_seconds",
			Help:    "Duration of tile API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagery_rate_limit_waits_total",
			Help: "Backoff waits caused by throttled responses",
		},
		[]string{"resource", "status"},
	)

	RateLimitWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagery_rate_limit_wait_seconds_total",
			Help: "Total time scheduled for rate-limit backoff",
		},
	)

	// Tiles and units
	Tiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagery_tiles_total",
			Help: "Tiles by outcome: success, not_found, failed",
		},
		[]string{"outcome"},
	)

	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagery_tile_cache_hits_total",
			Help: "Tiles served from the persistent cache",
		},
	)

	Units = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagery_units_total",
			Help: "Work units by final status",
		},
		[]string{"status"},
	)

	UnitsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagery_units_running",
			Help: "Work units currently downloading or merging",
		},
	)
)

// RecordTileRequest records one HTTP round trip
func RecordTileRequest(status int, elapsed time.Duration) {
	TileRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	TileRequestDuration.Observe(elapsed.Seconds())
}

// RecordRateLimitWait records one backoff wait
func RecordRateLimitWait(resource string, status int, wait time.Duration) {
	RateLimitWaits.WithLabelValues(resource, strconv.Itoa(status)).Inc()
	RateLimitWaitSeconds.Add(wait.Seconds())
}

// RecordTiles adds a unit's tile outcomes
func RecordTiles(ok, notFound, failed, fromCache int) {
	Tiles.WithLabelValues("success").Add(float64(ok))
	Tiles.WithLabelValues("not_found").Add(float64(notFound))
	Tiles.WithLabelValues("failed").Add(float64(failed))
	TileCacheHits.Add(float64(fromCache))
}

// RecordUnit counts a finished work unit
func RecordUnit(status string) {
	Units.WithLabelValues(status).Inc()
}

// SetUnitsRunning updates the running-units gauge
func SetUnitsRunning(n int) {
	UnitsRunning.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l := logging.Component("metrics")
	l.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
