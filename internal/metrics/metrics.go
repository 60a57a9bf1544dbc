// Package metrics exposes Prometheus counters for RPC calls, handle-
// cache activity, and the two recovery paths the resolver performs
// (ESTALE re-resolution, ACCES retry on rename). Grounded on the
// teacher's pkg/metrics "pass nil for zero overhead" interface style,
// collapsed to a single *Metrics since this client has one collaborator
// chain (internal/rpc, internal/cache, internal/fsops) rather than the
// teacher's many adapters.
//
// Not part of spec.md, which never mentions observability; carried as
// an ambient concern the way the teacher always ships one.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter this client records. A nil *Metrics is
// valid and every method becomes a no-op, so callers that don't want
// metrics can pass nil straight through without branching.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	staleRetries  prometheus.Counter
	renameRetries prometheus.Counter

	server *http.Server
}

// New builds a Metrics instance with its own registry, ready to be
// served or passed around nil-safe. Call Serve to expose it over HTTP.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		rpcCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfspy_rpc_calls_total",
				Help: "Total NFS/mount RPC calls by procedure and status.",
			},
			[]string{"procedure", "status"},
		),
		rpcDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nfspy_rpc_duration_seconds",
				Help:    "RPC round-trip duration by procedure.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"procedure"},
		),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfspy_handle_cache_hits_total",
			Help: "Path resolutions served from the handle cache.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfspy_handle_cache_misses_total",
			Help: "Path resolutions requiring a LOOKUP.",
		}),
		cacheEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfspy_handle_cache_evictions_total",
			Help: "Handle cache entries pruned for staleness or capacity.",
		}),
		staleRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfspy_stale_retries_total",
			Help: "NFS3ERR_STALE recoveries via re-resolution from the parent.",
		}),
		renameRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfspy_rename_acces_retries_total",
			Help: "RENAME calls retried under the destination parent's identity after ACCES.",
		}),
	}
}

// Serve starts the Prometheus HTTP endpoint on addr. Returns
// immediately; the server runs until ctx is canceled, at which point
// it shuts down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// RecordRPC records one completed RPC call's procedure, outcome, and duration.
func (m *Metrics) RecordRPC(procedure, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(procedure, status).Inc()
	m.rpcDuration.WithLabelValues(procedure).Observe(d.Seconds())
}

// CacheHit records a handle-cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a handle-cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// CacheEviction records n entries pruned from the handle cache.
func (m *Metrics) CacheEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

// StaleRetry records one ESTALE recovery.
func (m *Metrics) StaleRetry() {
	if m == nil {
		return
	}
	m.staleRetries.Inc()
}

// RenameRetry records one ACCES-triggered rename retry.
func (m *Metrics) RenameRetry() {
	if m == nil {
		return
	}
	m.renameRetries.Inc()
}
