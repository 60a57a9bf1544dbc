package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CreatesAllCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m)
	assert.NotNil(t, m.registry)
	assert.NotNil(t, m.rpcCalls)
	assert.NotNil(t, m.rpcDuration)
	assert.NotNil(t, m.cacheHits)
	assert.NotNil(t, m.cacheMisses)
	assert.NotNil(t, m.cacheEvictions)
	assert.NotNil(t, m.staleRetries)
	assert.NotNil(t, m.renameRetries)
}

func TestMetrics_RecordRPC(t *testing.T) {
	m := New()
	m.RecordRPC("LOOKUP", "ok", 10*time.Millisecond)

	count := testutil.ToFloat64(m.rpcCalls.WithLabelValues("LOOKUP", "ok"))
	assert.Equal(t, float64(1), count)
}

func TestMetrics_CacheHitMissEviction(t *testing.T) {
	m := New()
	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheEviction(3)
	m.CacheEviction(0) // no-op, must not panic or count

	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.cacheEvictions))
}

func TestMetrics_StaleAndRenameRetry(t *testing.T) {
	m := New()
	m.StaleRetry()
	m.RenameRetry()
	m.RenameRetry()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.staleRetries))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.renameRetries))
}

// NilMetrics* confirm every method is safe to call on a nil receiver,
// the "pass nil for zero overhead" contract callers rely on.
func TestNilMetrics_AllMethodsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRPC("LOOKUP", "ok", time.Millisecond)
		m.CacheHit()
		m.CacheMiss()
		m.CacheEviction(5)
		m.StaleRetry()
		m.RenameRetry()
	})

	err := m.Serve(context.Background(), ":0")
	assert.NoError(t, err)
}

func TestMetrics_Serve_EmptyAddrIsNoOp(t *testing.T) {
	m := New()
	err := m.Serve(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, m.server)
}

func TestMetrics_Serve_ShutsDownOnContextCancel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	err := m.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, m.server)

	cancel()
	// Give the shutdown goroutine a moment to run; Shutdown itself
	// blocks until connections drain, which is immediate here since
	// none were ever opened.
	time.Sleep(50 * time.Millisecond)

	assert.ErrorIs(t, m.server.ListenAndServe(), http.ErrServerClosed)
}

