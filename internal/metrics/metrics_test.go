package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	c := New()

	c.CacheLookup("hit")
	c.CacheLookup("hit")
	c.CacheLookup("miss")
	c.CacheEvicted("size", 3)
	c.CacheEvicted("size", 0)
	c.Mutation("queued")
	c.Drain("ok")
	c.QueueDepth(4)
	c.Online(true)
	c.LiveCall("GET", "ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cacheEvictions.WithLabelValues("size")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.online))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CacheLookup("hit")
		c.CacheSize(1, 2)
		c.StrategyRequest("cache-first", "hit")
		c.Mutation("queued")
		c.Drain("ok")
		c.Online(false)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := New(WithNamespace("test"))
	c.Mutation("synced")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_queue_mutations_total{outcome="synced"} 1`))
}
