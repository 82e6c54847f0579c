package provider

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"activity-sync/internal/metrics"
)

func TestRateLimiterDefaults(t *testing.T) {
	status := NewRateLimiter().Status()
	assert.Equal(t, -1, status.Limit)
	assert.Equal(t, -1, status.Remaining)
	assert.Zero(t, status.UsagePct)
	assert.True(t, status.LastUpdated.IsZero())
}

func TestRateLimiterUpdate(t *testing.T) {
	rl := NewRateLimiter()
	rl.Update(200, 150)

	status := rl.Status()
	assert.Equal(t, 200, status.Limit)
	assert.Equal(t, 150, status.Remaining)
	assert.Equal(t, 25.0, status.UsagePct)
	assert.False(t, status.LastUpdated.IsZero())

	assert.Equal(t, 200.0, testutil.ToFloat64(metrics.ProviderQuotaLimit))
	assert.Equal(t, 150.0, testutil.ToFloat64(metrics.ProviderQuotaRemaining))
}

func TestRateLimiterIsNearLimit(t *testing.T) {
	rl := NewRateLimiter()

	rl.Update(100, 50)
	assert.False(t, rl.IsNearLimit(80))

	rl.Update(100, 15)
	assert.True(t, rl.IsNearLimit(80))
}

func TestRateLimiterFromHeaders(t *testing.T) {
	rl := NewRateLimiter()

	h := http.Header{}
	h.Set("X-RateLimit-Limit", "1000")
	h.Set("X-RateLimit-Remaining", " 990 ")
	assert.True(t, rl.UpdateFromHeaders(h))
	assert.Equal(t, 990, rl.Status().Remaining)

	bad := http.Header{}
	bad.Set("X-RateLimit-Limit", "lots")
	assert.False(t, rl.UpdateFromHeaders(bad))
	assert.Equal(t, 1000, rl.Status().Limit)
}
