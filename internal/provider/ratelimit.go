package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"activity-sync/internal/metrics"
)

// RateLimiter tracks the provider's request quota as reported in response headers
type RateLimiter struct {
	mu          sync.RWMutex
	limit       int
	remaining   int
	lastUpdated time.Time
}

// RateLimitStatus is a snapshot of the quota
type RateLimitStatus struct {
	Limit       int
	Remaining   int
	UsagePct    float64
	LastUpdated time.Time
}

// NewRateLimiter creates a tracker that knows nothing until the first response
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limit: -1, remaining: -1}
}

// Update records the latest quota figures
func (rl *RateLimiter) Update(limit, remaining int) {
	rl.mu.Lock()
	rl.limit = limit
	rl.remaining = remaining
	rl.lastUpdated = time.Now()
	rl.mu.Unlock()

	metrics.ProviderQuotaLimit.Set(float64(limit))
	metrics.ProviderQuotaRemaining.Set(float64(remaining))
}

// UpdateFromHeaders reads X-RateLimit-Limit and X-RateLimit-Remaining. Missing or
// malformed headers leave the tracker unchanged.
func (rl *RateLimiter) UpdateFromHeaders(h http.Header) bool {
	limit, err := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Limit")))
	if err != nil {
		return false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Remaining")))
	if err != nil {
		return false
	}
	rl.Update(limit, remaining)
	return true
}

// Status returns the current quota snapshot. Limit and Remaining are -1 until reported.
func (rl *RateLimiter) Status() RateLimitStatus {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	usage := 0.0
	if rl.limit > 0 && rl.remaining >= 0 {
		usage = float64(rl.limit-rl.remaining) / float64(rl.limit) * 100
	}

	return RateLimitStatus{
		Limit:       rl.limit,
		Remaining:   rl.remaining,
		UsagePct:    usage,
		LastUpdated: rl.lastUpdated,
	}
}

// IsNearLimit returns true once the used share of the quota reaches threshold percent
func (rl *RateLimiter) IsNearLimit(threshold float64) bool {
	return rl.Status().UsagePct >= threshold
}
