package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/cache"
	"activity-sync/internal/retry"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Options)) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	opts := Options{
		BaseURL: server.URL,
		APIKey:  "key",
		DevID:   "dev",
		Timeout: time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Now:     func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewClient(opts), &calls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchPhysicalSummary(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, physicalPath, r.URL.Path)
		assert.Equal(t, "sub-1", r.URL.Query().Get("subject_id"))
		assert.Equal(t, "2024-03-09", r.URL.Query().Get("date"))
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "dev", r.Header.Get("Dev-ID"))
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		writeJSON(w, map[string]any{"steps": 8421, "active_calories": 412.5})
	})

	got, err := client.FetchPhysicalSummary(context.Background(), "sub-1", civil.Date{Year: 2024, Month: 3, Day: 9})
	require.NoError(t, err)
	assert.Equal(t, PhysicalSummary{Steps: 8421, Calories: 412.5}, got)
	assert.Equal(t, 99, client.GetRateLimitStatus().Remaining)
}

func TestFetchSleepSummaryRoundsHours(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sleepPath, r.URL.Path)
		writeJSON(w, map[string]any{"sleep_duration_seconds": 27000 + 200})
	})

	got, err := client.FetchSleepSummary(context.Background(), "sub-1", civil.Date{Year: 2024, Month: 3, Day: 9})
	require.NoError(t, err)
	assert.Equal(t, 7.6, got.SleepHours)
}

func TestSecondsToHours(t *testing.T) {
	assert.Equal(t, 0.0, SecondsToHours(0))
	assert.Equal(t, 0.0, SecondsToHours(-5))
	assert.Equal(t, 7.5, SecondsToHours(27000))
	assert.Equal(t, 8.0, SecondsToHours(28799))
}

func TestNoDataIsZero(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"no content", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.handler)
			got, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
			require.NoError(t, err)
			assert.Equal(t, PhysicalSummary{}, got)
		})
	}
}

func TestFutureDateMakesNoCall(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"steps": 1})
	})

	got, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 11})
	require.NoError(t, err)
	assert.Equal(t, PhysicalSummary{}, got)

	sleep, err := client.FetchSleepSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 11})
	require.NoError(t, err)
	assert.Equal(t, SleepSummary{}, sleep)
	assert.Equal(t, int32(0), calls.Load())

	// Today is not the future
	_, err = client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 10})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientErrorIsAuthErrorWithoutRetry(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "denied", status)
			})

			_, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
			require.Error(t, err)
			assert.True(t, IsAuthError(err))
			assert.False(t, IsUnavailable(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestTransientErrorsRetriedThenSurface(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})

			_, err := client.FetchSleepSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
			require.Error(t, err)
			assert.True(t, IsUnavailable(err))
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestTransientErrorRecovers(t *testing.T) {
	var n atomic.Int32
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"steps": 10})
	})

	got, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Steps)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAttemptTimeoutIsUnavailable(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.Retry.MaxAttempts = 2
	})

	_, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSettledDaysAreCached(t *testing.T) {
	c := cache.New[string, []byte](16, time.Minute)
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"steps": 5})
	}, func(o *Options) { o.Cache = c })

	settled := civil.Date{Year: 2024, Month: 3, Day: 8}
	for i := 0; i < 3; i++ {
		got, err := client.FetchPhysicalSummary(context.Background(), "sub", settled)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Steps)
	}
	assert.Equal(t, int32(1), calls.Load())

	// Yesterday and today can still receive uploads
	for _, day := range []civil.Date{{Year: 2024, Month: 3, Day: 9}, {Year: 2024, Month: 3, Day: 10}} {
		for i := 0; i < 2; i++ {
			_, err := client.FetchPhysicalSummary(context.Background(), "sub", day)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestEmptyBodiesAreNotCached(t *testing.T) {
	c := cache.New[string, []byte](16, time.Minute)
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, func(o *Options) { o.Cache = c })

	day := civil.Date{Year: 2024, Month: 3, Day: 1}
	for i := 0; i < 2; i++ {
		got, err := client.FetchPhysicalSummary(context.Background(), "sub", day)
		require.NoError(t, err)
		assert.Zero(t, got)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Len())
}

func TestForgetRefetches(t *testing.T) {
	var steps atomic.Int64
	steps.Store(3000)
	c := cache.New[string, []byte](16, 10*time.Minute)
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == sleepPath {
			writeJSON(w, map[string]any{"sleep_duration_seconds": 3600})
			return
		}
		writeJSON(w, map[string]any{"steps": steps.Load()})
	}, func(o *Options) { o.Cache = c })

	ctx := context.Background()
	day := civil.Date{Year: 2024, Month: 3, Day: 5}

	got, err := client.FetchPhysicalSummary(ctx, "sub", day)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Steps)
	_, err = client.FetchSleepSummary(ctx, "sub", day)
	require.NoError(t, err)

	steps.Store(9000)
	got, err = client.FetchPhysicalSummary(ctx, "sub", day)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Steps)
	assert.Equal(t, int32(2), calls.Load())

	client.Forget("sub", day)
	assert.Zero(t, c.Len())

	got, err = client.FetchPhysicalSummary(ctx, "sub", day)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), got.Steps)
	assert.Equal(t, int32(3), calls.Load())

	// Other subjects and days are untouched
	_, err = client.FetchPhysicalSummary(ctx, "other", day)
	require.NoError(t, err)
	client.Forget("sub", day.AddDays(-1))
	assert.Equal(t, 2, c.Len())
}

func TestIsNearLimit(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "8")
		writeJSON(w, map[string]any{"steps": 1})
	})

	assert.False(t, client.IsNearLimit(90))
	_, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 9})
	require.NoError(t, err)
	assert.True(t, client.IsNearLimit(90))
	assert.False(t, client.IsNearLimit(95))
}

func TestMalformedBodyIsError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := client.FetchPhysicalSummary(context.Background(), "sub", civil.Date{Year: 2024, Month: 3, Day: 1})
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.False(t, IsUnavailable(err))
}
