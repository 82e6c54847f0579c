// Package provider talks to the wearable data provider's summary API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"activity-sync/internal/cache"
	"activity-sync/internal/metrics"
	"activity-sync/internal/retry"
)

const (
	physicalPath = "/summary/physical"
	sleepPath    = "/summary/sleep"

	maxErrorBody = 512

	// settleDays is how long a day's totals may still change after it ends
	settleDays = 1
)

// PhysicalSummary is the provider's movement summary for one day
type PhysicalSummary struct {
	Steps    int64
	Calories float64
}

// SleepSummary is the provider's sleep summary for one day
type SleepSummary struct {
	SleepHours float64
}

type physicalResponse struct {
	Steps          int64   `json:"steps"`
	ActiveCalories float64 `json:"active_calories"`
}

type sleepResponse struct {
	SleepDurationSeconds int64 `json:"sleep_duration_seconds"`
}

// Options configures a Client
type Options struct {
	BaseURL string
	APIKey  string
	DevID   string
	// Timeout bounds each individual attempt
	Timeout time.Duration
	Retry   retry.Policy
	// Cache memoizes settled days' response bodies; nil disables it
	Cache *cache.Cache[string, []byte]
	// Now is the clock used to decide which dates are in the future; nil means time.Now
	Now        func() time.Time
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches daily summaries with the shared service credential
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	devID       string
	timeout     time.Duration
	policy      retry.Policy
	cache       *cache.Cache[string, []byte]
	now         func() time.Time
	logger      *slog.Logger
	rateLimiter *RateLimiter
}

// NewClient creates a provider client
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient:  opts.HTTPClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		devID:       opts.DevID,
		timeout:     opts.Timeout,
		policy:      opts.Retry,
		cache:       opts.Cache,
		now:         opts.Now,
		logger:      opts.Logger,
		rateLimiter: NewRateLimiter(),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	// Only transient failures are worth another attempt
	c.policy.Retryable = IsUnavailable
	return c
}

// FetchPhysicalSummary returns steps and active calories for subject on date
func (c *Client) FetchPhysicalSummary(ctx context.Context, subject string, date civil.Date) (PhysicalSummary, error) {
	body, err := c.fetch(ctx, metrics.OpPhysicalSummary, physicalPath, subject, date)
	if err != nil || len(body) == 0 {
		return PhysicalSummary{}, err
	}

	var resp physicalResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PhysicalSummary{}, fmt.Errorf("failed to decode physical summary: %w", err)
	}
	return PhysicalSummary{Steps: max(resp.Steps, 0), Calories: math.Max(resp.ActiveCalories, 0)}, nil
}

// FetchSleepSummary returns sleep hours, rounded to one decimal, for subject on date
func (c *Client) FetchSleepSummary(ctx context.Context, subject string, date civil.Date) (SleepSummary, error) {
	body, err := c.fetch(ctx, metrics.OpSleepSummary, sleepPath, subject, date)
	if err != nil || len(body) == 0 {
		return SleepSummary{}, err
	}

	var resp sleepResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SleepSummary{}, fmt.Errorf("failed to decode sleep summary: %w", err)
	}
	return SleepSummary{SleepHours: SecondsToHours(resp.SleepDurationSeconds)}, nil
}

// SecondsToHours converts a sleep duration to hours rounded to one decimal
func SecondsToHours(seconds int64) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Round(float64(seconds)/3600*10) / 10
}

// GetRateLimitStatus returns the last reported quota
func (c *Client) GetRateLimitStatus() RateLimitStatus {
	return c.rateLimiter.Status()
}

// IsNearLimit reports whether the used share of the quota has reached pct percent
func (c *Client) IsNearLimit(pct float64) bool {
	return c.rateLimiter.IsNearLimit(pct)
}

// Forget drops memoized summaries for subject on date so the next fetch asks the provider
func (c *Client) Forget(subject string, date civil.Date) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(c.target(physicalPath, subject, date))
	c.cache.Invalidate(c.target(sleepPath, subject, date))
}

func (c *Client) target(path, subject string, date civil.Date) string {
	q := url.Values{}
	q.Set("subject_id", subject)
	q.Set("date", date.String())
	return c.baseURL + path + "?" + q.Encode()
}

// today is the provider's current calendar day, which it reports in UTC
func (c *Client) today() civil.Date {
	return civil.DateOf(c.now().UTC())
}

// fetch returns the raw body for one summary, or nil for "no data".
// Future dates short-circuit without a request.
func (c *Client) fetch(ctx context.Context, op, path, subject string, date civil.Date) ([]byte, error) {
	today := c.today()
	if date.After(today) {
		metrics.ProviderRequestsTotal.WithLabelValues(op, metrics.StatusFutureDate).Inc()
		return nil, nil
	}

	target := c.target(path, subject, date)

	// Devices keep uploading for a while after the day ends
	cacheable := c.cache != nil && date.Before(today.AddDays(-settleDays))
	if cacheable {
		if body, ok := c.cache.Get(target); ok {
			metrics.ProviderRequestsTotal.WithLabelValues(op, metrics.StatusCached).Inc()
			return body, nil
		}
	}

	var body []byte
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.doRequest(ctx, op, target)
		return err
	})
	if err != nil {
		return nil, err
	}

	// "No data" may still turn into data
	if cacheable && len(body) > 0 {
		c.cache.Set(target, body)
	}
	return body, nil
}

// doRequest performs one bounded attempt and classifies the outcome
func (c *Client) doRequest(ctx context.Context, op, target string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Dev-ID", c.devID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, metrics.StatusTransport).Inc()
		metrics.ProviderRequestDuration.WithLabelValues(op, metrics.StatusTransport).Observe(duration.Seconds())
		// The caller gave up; that is not a provider outage
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("provider request failed", "operation", op, "error", err, "duration_ms", duration.Milliseconds())
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	statusStr := strconv.Itoa(resp.StatusCode)
	metrics.ProviderRequestsTotal.WithLabelValues(op, statusStr).Inc()
	metrics.ProviderRequestDuration.WithLabelValues(op, statusStr).Observe(duration.Seconds())

	c.rateLimiter.UpdateFromHeaders(resp.Header)
	c.logger.Info("provider_api_request", "operation", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &UnavailableError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return nil, nil
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &UnavailableError{StatusCode: resp.StatusCode, Err: errors.New(readErrorBody(resp.Body))}
	case resp.StatusCode >= 400:
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	default:
		return nil, &UnavailableError{StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty response"
	}
	return s
}
