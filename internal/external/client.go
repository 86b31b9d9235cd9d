package external

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"waypost/internal/types"
)

// RetryPolicy controls retry behavior for upstream calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits the processor API: a few attempts with short,
// jittered backoff so webhook-adjacent calls never stall the caller for long.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// BaseClient wraps an http.Client with retries, jittered backoff, and a
// circuit breaker. Vendor clients embed it and translate responses.
type BaseClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	retry      RetryPolicy
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// BaseClientOption customizes a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces the inter-attempt sleep. Tests use this to avoid
// real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) BaseClientOption {
	return func(c *BaseClient) {
		c.retry = p
	}
}

// NewBaseClient constructs a resilient client for the named upstream.
func NewBaseClient(name string, httpClient *http.Client, logger *slog.Logger, opts ...BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"upstream", name, "from", from.String(), "to", to.String())
		},
	})

	c := &BaseClient{
		httpClient: httpClient,
		breaker:    breaker,
		retry:      DefaultRetryPolicy(),
		logger:     logger,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with retries on 429 and 5xx responses. The request
// body, if any, must be replayable; callers pass the raw bytes so each attempt
// gets a fresh reader. On success the caller owns the response body.
func (c *BaseClient) Do(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	if traceID := types.GetRequestID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	var lastStatus int
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.httpClient.Do(req.WithContext(ctx))
		})
		if err != nil {
			return nil, c.mapError(err)
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		delay := c.computeBackoff(attempt, resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt == c.retry.MaxAttempts {
			break
		}

		c.logger.WarnContext(ctx, "retrying upstream request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"status", resp.StatusCode,
			"attempt", attempt,
			"delay", delay)

		select {
		case <-ctx.Done():
			return nil, c.mapError(ctx.Err())
		default:
		}
		c.sleep(delay)
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"upstream rate limit persisted across retries", nil)
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamProcessor,
		fmt.Sprintf("upstream returned %d after %d attempts", lastStatus, c.retry.MaxAttempts), nil)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// computeBackoff returns the delay before the next attempt. A parseable
// Retry-After header takes precedence; otherwise exponential backoff with
// full jitter, capped at MaxDelay.
func (c *BaseClient) computeBackoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			d := time.Duration(secs) * time.Second
			if d > c.retry.MaxDelay {
				return c.retry.MaxDelay
			}
			return d
		}
	}

	ceiling := c.retry.BaseDelay << (attempt - 1)
	if ceiling > c.retry.MaxDelay {
		ceiling = c.retry.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// mapError normalizes transport and breaker failures into AppErrors.
func (c *BaseClient) mapError(err error) error {
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamProcessor, "upstream circuit open", err)
	case err == context.DeadlineExceeded || err == context.Canceled:
		return types.NewAppError(types.ErrCodeUpstreamProcessor, "upstream request aborted", err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamProcessor, "upstream request failed", err)
	}
}
