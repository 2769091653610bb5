// Package external is the anti-corruption layer between DevVelocity domain
// logic and third-party vendor APIs (Stripe, Lemon Squeezy, OpenAI, Resend).
// All outbound HTTP calls are routed through BaseClient, which applies the
// same circuit breaking, bounded retries and error mapping to every provider.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"devvelocity/internal/types"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 30 * time.Second

// IdempotencyKeyHeader marks a POST as safe to retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy allows three attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// NewHTTPClient returns an *http.Client with the default provider timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients
// hold a BaseClient and send every request through Do.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	upstream    types.ErrorCode
	sleepFn     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithUpstreamCode sets the error code reported when the provider fails in
// a way not covered by rate limiting or an open breaker.
func WithUpstreamCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) {
		c.upstream = code
	}
}

// NewBaseClient creates a BaseClient whose breaker is named after the
// provider.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	bc := &BaseClient{
		client:      httpClient,
		breaker:     cb,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		upstream:    types.ErrCodeUpstreamUnavailable,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes req through the circuit breaker.
//
// 429 and 5xx responses are retried only when the request is replay-safe:
// GET, HEAD, or any request carrying an Idempotency-Key header. Retry-After
// is honored up to MaxWait. Any other response, including 4xx, is returned
// as-is and the caller closes the body.
//
// When attempts are exhausted or the breaker is open, Do returns an
// upstream_* AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
		}
		req.Body.Close()
	}

	maxAttempts := 1
	if replaySafe(req) {
		maxAttempts += c.retryPolicy.MaxRetries
	}

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if req.Context().Err() != nil {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

func replaySafe(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return req.Header.Get(IdempotencyKeyHeader) != ""
}

// computeBackoff prefers Retry-After and otherwise uses exponential backoff
// with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := math.Min(
		float64(c.retryPolicy.MinWait)*math.Pow(2, float64(attempt)),
		float64(c.retryPolicy.MaxWait),
	)
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(c.upstream, "circuit breaker is open; upstream service unavailable", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(c.upstream,
				fmt.Sprintf("upstream returned %d", resp.StatusCode), err)
		}
	}
	return types.NewAppError(c.upstream, "upstream request failed", err)
}

// wrapTransportError keeps an AppError produced by Do and wraps anything
// else with code.
func wrapTransportError(code types.ErrorCode, operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(code, fmt.Sprintf("%s: request failed", operation), err)
}
