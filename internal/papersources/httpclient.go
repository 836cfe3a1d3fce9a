package papersources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/helixir/biosecurity-triage-service/internal/observability"
)

// DefaultUserAgent is sent when HTTPClientConfig.UserAgent is empty.
const DefaultUserAgent = "biosecurity-triage/1.0 (+https://helixir.ai)"

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source labels metrics recorded for this client, e.g. "arxiv".
	Source string

	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64
	BurstSize int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is used when the server gives no Retry-After.
	RetryDelay time.Duration

	UserAgent string

	// Metrics is optional.
	Metrics *observability.Metrics
}

// HTTPClient wraps http.Client with rate limiting and retries.
// It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      HTTPClientConfig
}

// NewHTTPClient creates a rate-limited client that retries 429 and 5xx
// responses and network errors.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:      cfg,
	}
}

// Do executes req, waiting on the rate limiter before every attempt. 429
// responses honour Retry-After. The final non-retryable response is returned
// unchanged, so callers check the status code themselves.
//
// Request bodies are only resent when req.GetBody is set.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	endpoint := req.URL.Path
	start := time.Now()

	resp, errType, err := c.do(req)
	if err != nil {
		c.recordFailure(endpoint, errType)
		return nil, err
	}
	if c.config.Metrics != nil {
		c.config.Metrics.RecordSourceRequest(c.config.Source, endpoint, time.Since(start).Seconds())
	}
	return resp, nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, "canceled", fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, "canceled", err
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt < c.config.MaxRetries {
				if err := c.prepareRetry(req, c.config.RetryDelay); err != nil {
					return nil, "canceled", err
				}
				continue
			}
			return nil, "network", lastErr
		}

		if !c.shouldRetry(resp.StatusCode) {
			return resp, "", nil
		}

		if resp.StatusCode == http.StatusTooManyRequests && c.config.Metrics != nil {
			c.config.Metrics.RecordSourceRateLimited(c.config.Source)
		}
		retryDelay := c.getRetryDelay(resp)
		if resp.Body != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		if attempt < c.config.MaxRetries {
			lastErr = fmt.Errorf("server returned status %d", resp.StatusCode)
			if err := c.prepareRetry(req, retryDelay); err != nil {
				return nil, "canceled", err
			}
			continue
		}

		return nil, statusErrorType(resp.StatusCode), fmt.Errorf(
			"max retries exhausted after %d attempts, last status: %d",
			c.config.MaxRetries+1, resp.StatusCode)
	}

	if lastErr == nil {
		lastErr = errors.New("unexpected error: no response received")
	}
	return nil, "network", lastErr
}

func (c *HTTPClient) recordFailure(endpoint, errType string) {
	if c.config.Metrics == nil {
		return
	}
	c.config.Metrics.RecordSourceRequestFailed(c.config.Source, endpoint, errType)
}

func statusErrorType(status int) string {
	if status == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "server_error"
}

func (c *HTTPClient) shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// getRetryDelay reads Retry-After as seconds or an HTTP date, falling back to
// the configured delay.
func (c *HTTPClient) getRetryDelay(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return c.config.RetryDelay
	}

	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return c.config.RetryDelay
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return c.config.RetryDelay
}

// prepareRetry sleeps for delay and rewinds the request body.
func (c *HTTPClient) prepareRetry(req *http.Request, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
	}

	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("cannot retry request: %w", err)
	}
	req.Body = body
	return nil
}
