package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryFunc      func(resp *http.Response, err error) bool
	CircuitBreaker *CircuitBreaker
}

// DefaultRetryConfig returns sensible defaults for HTTP retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  DefaultShouldRetry,
	}
}

// DefaultShouldRetry determines if a request should be retried
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}

	if resp == nil {
		return true
	}

	// Retry on server errors and rate limits
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// DoWithRetry executes an HTTP request with exponential backoff retry and optional circuit breaker
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	if config.CircuitBreaker != nil {
		var resp *http.Response
		var err error

		cbErr := config.CircuitBreaker.Call(func() error {
			resp, err = doRetryAttempts(ctx, client, req, config)

			// For circuit breaker purposes, HTTP errors and 5xx status count as failures
			if err != nil {
				return err
			}
			if resp != nil && resp.StatusCode >= 500 {
				return fmt.Errorf("server error: %d", resp.StatusCode)
			}
			return nil
		})

		if cbErr != nil && err == nil {
			return nil, cbErr
		}

		return resp, err
	}

	return doRetryAttempts(ctx, client, req, config)
}

func doRetryAttempts(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	// Snapshot original request body (if any) so we can rebuild the request per attempt.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	retryFunc := config.RetryFunc
	if retryFunc == nil {
		retryFunc = DefaultShouldRetry
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			// Jitter prevents thundering herd
			if config.Jitter {
				jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
				delay += jitter
			}

			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(delay):
			}
		}

		// Rebuild a fresh request for each attempt to ensure body is readable
		var attemptReq *http.Request
		if bodyBytes != nil {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(bodyBytes))
		} else {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		attemptReq.Header = req.Header.Clone()

		lastResp, lastErr = client.Do(attemptReq)

		if !retryFunc(lastResp, lastErr) {
			return lastResp, lastErr
		}

		// Drain and close the failed response before retrying
		if lastResp != nil && attempt < config.MaxRetries {
			_, _ = io.Copy(io.Discard, lastResp.Body)
			_ = lastResp.Body.Close()
		}
	}

	return lastResp, lastErr
}
