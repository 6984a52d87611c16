// Package httpretry wraps an HTTP client with short in-request retries
// for transient network failures. Status-code handling stays with the
// caller: webhook fanout has its own persisted retry ladder, so a 5xx
// here is an answer, not a reason to retry.
package httpretry

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// HTTPDoer is satisfied by *http.Client and *RetryClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient re-issues a request after connection-level failures
// (refused, reset, DNS hiccup). Any HTTP response, whatever the status,
// is returned to the caller untouched.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient wraps client; nil gets a plain http.Client with a 30s
// timeout. maxRetries counts attempts after the first (default 2).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Do executes the request, retrying only transport errors while the
// request context is alive.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset body: %w", err)
				}
				req.Body = body
			}
			delay := rc.delay(attempt)
			logger.Debug("retrying request",
				"attempt", attempt,
				"host", req.URL.Host,
				"delay", delay.String())
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, lastErr
			}
		}

		resp, err := rc.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// delay is exponential with full jitter, floored to avoid busy-looping.
func (rc *RetryClient) delay(attempt int) time.Duration {
	d := rc.baseDelay << (attempt - 1)
	if d > rc.maxDelay {
		d = rc.maxDelay
	}
	jittered := time.Duration(rand.Float64() * float64(d))
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}
