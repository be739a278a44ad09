package httputil

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the transient-retry loop used by the remote-source
// clients. Zero value means DefaultRetryPolicy.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times with exponential backoff starting
// at one second.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryAfter parses a Retry-After header into a duration. Returns 0 when
// absent or unparseable.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// DoWithRetry issues the request through c, retrying transient failures
// (network errors and 429/5xx statuses) under the given policy. The request
// must have a replayable body (GET or a body-less POST). Responses that are
// not retried are returned to the caller unread.
func DoWithRetry(c HTTPClient, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.Reset()

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		resp, lastErr = c.Do(req)
		if lastErr == nil && !IsTransientStatus(resp.StatusCode) {
			return resp, nil
		}

		wait := bo.NextBackOff()
		if lastErr == nil {
			if ra := RetryAfter(resp.Header); ra > wait {
				wait = ra
			}
			// Drain so the connection can be reused.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("transient status %d", resp.StatusCode)
		}
		if attempt < policy.MaxAttempts-1 {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %w",
		req.URL.Host, policy.MaxAttempts, lastErr)
}
