package client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

func errStatus(status int) error {
	return fmt.Errorf("endpoint responded with retryable status %d", status)
}

// retryableStatus reports whether status is one of the codes spec.md §4.5
// step 3 names as retryable: "429/502/503/504".
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// doWithBackoff executes build+send up to maxAttempts times with bounded
// exponential backoff on connection errors or a retryable status, per
// spec.md §4.5 step 3: "bounded exponential backoff retries on 429/502/
// 503/504 and connection errors." No pack dependency specializes in HTTP
// retry-with-backoff shared across multiple examples, so this ~20-line
// helper is the grounded stdlib concession (see DESIGN.md).
func doWithBackoff(ctx context.Context, hc *http.Client, newReq func() (*http.Request, error), maxAttempts int, baseDelay time.Duration) (*http.Response, error) {
	var lastErr error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := hc.Do(req.WithContext(ctx))
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = errStatus(resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if maxDelay := 5 * time.Second; delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, lastErr
}
