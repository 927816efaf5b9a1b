package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy bounds the retry loop around provider HTTP calls. attempts is
// the number of retries after the first try; backoff grows quadratically on
// baseWait with jitter so cascade members hammering the same upstream do not
// sync up. The zero value never retries.
type retryPolicy struct {
	attempts int
	baseWait time.Duration
}

// defaultRetryPolicy keeps a failing provider occupied for at most ~20s so
// the failover chain still feels live in conversation.
var defaultRetryPolicy = retryPolicy{attempts: 3, baseWait: time.Second}

// transientError marks a response worth retrying (5xx, 429).
type transientError struct {
	statusCode int
	body       string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// do executes the request, retrying network failures, 5xx and 429. A
// response carrying a parseable Retry-After header overrides the computed
// backoff for the next attempt.
func (p retryPolicy) do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= p.attempts; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = p.backoff(attempt)
			}
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		wait = 0

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn("request failed, will retry", "error", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &transientError{statusCode: resp.StatusCode, body: string(body)}
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
			logger.Warn("server error, will retry", "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", p.attempts+1, lastErr)
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * p.baseWait
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}
