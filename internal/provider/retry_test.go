package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy() retryPolicy {
	return retryPolicy{attempts: 3, baseWait: time.Millisecond}
}

func getFrom(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest("GET", url, nil)
	}
}

func TestRetryRecoversFromServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := fastPolicy().do(context.Background(), srv.Client(), getFrom(srv.URL), slog.Default())
	if err != nil {
		t.Fatalf("do() = %v, want success on third attempt", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Fatalf("server saw %d calls, want 3", calls.Load())
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start := time.Now()
	resp, err := fastPolicy().do(context.Background(), srv.Client(), getFrom(srv.URL), slog.Default())
	if err != nil {
		t.Fatalf("do() = %v, want recovery after rate limit", err)
	}
	resp.Body.Close()
	if waited := time.Since(start); waited < time.Second {
		t.Fatalf("waited %v, want at least the 1s the server asked for", waited)
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := retryPolicy{attempts: 2, baseWait: time.Millisecond}
	_, err := p.do(context.Background(), srv.Client(), getFrom(srv.URL), slog.Default())
	if err == nil {
		t.Fatal("expected an error once the budget is exhausted")
	}
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("err = %v, want the last server status preserved", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("server saw %d calls, want 3 (first try + 2 retries)", calls.Load())
	}
}

func TestRetryDoesNotTouchClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := fastPolicy().do(context.Background(), srv.Client(), getFrom(srv.URL), slog.Default())
	if err != nil {
		t.Fatalf("do() = %v, a 4xx must come back as a response", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passed through", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("server saw %d calls, want exactly 1", calls.Load())
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := retryPolicy{attempts: 5, baseWait: time.Hour}
	_, err := p.do(ctx, srv.Client(), getFrom(srv.URL), slog.Default())
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled instead of sleeping out the backoff", err)
	}
}
