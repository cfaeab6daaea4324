package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestDoRetriesRetryableStatusAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d body = %q", calls.Load(), body)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing header")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := http.Header{"Authorization": []string{"Bearer k"}}
	resp, err := Do(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte("payload"), headers, fastRetry())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || calls.Load() != 3 {
		t.Fatalf("status=%d calls=%d, want 200/3", resp.StatusCode, calls.Load())
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), http.MethodPost, srv.URL, nil, nil, fastRetry())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	var se *StatusError
	if err := CheckStatus(resp); !errors.As(err, &se) || se.StatusCode != 400 || se.Body != "bad audio" {
		t.Fatalf("CheckStatus = %v", err)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, fastRetry())
	var rs *RetryableStatusError
	if !errors.As(err, &rs) || rs.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want RetryableStatusError 429", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Retry-After must be capped at MaxDelay, took %s", elapsed)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastRetry()
	cfg.InitialDelay = time.Minute
	cfg.MaxDelay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := Do(ctx, srv.Client(), http.MethodGet, srv.URL, nil, nil, cfg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestApplyJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := applyJitter(100*time.Millisecond, 0.3)
		if d < 70*time.Millisecond || d > 130*time.Millisecond {
			t.Fatalf("applyJitter out of bounds: %s", d)
		}
	}
	if applyJitter(time.Second, 0) != time.Second {
		t.Fatal("zero jitter must return input")
	}
}
