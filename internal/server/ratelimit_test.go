package server

import (
	"testing"
	"time"
)

func TestTokenBucketExhaustsBurst(t *testing.T) {
	bucket := newTokenBucket(1, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("burst capacity should permit the first two requests")
	}
	if bucket.Allow() {
		t.Fatal("third request should be rejected until tokens refill")
	}
}

func TestRateLimiterGlobal(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	if !rl.AllowRequest() {
		t.Fatal("first request should pass")
	}
	if rl.AllowRequest() {
		t.Fatal("second request should hit the global limit")
	}
}

func TestRateLimiterGlobalDisabled(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("unconfigured global limit must not throttle")
		}
	}
}

func TestAllowExtractionPerClient(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{ExtractLimit: 2, ExtractWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowExtraction("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retry, err := rl.AllowExtraction("10.0.0.1")
	if err != nil {
		t.Fatalf("AllowExtraction: %v", err)
	}
	if allowed {
		t.Fatal("third extraction should be throttled")
	}
	if retry <= 0 {
		t.Fatalf("expected a retry hint, got %v", retry)
	}

	if allowed, _, err := rl.AllowExtraction("10.0.0.2"); err != nil || !allowed {
		t.Fatalf("another client must not share the counter: allowed=%v err=%v", allowed, err)
	}
}

func TestAllowExtractionDisabled(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	for i := 0; i < 50; i++ {
		if allowed, _, err := rl.AllowExtraction("10.0.0.1"); err != nil || !allowed {
			t.Fatalf("disabled limit must always allow: allowed=%v err=%v", allowed, err)
		}
	}
}

func TestAllowExtractionBlankKeyFallsBack(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{ExtractLimit: 1, ExtractWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	if allowed, _, err := rl.AllowExtraction(""); err != nil || !allowed {
		t.Fatalf("first anonymous request: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := rl.AllowExtraction(""); allowed {
		t.Fatal("anonymous requests share one bucket")
	}
}
