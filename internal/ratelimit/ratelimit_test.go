package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(rate float64, burst int) (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	l := NewLimiter(rate, burst)
	l.SetClock(clock)
	return l, clock
}

func TestRequestsWithinBurstAreAllowed(t *testing.T) {
	burst := 5
	limiter, _ := newTestLimiter(1, burst)

	for i := 0; i < burst; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d within burst of %d should be allowed", i+1, burst)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request exceeding burst should be denied")
	}
}

func TestTokensReplenishOverTime(t *testing.T) {
	limiter, clock := newTestLimiter(0.2, 1)

	limiter.allow("192.168.1.1")
	if limiter.allow("192.168.1.1") {
		t.Fatal("expected request to be denied after exhausting burst")
	}

	clock.Advance(4 * time.Second)
	if limiter.allow("192.168.1.1") {
		t.Error("expected 0.8 tokens to be insufficient")
	}

	clock.Advance(5 * time.Second)
	if !limiter.allow("192.168.1.1") {
		t.Error("expected request to be allowed after token replenishment")
	}
}

func TestTokensDoNotExceedBurst(t *testing.T) {
	burst := 3
	limiter, clock := newTestLimiter(100, burst)

	limiter.allow("192.168.1.1")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if limiter.allow("192.168.1.1") {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("expected %d requests allowed, got %d", burst, allowed)
	}
}

func TestDifferentClientsHaveIndependentLimits(t *testing.T) {
	limiter, _ := newTestLimiter(1, 2)

	limiter.allow("10.0.0.1")
	limiter.allow("10.0.0.1")
	if limiter.allow("10.0.0.1") {
		t.Error("expected third request from first client to be denied")
	}
	if !limiter.allow("10.0.0.2") {
		t.Error("expected first request from second client to be allowed")
	}
}

func TestSweepForgetsIdleVisitors(t *testing.T) {
	limiter, clock := newTestLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx)
		close(done)
	}()

	limiter.allow("10.0.0.1")
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(6 * time.Minute)
	limiter.allow("10.0.0.2")
	clock.Advance(6 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		limiter.mu.Lock()
		_, first := limiter.visitors["10.0.0.1"]
		_, second := limiter.visitors["10.0.0.2"]
		limiter.mu.Unlock()
		if !first && second {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected only the idle visitor to be swept, first=%t second=%t", first, second)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}
}

func serve(handler http.Handler, remoteAddr, forwarded string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPut, "/api/sessions/x", nil)
	request.RemoteAddr = remoteAddr
	if forwarded != "" {
		request.Header.Set("X-Forwarded-For", forwarded)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	limiter, _ := newTestLimiter(1, 1)
	callCount := 0
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusNoContent)
	}))

	if rec := serve(handler, "10.0.0.1:1234", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", rec.Code)
	}
	rec := serve(handler, "10.0.0.1:1234", "")

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Errorf("expected Retry-After=10, got %s", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", got)
	}
	if got := rec.Body.String(); got != `{"error":"too many requests"}` {
		t.Errorf("unexpected body %s", got)
	}
	if callCount != 1 {
		t.Errorf("expected next handler called once, got %d", callCount)
	}
}

func TestMiddlewareKeysByHostNotPort(t *testing.T) {
	limiter, _ := newTestLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve(handler, "10.0.0.1:1234", "")
	if rec := serve(handler, "10.0.0.1:5678", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected a new source port to share the bucket, got %d", rec.Code)
	}
}

func TestMiddlewareRespectsXForwardedFor(t *testing.T) {
	limiter, _ := newTestLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve(handler, "10.0.0.99:1234", "203.0.113.50, 10.0.0.99")
	if rec := serve(handler, "10.0.0.100:5678", "203.0.113.50"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same forwarded client, got %d", rec.Code)
	}
	if rec := serve(handler, "10.0.0.99:1234", "203.0.113.2"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for different forwarded client, got %d", rec.Code)
	}
}
