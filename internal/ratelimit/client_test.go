package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dskow/cacheproxy/internal/apierror"
	"github.com/dskow/cacheproxy/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remoteAddr, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/v1/keys/foo", nil)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClientLimiter_AllowsUpToBurst(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		if rec := serve(handler, "10.0.0.1:12345", ""); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestClientLimiter_BlocksAfterBurst(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	serve(handler, "10.0.0.2:12345", "")
	serve(handler, "10.0.0.2:12345", "")
	rec := serve(handler, "10.0.0.2:12345", "")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var resp apierror.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != string(apierror.RateLimitExceeded) {
		t.Errorf("error_code = %q", resp.ErrorCode)
	}
}

func TestClientLimiter_DisabledWhenRateZero(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 100; i++ {
		if rec := serve(handler, "10.0.0.3:1", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestClientLimiter_PerClientIsolation(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	serve(handler, "10.0.0.1:12345", "")
	if rec := serve(handler, "10.0.0.1:12345", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec.Code)
	}
	if rec := serve(handler, "10.0.0.2:12345", ""); rec.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec.Code)
	}
}

func TestClientLimiter_XForwardedFor_NoTrustedProxies(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	serve(handler, "10.0.0.50:8080", "192.168.1.100")
	if rec := serve(handler, "10.0.0.50:8080", "192.168.1.200"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (XFF ignored without trusted proxies), got %d", rec.Code)
	}
}

func TestClientLimiter_XForwardedFor_TrustedProxy(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		TrustedProxies:    []string{"10.0.0.0/8"},
	}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	if rec := serve(handler, "10.0.0.1:8080", "203.0.113.50"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := serve(handler, "10.0.0.1:8080", "203.0.113.50"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for same XFF IP via trusted proxy, got %d", rec.Code)
	}
	if rec := serve(handler, "10.0.0.1:8080", "203.0.113.51"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a different XFF client, got %d", rec.Code)
	}
}

func TestClientLimiter_XForwardedFor_UntrustedPeer(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		TrustedProxies:    []string{"10.0.0.0/8", "not-a-cidr"},
	}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	serve(handler, "203.0.113.99:12345", "1.2.3.4")
	if rec := serve(handler, "203.0.113.99:12345", "5.6.7.8"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 (spoofed XFF from untrusted peer ignored), got %d", rec.Code)
	}
}

func TestClientLimiter_UpdateConfigClearsBuckets(t *testing.T) {
	limiter := NewClientLimiter(config.ClientRateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, slog.Default())
	defer limiter.Stop()
	handler := limiter.Middleware()(okHandler())

	serve(handler, "10.0.0.9:1", "")
	limiter.UpdateConfig(config.ClientRateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if rec := serve(handler, "10.0.0.9:1", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d after reload: expected 200, got %d", i, rec.Code)
		}
	}
	limiter.Stop()
}
