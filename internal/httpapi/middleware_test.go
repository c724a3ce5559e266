package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"consentgate.org/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == nil || body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per client, got %d", rr3.Code)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.Header.Set(requestIDHeader, "rid-123")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request_complete entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms", "remote_ip", "user_agent"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status"])
	}
	if fields["request_id"] != "rid-123" {
		t.Fatalf("request id not propagated: %v", fields["request_id"])
	}
	if rr.Header().Get(requestIDHeader) != "rid-123" {
		t.Fatalf("request id not echoed")
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	handler := SecurityHeaders(CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodOptions, "/v1/info", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must not be allowed")
	}
}
