package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

func TestAuth(t *testing.T) {
	h := Auth("k1")(ok)
	cases := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header", map[string]string{"X-API-Key": "k1"}, http.StatusTeapot},
		{"bearer", map[string]string{"Authorization": "Bearer k1"}, http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

type stubLimiter struct {
	decision domain.RateDecision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (domain.RateDecision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &stubLimiter{decision: domain.RateDecision{RetryAfter: 2500 * time.Millisecond}}
	req := httptest.NewRequest(http.MethodPost, "/api/signals", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")

	rec := httptest.NewRecorder()
	RateLimit(lim, 10, time.Minute, logger)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{"api:10.0.0.7"}, lim.keys)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	lim.decision = domain.RateDecision{Allowed: true, Remaining: 4}
	rec = httptest.NewRecorder()
	RateLimit(lim, 10, time.Minute, logger)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))

	lim.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	RateLimit(lim, 10, time.Minute, logger)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code, "limiter errors fail open")
}

func TestLoggingAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	h := Logging(slog.New(slog.NewTextHandler(&buf, nil)))(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	id := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, id)
	assert.Contains(t, buf.String(), "request_id="+id)
	assert.Contains(t, buf.String(), "status=418")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"command":"long","symbol":"BTCUSDT"}`)
	sig := Sign("topsecret", body)

	assert.True(t, VerifySignature("topsecret", body, sig))
	assert.True(t, VerifySignature("topsecret", body, "sha256="+sig))
	assert.False(t, VerifySignature("topsecret", body, ""))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("topsecret", append(body, ' '), sig))
	assert.True(t, VerifySignature("", body, ""))
}
