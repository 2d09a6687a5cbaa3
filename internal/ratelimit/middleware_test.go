package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

type stubLimiter struct {
	d   ratelimit.Decision
	err error
}

func (s stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) { return s.d, s.err }
func (stubLimiter) Close() error                                                { return nil }

var denied = stubLimiter{d: ratelimit.Decision{Limit: 10}}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(l ratelimit.Limiter, path string) *httptest.ResponseRecorder {
	mw := ratelimit.Middleware(l, ratelimit.IPKeyFunc, 2*time.Second,
		func(*http.Request) string { return "req-1" }, testutil.TestLogger())
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDenies(t *testing.T) {
	rec := serve(denied, "/v1/runs")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"), "falls back without an estimate")
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddlewareUsesLimiterEstimate(t *testing.T) {
	rec := serve(stubLimiter{d: ratelimit.Decision{Limit: 10, RetryAfter: 4200 * time.Millisecond}}, "/v1/runs")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestMiddlewareAllowsAndFailsOpen(t *testing.T) {
	rec := serve(stubLimiter{d: ratelimit.Decision{Allowed: true, Limit: 10, Remaining: 7}}, "/v1/runs")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("X-RateLimit-Remaining"))

	rec = serve(stubLimiter{err: errors.New("redis down")}, "/v1/runs")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestMiddlewareSkipsHealth(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, serve(denied, "/health").Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.RemoteAddr = "192.168.1.9:4242"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "ip:192.168.1.9", ratelimit.IPKeyFunc(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "ip:2001:db8::1", ratelimit.IPKeyFunc(req))
}
