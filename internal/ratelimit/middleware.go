package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// KeyFunc maps a request to its budget key. An empty key exempts the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id for the error envelope. It is passed in
// so this package does not import the server.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter per key. Admitted requests carry
// X-RateLimit-Limit and X-RateLimit-Remaining; rejected ones get a 429
// RATE_LIMITED envelope with Retry-After, using fallbackRetry when the
// limiter has no estimate. A failing limiter admits the request.
func Middleware(limiter Limiter, keyFunc KeyFunc, fallbackRetry time.Duration, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter unavailable, admitting request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			reqID := ""
			if reqIDFunc != nil {
				reqID = reqIDFunc(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds(fallbackRetry)))
			rejectTooMany(w, reqID)
		})
	}
}

func rejectTooMany(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:      model.ErrCodeRateLimited,
			Message:   "rate limit exceeded",
			Retryable: true,
		},
		Meta: model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc budgets by the connecting address. X-Forwarded-For is ignored
// since clients control it. /health is exempt.
func IPKeyFunc(r *http.Request) string {
	if r.URL.Path == "/health" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
