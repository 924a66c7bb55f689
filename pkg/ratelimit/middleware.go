package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the limiting key from a request. An empty key skips limiting.
type KeyFunc func(*http.Request) string

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middleware)

type middleware struct {
	logger    *slog.Logger
	onLimited http.HandlerFunc
}

// WithLogger logs store failures.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.logger = l }
}

// WithLimitedHandler replaces the default 429 response.
func WithLimitedHandler(h http.HandlerFunc) MiddlewareOption {
	return func(m *middleware) { m.onLimited = h }
}

// Middleware enforces l per key. Store failures let the request through.
func Middleware(l *Limiter, keyFunc KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if l == nil {
		panic("ratelimit: Limiter is required")
	}
	if keyFunc == nil {
		panic("ratelimit: KeyFunc is required")
	}
	m := &middleware{
		logger: slog.New(slog.DiscardHandler),
		onLimited: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), key)
			if err != nil {
				m.logger.WarnContext(r.Context(), "rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retry := math.Ceil(res.RetryAfter(time.Now()).Seconds())
				h.Set("Retry-After", strconv.Itoa(max(int(retry), 1)))
				m.onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
