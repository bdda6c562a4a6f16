package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/metrics"
	"github.com/andresverguilla1987/ApagaNet/internal/redis"
)

// TaskSecretMiddleware guards operational endpoints (dispatch, outbox
// listing) with a shared secret. When no secret is configured the check
// is disabled, which keeps local development friction-free.
func TaskSecretMiddleware(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-Task-Secret") != secret {
				logger.Warn("task secret rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"type":"unauthorized","title":"Invalid task secret","status":401}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HomeKey extracts the rate-limit key for a request. Alerts carrying a
// home scope are limited per home; everything else shares a global bucket.
func HomeKey(r *http.Request) string {
	if home := r.Header.Get("X-Home-ID"); home != "" {
		return home
	}
	if home := r.URL.Query().Get("home_id"); home != "" {
		return home
	}
	return "global"
}

// RateLimitMiddleware applies a per-home sliding window limit to
// ingestion. Redis failures fail open so delivery does not depend on the
// cache being up.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := HomeKey(r)

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.Error(err),
					zap.String("key", key),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				w.Header().Set("Content-Type", "application/problem+json")
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(result.ResetAt).Seconds())+1, 10))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"type":"rate_limited","title":"Too many alerts for this home","status":429}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
