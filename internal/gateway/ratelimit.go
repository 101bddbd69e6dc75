package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/metering-plane/pkg/cache"
	"go.uber.org/zap"
)

// requestsPerMinute bounds how often any caller may hit the instance API.
// Create requests are the expensive path (a ledger reservation plus a
// manager call), so the window is deliberately tight.
const requestsPerMinute = 60

// RateLimiter throttles API callers using fixed one-minute windows in
// Redis.
type RateLimiter struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// NewRateLimiter creates a new rate limiter. cache may be nil; every
// request is then allowed.
func NewRateLimiter(cacheClient *cache.Cache, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  cacheClient,
		logger: logger,
	}
}

// Allow reports whether the caller may proceed this window.
func (rl *RateLimiter) Allow(ctx context.Context, caller string) (bool, error) {
	if rl.cache == nil {
		return true, nil
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:api:%s:%s", caller, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := rl.cache.Expire(ctx, key, 2*time.Minute); err != nil {
			rl.logger.Warn("failed to set rate limit expiry",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if count > requestsPerMinute {
		rl.logger.Warn("rate limit exceeded",
			zap.String("caller", caller),
			zap.Int64("count", count),
		)
		return false, nil
	}
	return true, nil
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.RemoteAddr
		allowed, err := g.rateLimiter.Allow(r.Context(), caller)
		if err != nil {
			// Fail open: a cache outage must not take the billing API
			// down with it.
			g.logger.Error("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
