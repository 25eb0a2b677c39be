// Package adminauth implements the shared-credential check that gates the
// admin and ML-scoring surfaces described in spec.md §6: a constant-time
// comparison against a comma-separated set of configured credentials, with
// absent or empty configuration failing closed (503), plus an optional
// Redis-backed brute-force rate limiter on repeated bad attempts.
//
// The credential-check mechanics themselves are named as an external
// collaborator by spec.md §1 ("admin authentication details ... assumed");
// this package supplies the narrow, concrete implementation the HTTP layer
// needs, adapted from the teacher's local-admin login path rather than its
// full OIDC/session subsystem, which has no equivalent here.
package adminauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnconfigured is returned by Check when no credentials are configured.
// Callers must translate this into a fail-closed 503, per spec.md §7.
var ErrUnconfigured = errors.New("adminauth: no credentials configured")

// Checker performs constant-time credential comparison against a fixed set
// loaded from configuration.
type Checker struct {
	credentials []string
}

// New creates a Checker over the given comma-separated-then-split
// credential set. An empty set is valid — every Check call will then
// return ErrUnconfigured, causing callers to fail closed.
func New(credentials []string) *Checker {
	return &Checker{credentials: credentials}
}

// Check reports whether candidate matches any configured credential using a
// constant-time comparison per credential (timing-safe against the set,
// not just a single entry). Returns ErrUnconfigured if no credentials were
// loaded at all.
func (c *Checker) Check(candidate string) (bool, error) {
	if len(c.credentials) == 0 {
		return false, ErrUnconfigured
	}
	ok := false
	for _, cred := range c.credentials {
		if len(cred) != len(candidate) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cred), []byte(candidate)) == 1 {
			ok = true
		}
	}
	return ok, nil
}

// RateLimiter limits repeated bad admin-credential attempts per remote
// address using Redis INCR+EXPIRE, adapted directly from the teacher's
// internal/auth/ratelimit.go login rate limiter. Nil-safe: a nil
// *RateLimiter disables limiting entirely (used when REDIS_URL is unset).
type RateLimiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// NewRateLimiter creates a rate limiter allowing maxAttempt failed attempts
// per key within window.
func NewRateLimiter(rdb *redis.Client, maxAttempt int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, maxAttempt: maxAttempt, window: window}
}

// Allowed reports whether key (typically the caller's remote address) is
// still within its failed-attempt budget. A nil receiver always allows.
func (rl *RateLimiter) Allowed(ctx context.Context, key string) (bool, error) {
	if rl == nil || rl.redis == nil {
		return true, nil
	}
	redisKey := fmt.Sprintf("ghostline:adminauth:%s", key)
	count, err := rl.redis.Get(ctx, redisKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return true, fmt.Errorf("checking admin rate limit: %w", err)
	}
	return count < rl.maxAttempt, nil
}

// RecordFailure records a failed attempt for key, starting (or continuing)
// its rate-limit window.
func (rl *RateLimiter) RecordFailure(ctx context.Context, key string) error {
	if rl == nil || rl.redis == nil {
		return nil
	}
	redisKey := fmt.Sprintf("ghostline:adminauth:%s", key)
	pipe := rl.redis.Pipeline()
	pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording admin rate limit failure: %w", err)
	}
	return nil
}

// Middleware returns chi-compatible middleware enforcing the admin
// credential header. Absent or empty credential configuration fails closed
// with 503, per spec.md §6 ("Absent or empty configuration ⇒ 503").
func Middleware(checker *Checker, limiter *RateLimiter, header string, respondJSON func(w http.ResponseWriter, status int, body any)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			remote := r.RemoteAddr

			if ok, err := limiter.Allowed(ctx, remote); err != nil || !ok {
				respondJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":   "rate_limited",
					"message": "too many failed admin authentication attempts",
				})
				return
			}

			candidate := r.Header.Get(header)
			ok, err := checker.Check(candidate)
			if err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error":   "unavailable",
					"message": "admin authentication is not configured",
				})
				return
			}
			if !ok {
				_ = limiter.RecordFailure(ctx, remote)
				respondJSON(w, http.StatusUnauthorized, map[string]string{
					"error":   "unauthorized",
					"message": "invalid admin credential",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
