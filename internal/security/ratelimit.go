package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Policy is an immutable rate-limit tier.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Named tiers consumed by the endpoint pipeline.
var (
	PolicyAuth = Policy{MaxRequests: 5, Window: 15 * time.Minute}
	PolicyAPI  = Policy{MaxRequests: 100, Window: time.Minute}
	PolicyRead = Policy{MaxRequests: 200, Window: time.Minute}
)

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces fixed-window request budgets per identifier on top of an
// injected CounterStore. The window resets through the store's TTL semantics;
// there is no explicit reset path.
type Limiter struct {
	store CounterStore
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Check counts one request for identifier under the given policy. The N-th
// request in a window is allowed with zero remaining; the (N+1)-th is denied.
func (l *Limiter) Check(ctx context.Context, identifier string, policy Policy) (Decision, error) {
	now := time.Now().UTC()
	windowStart := now.Truncate(policy.Window)
	windowEnd := windowStart.Add(policy.Window)

	key := fmt.Sprintf("rl:%s:%d", identifier, windowStart.UnixMilli())
	count, err := l.store.Increment(ctx, key, windowEnd.Sub(now))
	if err != nil {
		return Decision{}, err
	}

	if count > int64(policy.MaxRequests) {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: windowEnd.Sub(now)}, nil
	}

	remaining := policy.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: true, Remaining: remaining}, nil
}

// UserIdentifier keys limits by authenticated subject.
func UserIdentifier(userID string) string {
	return "user:" + userID
}

// RequestIdentifier keys limits by client address when no subject is known.
func RequestIdentifier(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ClientIP resolves the caller address from proxy headers in fixed precedence:
// first X-Forwarded-For hop, then X-Real-IP, then the socket address.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
