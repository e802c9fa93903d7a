package security

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	store := NewMemoryCounterStore()
	t.Cleanup(store.Stop)
	return NewLimiter(store)
}

func TestLimiterBudget(t *testing.T) {
	limiter := newTestLimiter(t)
	policy := Policy{MaxRequests: 3, Window: time.Minute}
	ctx := context.Background()

	wantRemaining := []int{2, 1, 0}
	for i, want := range wantRemaining {
		decision, err := limiter.Check(ctx, "user:1", policy)
		if err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if decision.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, decision.Remaining, want)
		}
	}

	decision, err := limiter.Check(ctx, "user:1", policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("request over budget was allowed")
	}
	if decision.Remaining != 0 {
		t.Fatalf("denied remaining = %d, want 0", decision.Remaining)
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("denied retry-after = %v, want positive", decision.RetryAfter)
	}
}

func TestLimiterIsolatesIdentifiers(t *testing.T) {
	limiter := newTestLimiter(t)
	policy := Policy{MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	if decision, _ := limiter.Check(ctx, "ip:10.0.0.1", policy); !decision.Allowed {
		t.Fatal("first identifier denied")
	}
	if decision, _ := limiter.Check(ctx, "ip:10.0.0.1", policy); decision.Allowed {
		t.Fatal("first identifier allowed over budget")
	}
	if decision, _ := limiter.Check(ctx, "ip:10.0.0.2", policy); !decision.Allowed {
		t.Fatal("second identifier affected by first's budget")
	}
}

func TestLimiterFreshWindow(t *testing.T) {
	limiter := newTestLimiter(t)
	policy := Policy{MaxRequests: 1, Window: 200 * time.Millisecond}
	ctx := context.Background()

	if decision, _ := limiter.Check(ctx, "k", policy); !decision.Allowed {
		t.Fatal("first request denied")
	}

	time.Sleep(250 * time.Millisecond)

	decision, err := limiter.Check(ctx, "k", policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("request in fresh window denied")
	}
	if decision.Remaining != 0 {
		t.Fatalf("fresh window remaining = %d, want %d", decision.Remaining, policy.MaxRequests-1)
	}
}

func TestClientIPPrecedence(t *testing.T) {
	tests := []struct {
		name          string
		forwardedFor  string
		realIP        string
		remoteAddr    string
		want          string
	}{
		{"forwarded first hop", "203.0.113.7, 10.0.0.1", "198.51.100.2", "192.0.2.1:1234", "203.0.113.7"},
		{"real ip fallback", "", "198.51.100.2", "192.0.2.1:1234", "198.51.100.2"},
		{"remote addr host", "", "", "192.0.2.1:1234", "192.0.2.1"},
		{"no source", "", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := ClientIP(r); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentifierKeys(t *testing.T) {
	if got := UserIdentifier("42"); got != "user:42" {
		t.Fatalf("UserIdentifier = %q", got)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:9999"
	if got := RequestIdentifier(r); got != "ip:192.0.2.1" {
		t.Fatalf("RequestIdentifier = %q", got)
	}
}
