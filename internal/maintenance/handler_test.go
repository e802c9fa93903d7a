package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"realprep/internal/observability"
	"realprep/internal/security"
)

func newSweepFixture(t *testing.T, secret string) (*SweepHandler, *security.MemoryCounterStore, *security.LockoutTracker) {
	t.Helper()

	counters := security.NewMemoryCounterStore()
	t.Cleanup(counters.Stop)
	lockouts := security.NewLockoutTracker(security.LockoutPolicy{Threshold: 5, LockDuration: time.Hour})

	handler := NewSweepHandler(counters, lockouts, observability.NewLogger(), secret, time.Millisecond)
	return handler, counters, lockouts
}

func TestSweepRequiresSecret(t *testing.T) {
	handler, _, _ := newSweepFixture(t, "cron-secret")

	rec := httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no header status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	handler.Handle(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}
}

func TestSweepDisabledWithoutConfiguredSecret(t *testing.T) {
	handler, _, _ := newSweepFixture(t, "")

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/internal/maintenance/cleanup", nil)
	r.Header.Set("Authorization", "Bearer anything")
	handler.Handle(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when endpoint is disabled", rec.Code)
	}
}

func TestSweepEvictsExpiredState(t *testing.T) {
	handler, counters, lockouts := newSweepFixture(t, "cron-secret")

	if err := counters.SetWithTTL(context.Background(), "stale", 3, time.Millisecond); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	lockouts.RecordFailure("stale@example.com")
	time.Sleep(5 * time.Millisecond)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/internal/maintenance/cleanup", nil)
	r.Header.Set("Authorization", "Bearer cron-secret")
	handler.Handle(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload struct {
		Status string         `json:"status"`
		Result map[string]int `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("status field = %q", payload.Status)
	}
	if payload.Result["evicted_counters"] != 1 {
		t.Fatalf("evicted_counters = %d, want 1", payload.Result["evicted_counters"])
	}
	if payload.Result["evicted_lockouts"] != 1 {
		t.Fatalf("evicted_lockouts = %d, want 1", payload.Result["evicted_lockouts"])
	}
}
