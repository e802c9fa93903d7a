package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"realprep/internal/observability"
	"realprep/internal/security"
)

// SweepHandler forces an eviction pass over the in-memory security state so a
// scheduled job can bound memory between organic sweeps.
type SweepHandler struct {
	counters         *security.MemoryCounterStore
	lockouts         *security.LockoutTracker
	logger           *observability.Logger
	cronSecret       string
	lockoutRetention time.Duration
}

func NewSweepHandler(
	counters *security.MemoryCounterStore,
	lockouts *security.LockoutTracker,
	logger *observability.Logger,
	cronSecret string,
	lockoutRetention time.Duration,
) *SweepHandler {
	if lockoutRetention <= 0 {
		lockoutRetention = 24 * time.Hour
	}

	return &SweepHandler{
		counters:         counters,
		lockouts:         lockouts,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		lockoutRetention: lockoutRetention,
	}
}

func (h *SweepHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	evictedCounters := 0
	if h.counters != nil {
		evictedCounters = h.counters.SweepNow()
	}

	evictedLockouts := 0
	if h.lockouts != nil {
		evictedLockouts = h.lockouts.SweepStale(h.lockoutRetention)
	}

	h.logger.Info("security_sweep_completed", map[string]any{
		"evicted_counters": evictedCounters,
		"evicted_lockouts": evictedLockouts,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]int{
			"evicted_counters": evictedCounters,
			"evicted_lockouts": evictedLockouts,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
