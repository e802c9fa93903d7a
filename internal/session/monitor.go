// Package session is the client-side companion to the server security core:
// it tracks user activity against idle and absolute timeouts and forces
// logout when either elapses.
package session

import (
	"sync"
	"time"
)

// Policy is the immutable timeout configuration for one session.
type Policy struct {
	IdleTimeout   time.Duration
	MaxSession    time.Duration
	WarningWindow time.Duration
}

// DefaultPolicy mirrors the server's token lifetimes: warn five minutes
// before a thirty-minute idle cutoff or an eight-hour session cap.
var DefaultPolicy = Policy{
	IdleTimeout:   30 * time.Minute,
	MaxSession:    8 * time.Hour,
	WarningWindow: 5 * time.Minute,
}

// Phase classifies a session clock against its policy.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseWarnIdle
	PhaseWarnSessionMax
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseWarnIdle:
		return "warn-idle"
	case PhaseWarnSessionMax:
		return "warn-session-max"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Classify is the pure transition condition: a phase computed from two
// timestamps and the policy, with no timer state involved. The absolute cap
// wins over the idle warning when both apply.
func Classify(now, lastActivity, sessionStart time.Time, policy Policy) Phase {
	idle := now.Sub(lastActivity)
	elapsed := now.Sub(sessionStart)

	if idle >= policy.IdleTimeout || elapsed >= policy.MaxSession {
		return PhaseExpired
	}
	if elapsed >= policy.MaxSession-policy.WarningWindow {
		return PhaseWarnSessionMax
	}
	if idle >= policy.IdleTimeout-policy.WarningWindow {
		return PhaseWarnIdle
	}

	return PhaseActive
}

// Monitor drives the session state machine from a single recurring tick.
// Touch advances the activity clock; crossing a warning threshold fires the
// warning callback once; crossing a timeout clears the stored tokens and
// fires the expiry callback.
type Monitor struct {
	mu           sync.Mutex
	policy       Policy
	storage      Storage
	now          func() time.Time
	lastActivity time.Time
	sessionStart time.Time
	warningShown bool
	expired      bool

	onWarn   func(phase Phase, remaining time.Duration)
	onExpire func()

	done     chan struct{}
	stopOnce sync.Once
}

// Config wires a Monitor. OnWarn and OnExpire may be nil.
type Config struct {
	Policy   Policy
	Storage  Storage
	OnWarn   func(phase Phase, remaining time.Duration)
	OnExpire func()

	// now overrides the clock in tests.
	now func() time.Time
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Policy.IdleTimeout <= 0 {
		cfg.Policy = DefaultPolicy
	}
	if cfg.now == nil {
		cfg.now = func() time.Time { return time.Now().UTC() }
	}

	started := cfg.now()
	return &Monitor{
		policy:       cfg.Policy,
		storage:      cfg.Storage,
		now:          cfg.now,
		lastActivity: started,
		sessionStart: started,
		onWarn:       cfg.OnWarn,
		onExpire:     cfg.OnExpire,
		done:         make(chan struct{}),
	}
}

// Start launches the recurring check and the storage watcher. It returns
// immediately; Stop tears both down deterministically.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go m.tickLoop(interval)

	if m.storage != nil {
		events, cancel := m.storage.Watch()
		go m.watchLoop(events, cancel)
	}
}

// Touch records user activity: the idle clock resets and a previously shown
// warning may fire again later.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expired {
		return
	}
	m.lastActivity = m.now()
	m.warningShown = false
}

// Reset restarts both clocks, as on a fresh login.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lastActivity = now
	m.sessionStart = now
	m.warningShown = false
	m.expired = false
}

// Phase reports the current classification.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expired {
		return PhaseExpired
	}
	return Classify(m.now(), m.lastActivity, m.sessionStart, m.policy)
}

// Stop halts the tick loop and the storage watcher. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Check runs one tick of the state machine. Exposed so tests and callers can
// drive transitions without waiting on the timer.
func (m *Monitor) Check() Phase {
	m.mu.Lock()

	if m.expired {
		m.mu.Unlock()
		return PhaseExpired
	}

	now := m.now()
	phase := Classify(now, m.lastActivity, m.sessionStart, m.policy)

	var warn func(Phase, time.Duration)
	var remaining time.Duration

	switch phase {
	case PhaseExpired:
		m.expired = true
		m.mu.Unlock()
		m.forceLogout()
		return phase
	case PhaseWarnIdle, PhaseWarnSessionMax:
		if !m.warningShown {
			m.warningShown = true
			warn = m.onWarn
			remaining = m.timeRemainingLocked(now, phase)
		}
	}
	m.mu.Unlock()

	if warn != nil {
		warn(phase, remaining)
	}

	return phase
}

func (m *Monitor) timeRemainingLocked(now time.Time, phase Phase) time.Duration {
	if phase == PhaseWarnSessionMax {
		return m.sessionStart.Add(m.policy.MaxSession).Sub(now)
	}
	return m.lastActivity.Add(m.policy.IdleTimeout).Sub(now)
}

func (m *Monitor) forceLogout() {
	if m.storage != nil {
		m.storage.Delete(KeyAuthToken)
		m.storage.Delete(KeyRefreshToken)
		m.storage.Delete(KeyCurrentUser)
	}
	if m.onExpire != nil {
		m.onExpire()
	}
	m.Stop()
}

func (m *Monitor) tickLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-m.done:
			return
		}
	}
}

// watchLoop mirrors auth changes made by other tabs: a new token restarts the
// session clocks, a removed token expires this tab as well.
func (m *Monitor) watchLoop(events <-chan Event, cancel func()) {
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Key != KeyAuthToken {
				continue
			}
			if event.Deleted {
				m.mu.Lock()
				alreadyExpired := m.expired
				m.expired = true
				m.mu.Unlock()

				if !alreadyExpired {
					if m.onExpire != nil {
						m.onExpire()
					}
					m.Stop()
				}
				return
			}
			m.Reset()
		case <-m.done:
			return
		}
	}
}
