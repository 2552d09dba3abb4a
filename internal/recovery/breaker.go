// Package recovery isolates repeated memory failures per episode and
// globally, and keeps short-lived rollback snapshots for risky mutations.
package recovery

import (
	"sync"
	"time"

	"github.com/mferrante/greenroom/internal/memory"
)

// FailureKind classifies a recorded failure; each kind carries a weight.
type FailureKind string

const (
	FailureCompression        FailureKind = "compression"
	FailureValidation         FailureKind = "validation"
	FailureConflictResolution FailureKind = "conflict_resolution"
	FailureBudgetExceeded     FailureKind = "budget_exceeded"
	FailureStorage            FailureKind = "storage"
	FailureNetwork            FailureKind = "network"
	FailureTimeout            FailureKind = "timeout"
)

// Weight returns how much one failure of this kind counts toward the
// breaker threshold.
func (k FailureKind) Weight() float64 {
	switch k {
	case FailureStorage:
		return 2.0
	case FailureCompression, FailureConflictResolution:
		return 1.5
	case FailureValidation:
		return 1.0
	case FailureBudgetExceeded, FailureNetwork, FailureTimeout:
		return 0.5
	default:
		return 1.0
	}
}

// BreakerState is the circuit position for one scope.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
	StateDisabled BreakerState = "disabled"
)

// Config tunes breaker and snapshot behavior.
type Config struct {
	FailureThreshold    float64
	FailureWindow       time.Duration
	RecoveryTimeout     time.Duration
	MaxRecoveryAttempts int
	DisabledCooldown    time.Duration
	SnapshotWindow      time.Duration
	MaxTrackedKeys      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		FailureWindow:       5 * time.Minute,
		RecoveryTimeout:     30 * time.Second,
		MaxRecoveryAttempts: 3,
		DisabledCooldown:    24 * time.Hour,
		SnapshotWindow:      60 * time.Second,
		MaxTrackedKeys:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.DisabledCooldown <= 0 {
		c.DisabledCooldown = d.DisabledCooldown
	}
	if c.SnapshotWindow <= 0 {
		c.SnapshotWindow = d.SnapshotWindow
	}
	if c.MaxTrackedKeys <= 0 {
		c.MaxTrackedKeys = d.MaxTrackedKeys
	}
	return c
}

type failure struct {
	at     time.Time
	weight float64
}

type breaker struct {
	state            BreakerState
	failures         []failure
	openedAt         time.Time
	disabledAt       time.Time
	recoveryAttempts int
	lastTouched      time.Time
}

// Snapshot captures a state copy that can be restored within the window.
type Snapshot struct {
	TakenAt time.Time
	State   memory.State
}

// Manager tracks one breaker per episode key plus one global breaker. An
// operation is permitted only when both scopes allow it.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	global    *breaker
	byKey     map[memory.Key]*breaker
	snapshots map[memory.Key]Snapshot
	now       func() time.Time
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		global:    &breaker{state: StateClosed},
		byKey:     make(map[memory.Key]*breaker),
		snapshots: make(map[memory.Key]Snapshot),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Allow reports whether a memory operation for key may run. Open circuits
// transition to half-open after the recovery timeout; disabled circuits
// stay shut until the long cooldown elapses.
func (m *Manager) Allow(key memory.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return m.allowLocked(m.global, now) && m.allowLocked(m.breakerFor(key, now), now)
}

// State returns the circuit position for the key's scope.
func (m *Manager) State(key memory.Key) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byKey[key]
	if !ok {
		return StateClosed
	}
	return b.state
}

// GlobalState returns the global circuit position.
func (m *Manager) GlobalState() BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.state
}

// RecordFailure adds a weighted failure to both scopes and opens whichever
// scope crosses the threshold inside the sliding window.
func (m *Manager) RecordFailure(key memory.Key, kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.recordLocked(m.breakerFor(key, now), kind, now)
	m.recordLocked(m.global, kind, now)
}

// RecordSuccess clears the failure history for both scopes; a half-open
// circuit closes.
func (m *Manager) RecordSuccess(key memory.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.successLocked(m.breakerFor(key, now))
	m.successLocked(m.global)
}

func (m *Manager) allowLocked(b *breaker, now time.Time) bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= m.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateDisabled:
		if now.Sub(b.disabledAt) >= m.cfg.DisabledCooldown {
			b.state = StateHalfOpen
			b.recoveryAttempts = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (m *Manager) recordLocked(b *breaker, kind FailureKind, now time.Time) {
	b.lastTouched = now
	b.failures = append(b.failures, failure{at: now, weight: kind.Weight()})
	b.failures = pruneWindow(b.failures, now, m.cfg.FailureWindow)

	sum := 0.0
	for _, f := range b.failures {
		sum += f.weight
	}
	if sum < m.cfg.FailureThreshold {
		return
	}

	if b.state == StateHalfOpen {
		b.recoveryAttempts++
		if b.recoveryAttempts > m.cfg.MaxRecoveryAttempts {
			b.state = StateDisabled
			b.disabledAt = now
			return
		}
	}
	b.state = StateOpen
	b.openedAt = now
}

func (m *Manager) successLocked(b *breaker) {
	b.failures = nil
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.recoveryAttempts = 0
	}
}

func (m *Manager) breakerFor(key memory.Key, now time.Time) *breaker {
	b, ok := m.byKey[key]
	if !ok {
		m.evictIfFullLocked()
		b = &breaker{state: StateClosed}
		m.byKey[key] = b
	}
	b.lastTouched = now
	return b
}

// evictIfFullLocked drops the longest-idle closed breaker once the map is
// at capacity. Episodes are created dynamically and rarely deleted, so the
// map must not grow without bound.
func (m *Manager) evictIfFullLocked() {
	if len(m.byKey) < m.cfg.MaxTrackedKeys {
		return
	}
	var (
		oldestKey memory.Key
		oldestAt  time.Time
		found     bool
	)
	for key, b := range m.byKey {
		if b.state != StateClosed {
			continue
		}
		if !found || b.lastTouched.Before(oldestAt) {
			oldestKey, oldestAt, found = key, b.lastTouched, true
		}
	}
	if found {
		delete(m.byKey, oldestKey)
	}
}

// TakeSnapshot stores a rollback point for the key, replacing any previous one.
func (m *Manager) TakeSnapshot(key memory.Key, state memory.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSnapshotsLocked(m.now())
	m.snapshots[key] = Snapshot{TakenAt: m.now(), State: state.Clone()}
}

// CanRollback reports whether a snapshot for key is still inside the window.
func (m *Manager) CanRollback(key memory.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSnapshotsLocked(m.now())
	_, ok := m.snapshots[key]
	return ok
}

// Rollback returns the snapshot state if one is still valid, consuming it.
func (m *Manager) Rollback(key memory.Key) (memory.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSnapshotsLocked(m.now())
	snap, ok := m.snapshots[key]
	if !ok {
		return memory.State{}, false
	}
	delete(m.snapshots, key)
	return snap.State.Clone(), true
}

func (m *Manager) pruneSnapshotsLocked(now time.Time) {
	for key, snap := range m.snapshots {
		if now.Sub(snap.TakenAt) > m.cfg.SnapshotWindow {
			delete(m.snapshots, key)
		}
	}
}

func pruneWindow(failures []failure, now time.Time, window time.Duration) []failure {
	kept := failures[:0]
	for _, f := range failures {
		if now.Sub(f.at) <= window {
			kept = append(kept, f)
		}
	}
	return kept
}
