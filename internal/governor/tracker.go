// Package governor implements the per-identity admission governor: the
// token-bucket rate limit (shared, in the coordination store) and the
// process-local stamina/heat tracker with flow bonus and cooldown.
package governor

import (
	"math"
	"sync"
	"time"

	"github.com/aegis/backend/internal/core"
)

// TrackerConfig holds the stamina/heat tunables.
type TrackerConfig struct {
	StaminaMax       float64
	RegenPerSecond   float64
	CostPerChar      float64
	FlowBonus        float64 // max regen multiplier, >= 1.0
	HeatThreshold    float64 // heat >= threshold trips a cooldown
	HeatDecayRate    float64 // heat units shed per second
	CooldownDuration time.Duration
	PatternWindow    time.Duration // sliding window for request timestamps
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed          bool
	Reason           core.ReasonCode
	StaminaRemaining float64
	Heat             float64
	RetryAfter       time.Duration
}

// flowStreak is the number of consecutive clean requests needed before the
// flow bonus engages.
const flowStreak = 5

type identityState struct {
	stamina         float64
	heat            float64
	lastUpdate      time.Time
	consecutiveSafe int
	timestamps      []time.Time
	cooldownUntil   time.Time
	pausedUntil     time.Time
}

// Tracker keeps stamina/heat state per identity. State is process-local by
// design; staleness across the fleet is bounded and acceptable because the
// shared token bucket fails closed independently.
type Tracker struct {
	mu        sync.Mutex
	states    map[string]*identityState
	cfg       TrackerConfig
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a tracker and starts its idle-state sweeper. Close
// stops the sweeper.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.FlowBonus < 1.0 {
		cfg.FlowBonus = 1.0
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 10 * time.Minute
	}
	t := &Tracker{
		states: make(map[string]*identityState),
		cfg:    cfg,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go t.sweep()
	return t
}

// newTrackerWithClock is the test hook: no sweeper, injected clock.
func newTrackerWithClock(cfg TrackerConfig, clock func() time.Time) *Tracker {
	if cfg.FlowBonus < 1.0 {
		cfg.FlowBonus = 1.0
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 10 * time.Minute
	}
	return &Tracker{
		states: make(map[string]*identityState),
		cfg:    cfg,
		now:    clock,
		done:   make(chan struct{}),
	}
}

// Close stops the sweeper. Safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Check runs the fixed decision order for one request: decay heat, apply the
// flow bonus, regenerate stamina, charge the input cost, decide, and (if
// allowed) add the input heat component.
func (t *Tracker) Check(identity string, inputChars int) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st, ok := t.states[identity]
	if !ok {
		st = &identityState{stamina: t.cfg.StaminaMax, lastUpdate: now}
		t.states[identity] = st
	}

	elapsed := now.Sub(st.lastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.lastUpdate = now

	// Heat decays linearly regardless of outcome.
	st.heat = clamp(st.heat-t.cfg.HeatDecayRate*elapsed, 0, 100)

	// Cooldown gate before anything is charged.
	if now.Before(st.cooldownUntil) {
		return Decision{
			Allowed:          false,
			Reason:           core.ReasonCooldownActive,
			StaminaRemaining: st.stamina,
			Heat:             st.heat,
			RetryAfter:       st.cooldownUntil.Sub(now),
		}
	}
	if now.Before(st.pausedUntil) {
		return Decision{
			Allowed:          false,
			Reason:           core.ReasonCooldownActive,
			StaminaRemaining: st.stamina,
			Heat:             st.heat,
			RetryAfter:       st.pausedUntil.Sub(now),
		}
	}

	bonus := 1.0
	if st.consecutiveSafe >= flowStreak {
		bonus = t.cfg.FlowBonus
	}
	st.stamina = clamp(st.stamina+t.cfg.RegenPerSecond*elapsed*bonus, 0, t.cfg.StaminaMax)

	cost := math.Max(1.0, float64(inputChars)*t.cfg.CostPerChar)
	if st.stamina < cost {
		deficit := cost - st.stamina
		retry := time.Duration(deficit/(t.cfg.RegenPerSecond*bonus)*float64(time.Second)) + time.Second
		return Decision{
			Allowed:          false,
			Reason:           core.ReasonStaminaExhausted,
			StaminaRemaining: st.stamina,
			Heat:             st.heat,
			RetryAfter:       retry,
		}
	}
	st.stamina -= cost

	// Bounded request-timestamp queue for the density signal.
	cutoff := now.Add(-t.cfg.PatternWindow)
	kept := st.timestamps[:0]
	for _, ts := range st.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.timestamps = append(kept, now)
	if len(st.timestamps) > 256 {
		st.timestamps = st.timestamps[len(st.timestamps)-256:]
	}

	return Decision{
		Allowed:          true,
		StaminaRemaining: st.stamina,
		Heat:             st.heat,
	}
}

// RecordOutcome feeds the post-decision signals back: sensitive detections
// raise heat (and may trip the cooldown); a clean request extends the flow
// streak. The interaction-density component is held at zero until the
// wellbeing tracker lands.
func (t *Tracker) RecordOutcome(identity string, sensitiveDetections int, safe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[identity]
	if !ok {
		return
	}
	if safe {
		st.consecutiveSafe++
	} else {
		st.consecutiveSafe = 0
	}

	densityScore := 0.0
	gain := 12.0*float64(sensitiveDetections) + densityScore
	st.heat = clamp(st.heat+gain, 0, 100)

	if st.heat >= t.cfg.HeatThreshold && t.cfg.CooldownDuration > 0 {
		st.cooldownUntil = t.now().Add(t.cfg.CooldownDuration)
	}
}

// Snapshot returns (stamina, heat) for observability endpoints.
func (t *Tracker) Snapshot(identity string) (float64, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[identity]
	if !ok {
		return 0, 0, false
	}
	return st.stamina, st.heat, true
}

func (t *Tracker) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

// sweepIdle drops identities idle long enough for full regeneration. Entries
// under an active cooldown are kept.
func (t *Tracker) sweepIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, st := range t.states {
		if now.Sub(st.lastUpdate) > time.Hour && now.After(st.cooldownUntil) {
			delete(t.states, id)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
