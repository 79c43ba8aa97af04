// Package precheck is the synchronous pre-inference gate. It runs on a
// sub-50ms CPU budget, performs no network I/O in the hot path, and fails
// closed: any internal error is surfaced as SAFETY_UNAVAILABLE.
package precheck

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/rules"
)

const (
	entropyMinLength = 200
	entropyThreshold = 5.5
)

// Result is the pre-check verdict.
type Result struct {
	Blocked    bool
	ReasonCode core.ReasonCode
	Severity   core.Severity
	RuleID     string
}

// Detector combines the rule engine, the cached dynamic blocklist, the
// canary scan and the entropy guard, in that order after the length cap.
type Detector struct {
	engine        *rules.Engine
	store         *coord.Store
	maxInputBytes int64

	// blocklist is refreshed out of band; the stale copy is retained when
	// the store is unreachable so the hot path never blocks on Redis.
	blocklist atomic.Pointer[[]string]
	refresh   time.Duration
}

// NewDetector builds the detector and primes the blocklist cache.
func NewDetector(engine *rules.Engine, store *coord.Store, maxInputBytes int64, refresh time.Duration) *Detector {
	if refresh <= 0 {
		refresh = 60 * time.Second
	}
	d := &Detector{
		engine:        engine,
		store:         store,
		maxInputBytes: maxInputBytes,
		refresh:       refresh,
	}
	empty := []string{}
	d.blocklist.Store(&empty)
	return d
}

// RunRefresher refreshes the blocklist cache until the context is cancelled.
// This is the only place the detector touches the coordination store.
func (d *Detector) RunRefresher(ctx context.Context) {
	d.refreshOnce(ctx)
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshOnce(ctx)
		}
	}
}

func (d *Detector) refreshOnce(ctx context.Context) {
	if d.store == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	members, err := d.store.BlocklistMembers(rctx)
	if err != nil {
		slog.Warn("blocklist refresh failed, keeping stale cache", "error", err)
		return
	}
	folded := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			folded = append(folded, m)
		}
	}
	d.blocklist.Store(&folded)
}

// Check screens one input. The ordering is fixed: length, rules, blocklist,
// canary, entropy. A panic anywhere resolves to SAFETY_UNAVAILABLE.
func (d *Detector) Check(text string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pre-check panicked, failing closed", "panic", r)
			result = Result{Blocked: true, ReasonCode: core.ReasonSafetyUnavailable, Severity: core.SeverityCritical}
		}
	}()

	if int64(len(text)) > d.maxInputBytes {
		return Result{Blocked: true, ReasonCode: core.ReasonInputTooLong, Severity: core.SeverityLow}
	}

	if blocked, reason, _ := d.engine.QuickCheck(text); blocked {
		result := Result{Blocked: true, ReasonCode: reason, Severity: core.SeverityHigh}
		// Attribute the refusal to the match that actually blocked, not the
		// highest-sorted one; a critical log-action rule can outrank it.
		matches, _ := d.engine.Evaluate(text, "")
		if m, ok := rules.FirstBlocking(matches); ok {
			result.Severity = m.Severity
			result.RuleID = m.RuleID
		}
		return result
	}

	folded := strings.ToLower(text)
	for _, phrase := range *d.blocklist.Load() {
		if strings.Contains(folded, phrase) {
			return Result{Blocked: true, ReasonCode: core.ReasonDynamicBlocklist, Severity: core.SeverityHigh}
		}
	}

	if ContainsCanary(text) {
		return Result{Blocked: true, ReasonCode: core.ReasonCanaryDetected, Severity: core.SeverityCritical}
	}

	if len(text) > entropyMinLength && ShannonEntropy(text) > entropyThreshold {
		return Result{Blocked: true, ReasonCode: core.ReasonHighEntropy, Severity: core.SeverityMedium}
	}

	return Result{}
}
