// Package escalate owns the human-review path: opening escalations, the
// reviewer decision endpoint, automatic suspension and the systematic-misuse
// response. Nothing in this package ever releases an output on its own
// authority except through an explicit reviewer approval.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis/backend/internal/audit"
	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/events"
	"github.com/aegis/backend/internal/metrics"
	"github.com/aegis/backend/internal/notify"
)

// Decision is a reviewer verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionBlock   Decision = "block"
)

// ErrUnknownDecision is returned for any verdict other than approve/block.
var ErrUnknownDecision = errors.New("unknown review decision")

// Config are the escalation-path tunables.
type Config struct {
	AutoSuspendSeverity core.Severity
	SuspensionTTL       time.Duration
	MisuseWindow        time.Duration
	MisuseThreshold     int
	ResultTTL           time.Duration
}

// Manager coordinates the audit store, the coordination store and the
// reviewer notification sinks.
type Manager struct {
	audits   *audit.Store
	store    *coord.Store
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// NewManager wires the escalation path. notifier and metrics may be nil.
func NewManager(audits *audit.Store, store *coord.Store, notifier *notify.Notifier, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.AutoSuspendSeverity == "" {
		cfg.AutoSuspendSeverity = core.SeverityHigh
	}
	if cfg.SuspensionTTL <= 0 {
		cfg.SuspensionTTL = 24 * time.Hour
	}
	if cfg.MisuseWindow <= 0 {
		cfg.MisuseWindow = time.Hour
	}
	if cfg.MisuseThreshold <= 0 {
		cfg.MisuseThreshold = 5
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &Manager{
		audits:   audits,
		store:    store,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Flag is everything the worker hands over when an output fails post-check.
type Flag struct {
	Request    core.Request
	Output     string
	ReasonCode core.ReasonCode
	Severity   core.Severity
	Evidence   string
	Scores     map[string]float64
}

// Escalate opens a review: durable audit row first, then notification,
// auto-suspension and misuse accounting. The audit insert is the only step
// allowed to fail the call; everything after it is best-effort.
func (m *Manager) Escalate(ctx context.Context, flag Flag) (string, error) {
	now := m.now()
	rec := &audit.Record{
		ID:             uuid.NewString(),
		RequestID:      flag.Request.RequestID,
		UserID:         flag.Request.Identity.ID,
		TrustTier:      flag.Request.Identity.Tier,
		Input:          flag.Request.InputText,
		ModelOutput:    flag.Output,
		DetectorScores: flag.Scores,
		ReasonCode:     flag.ReasonCode,
		Severity:       flag.Severity,
		Status:         audit.StatusEscalated,
		CreatedAt:      now,
		TraceID:        flag.Request.TraceID,
	}
	if err := m.audits.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("escalate %s: %w", flag.Request.RequestID, err)
	}

	if m.metrics != nil {
		m.metrics.EscalationsTotal.WithLabelValues(string(flag.Severity)).Inc()
	}
	slog.Warn("escalation opened",
		"request_id", flag.Request.RequestID,
		"user_id", flag.Request.Identity.ID,
		"reason_code", flag.ReasonCode,
		"severity", flag.Severity,
		"trace_id", flag.Request.TraceID)

	if m.notifier != nil {
		m.notifier.Enqueue(notify.Notification{
			RequestID:  flag.Request.RequestID,
			UserID:     flag.Request.Identity.ID,
			ReasonCode: flag.ReasonCode,
			Severity:   flag.Severity,
			Evidence:   flag.Evidence,
			At:         now,
		})
	}

	m.publish(ctx, events.EscalationOpened{
		AuditID:    rec.ID,
		RequestID:  flag.Request.RequestID,
		UserID:     flag.Request.Identity.ID,
		ReasonCode: flag.ReasonCode,
		Severity:   string(flag.Severity),
		TraceID:    flag.Request.TraceID,
		At:         now,
	})

	if flag.Severity.AtLeast(m.cfg.AutoSuspendSeverity) {
		if err := m.store.Suspend(ctx, flag.Request.Identity.ID, flag.ReasonCode, rec.ID, m.cfg.SuspensionTTL); err != nil {
			slog.Error("auto-suspend failed", "user_id", flag.Request.Identity.ID, "error", err)
		} else {
			if m.metrics != nil {
				m.metrics.SuspensionsTotal.WithLabelValues("severity").Inc()
			}
			slog.Warn("user auto-suspended",
				"user_id", flag.Request.Identity.ID,
				"audit_id", rec.ID,
				"ttl", m.cfg.SuspensionTTL)
		}
	}

	m.recordMisuse(ctx, flag.Request.Identity.ID, rec.ID, now)
	return rec.ID, nil
}

// recordMisuse counts this escalation in the sliding window and applies the
// systematic-misuse response once the threshold is crossed.
func (m *Manager) recordMisuse(ctx context.Context, userID, auditID string, now time.Time) {
	count, err := m.store.RecordMisuse(ctx, userID, m.cfg.MisuseWindow, auditID, now)
	if err != nil {
		slog.Error("misuse accounting failed", "user_id", userID, "error", err)
		return
	}
	if count < int64(m.cfg.MisuseThreshold) {
		return
	}

	// Systematic misuse: quarter the rate capacity for the window and suspend.
	if err := m.store.SetBucketPenalty(ctx, userID, 0.25, m.cfg.MisuseWindow); err != nil {
		slog.Error("bucket penalty failed", "user_id", userID, "error", err)
	}
	if err := m.store.Suspend(ctx, userID, "systematic_misuse", auditID, m.cfg.SuspensionTTL); err != nil {
		slog.Error("misuse suspend failed", "user_id", userID, "error", err)
	} else if m.metrics != nil {
		m.metrics.SuspensionsTotal.WithLabelValues("misuse").Inc()
	}
	slog.Warn("systematic misuse detected",
		"user_id", userID, "count", count, "threshold", m.cfg.MisuseThreshold)

	m.publish(ctx, events.SystematicMisuse{
		UserID:    userID,
		Count:     count,
		Threshold: m.cfg.MisuseThreshold,
		At:        now,
	})
}

// Review applies a reviewer decision to an escalated request. Approve
// releases the held output to the response stream; block keeps it withheld
// and feeds the input into the dynamic blocklist.
func (m *Manager) Review(ctx context.Context, requestID, reviewerID string, decision Decision, notes string) error {
	if decision != DecisionApprove && decision != DecisionBlock {
		return fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	rec, err := m.audits.GetByRequestID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("review %s: %w", requestID, err)
	}
	if rec == nil {
		return audit.ErrNotEscalated
	}

	now := m.now()
	latency, err := m.audits.Resolve(ctx, requestID, reviewerID, string(decision)+": "+notes, now)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ResolutionLatency.Observe(latency.Seconds())
	}

	switch decision {
	case DecisionApprove:
		if m.metrics != nil {
			m.metrics.FalsePositives.Inc()
		}
		if err := m.release(ctx, rec, reviewerID); err != nil {
			slog.Error("release after approval failed", "request_id", requestID, "error", err)
		}
	case DecisionBlock:
		phrase := strings.ToLower(strings.TrimSpace(rec.Input))
		if phrase != "" {
			if err := m.store.BlocklistAdd(ctx, phrase); err != nil {
				slog.Error("blocklist add failed", "request_id", requestID, "error", err)
			}
		}
	}

	slog.Info("escalation resolved",
		"request_id", requestID,
		"decision", decision,
		"reviewer_id", reviewerID,
		"latency", latency)

	m.publish(ctx, events.EscalationResolved{
		RequestID:      requestID,
		Decision:       string(decision),
		ReviewerID:     reviewerID,
		LatencySeconds: latency.Seconds(),
		At:             now,
	})
	return nil
}

// release publishes the withheld output and mirrors it for /status.
func (m *Manager) release(ctx context.Context, rec *audit.Record, reviewerID string) error {
	if _, err := m.store.StreamAdd(ctx, coord.ResponseStream, map[string]interface{}{
		"request_id":  rec.RequestID,
		"user_id":     rec.UserID,
		"text":        rec.ModelOutput,
		"released_by": reviewerID,
	}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{
		"status": "completed",
		"text":   rec.ModelOutput,
	})
	return m.store.SetResult(ctx, rec.RequestID, string(payload), m.cfg.ResultTTL)
}

// IsSuspended checks the suspension flag, failing closed: when the store is
// unreachable the user counts as suspended with a distinct reason code.
func (m *Manager) IsSuspended(ctx context.Context, userID string) (bool, core.ReasonCode) {
	_, suspended, err := m.store.Suspension(ctx, userID)
	if err != nil {
		slog.Error("suspension check failed, failing closed", "user_id", userID, "error", err)
		return true, core.ReasonSuspensionUnavailable
	}
	if suspended {
		return true, core.ReasonUserSuspended
	}
	return false, ""
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if _, err := m.store.StreamAdd(ctx, coord.AuditStream, events.Fields(e)); err != nil {
		slog.Warn("audit stream publish failed", "event", e.Kind(), "error", err)
	}
}
