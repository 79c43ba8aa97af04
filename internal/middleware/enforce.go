// Package middleware implements the single enforcement chain every inference
// request passes through. The chain is strictly ordered and fail-closed: any
// layer that cannot prove the request safe refuses it.
package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aegis/backend/internal/audit"
	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/escalate"
	"github.com/aegis/backend/internal/events"
	"github.com/aegis/backend/internal/governor"
	"github.com/aegis/backend/internal/identity"
	"github.com/aegis/backend/internal/metrics"
	"github.com/aegis/backend/internal/precheck"
)

type ctxKey int

const requestKey ctxKey = 0

// FromContext returns the enforced request envelope placed by the chain.
func FromContext(ctx context.Context) (core.Request, bool) {
	req, ok := ctx.Value(requestKey).(core.Request)
	return req, ok
}

// inferBody is the accepted request shape. Unknown fields are preserved in
// RawParams and forwarded to the sandbox layer untouched.
type inferBody struct {
	Input     string          `json:"input"`
	RawParams json.RawMessage `json:"params,omitempty"`
}

// Config holds the chain tunables.
type Config struct {
	MaxInputBytes int64
	BypassPaths   map[string]bool
}

// Enforcer is the ordered enforcement chain.
type Enforcer struct {
	resolver  *identity.Resolver
	store     *coord.Store
	escalator *escalate.Manager
	limiter   *governor.RateLimiter
	tracker   *governor.Tracker
	detector  *precheck.Detector
	audits    *audit.Store
	metrics   *metrics.Metrics
	cfg       Config
}

// NewEnforcer wires the chain. metrics may be nil.
func NewEnforcer(resolver *identity.Resolver, store *coord.Store, esc *escalate.Manager,
	limiter *governor.RateLimiter, tracker *governor.Tracker, detector *precheck.Detector,
	audits *audit.Store, m *metrics.Metrics, cfg Config) *Enforcer {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 50000
	}
	if cfg.BypassPaths == nil {
		cfg.BypassPaths = map[string]bool{
			"/health":  true,
			"/ready":   true,
			"/metrics": true,
		}
	}
	return &Enforcer{
		resolver:  resolver,
		store:     store,
		escalator: esc,
		limiter:   limiter,
		tracker:   tracker,
		detector:  detector,
		audits:    audits,
		metrics:   m,
		cfg:       cfg,
	}
}

// Wrap applies the full ordered chain in front of next.
func (e *Enforcer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Operational endpoints bypass enforcement entirely.
		if e.cfg.BypassPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		requestID := uuid.NewString()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		log := slog.With("request_id", requestID, "trace_id", traceID, "path", r.URL.Path)

		// 2. Shared state must be reachable or nothing can be enforced.
		if err := e.store.Ping(r.Context()); err != nil {
			log.Error("coordination store unreachable, refusing", "error", err)
			if e.metrics != nil {
				e.metrics.StoreHealthy.Set(0)
			}
			e.refuse(w, r, core.Request{RequestID: requestID, TraceID: traceID},
				core.ReasonSafetyUnavailable, core.SeverityHigh, 0, log)
			return
		}
		if e.metrics != nil {
			e.metrics.StoreHealthy.Set(1)
			e.metrics.AuditHealthy.Set(boolGauge(e.audits.Healthy()))
		}

		// 3. Resolve the caller. Resolution cannot fail, only degrade to anon.
		ident := e.resolver.Resolve(r)
		req := core.Request{
			RequestID: requestID,
			TraceID:   traceID,
			Identity:  ident,
			Received:  time.Now(),
		}
		log = log.With("user_id", ident.ID, "tier", ident.Tier)

		// 4. Suspension gate, failing closed on store trouble.
		if suspended, reason := e.escalator.IsSuspended(r.Context(), ident.ID); suspended {
			e.refuse(w, r, req, reason, core.SeverityHigh, 0, log)
			return
		}

		// 5. Shared rate limit across the fleet.
		verdict, err := e.limiter.Allow(r.Context(), ident, "infer", clientIP(r))
		if err != nil {
			log.Error("rate limiter unavailable, refusing", "error", err)
			e.refuse(w, r, req, core.ReasonSafetyUnavailable, core.SeverityHigh, 0, log)
			return
		}
		if !verdict.Allowed {
			if e.metrics != nil {
				e.metrics.RateDenialsTotal.WithLabelValues(verdict.Reason).Inc()
			}
			e.refuse(w, r, req, verdict.Reason, core.SeverityLow, verdict.RetryAfter, log)
			return
		}

		// 6. Bounded body read. MaxBytesReader hard-stops oversized payloads.
		r.Body = http.MaxBytesReader(w, r.Body, e.cfg.MaxInputBytes)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			e.refuse(w, r, req, core.ReasonInputTooLong, core.SeverityLow, 0, log)
			return
		}
		var body inferBody
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, `{"error":"malformed json body"}`, http.StatusBadRequest)
			return
		}
		req.InputText = body.Input
		req.Metadata = map[string]string{"params": string(body.RawParams)}

		// 7. Process-local stamina and heat.
		decision := e.tracker.Check(ident.ID, len(body.Input))
		if !decision.Allowed {
			if e.metrics != nil {
				e.metrics.RateDenialsTotal.WithLabelValues(decision.Reason).Inc()
			}
			e.refuse(w, r, req, decision.Reason, core.SeverityLow, decision.RetryAfter, log)
			return
		}

		// 8. Deterministic pre-check over the input.
		start := time.Now()
		result := e.detector.Check(body.Input)
		if e.metrics != nil {
			e.metrics.PreCheckLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
		if result.Blocked {
			e.refuse(w, r, req, result.ReasonCode, result.Severity, 0, log)
			return
		}

		// 9. Hand the enforced envelope to the handler.
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey, req)))
	})
}

// refuse writes the uniform refusal envelope, records the audit row and the
// stream event. The audit write is best-effort here: a refusal must reach
// the caller even when the audit store is down.
func (e *Enforcer) refuse(w http.ResponseWriter, r *http.Request, req core.Request,
	reason core.ReasonCode, severity core.Severity, retryAfter time.Duration, log *slog.Logger) {

	log.Warn("request refused", "reason_code", reason, "severity", severity)
	if e.metrics != nil {
		e.metrics.RefusalsTotal.WithLabelValues(reason).Inc()
	}

	if req.Identity.ID != "" {
		rec := &audit.Record{
			ID:         uuid.NewString(),
			RequestID:  req.RequestID,
			UserID:     req.Identity.ID,
			TrustTier:  req.Identity.Tier,
			Input:      req.InputText,
			ReasonCode: reason,
			Severity:   severity,
			Status:     audit.StatusOpen,
			CreatedAt:  time.Now(),
			TraceID:    req.TraceID,
		}
		if err := e.audits.Insert(r.Context(), rec); err != nil {
			log.Error("refusal audit write failed", "error", err)
		}
		fields := events.Fields(events.RefusalRecorded{
			RequestID:  req.RequestID,
			UserID:     req.Identity.ID,
			ReasonCode: reason,
			Severity:   string(severity),
			TraceID:    req.TraceID,
			At:         time.Now(),
		})
		if _, err := e.store.StreamAdd(r.Context(), coord.AuditStream, fields); err != nil {
			log.Warn("refusal event publish failed", "error", err)
		}
	}

	refusal := core.NewRefusal(reason, req.TraceID)
	if retryAfter > 0 {
		secs := int(retryAfter.Seconds() + 0.5)
		if secs < 1 {
			secs = 1
		}
		refusal.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(core.HTTPStatus(reason))
	json.NewEncoder(w).Encode(refusal)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
