// Package api exposes the HTTP surface: inference ingress, the reviewer
// decision endpoint, request status and the operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis/backend/internal/audit"
	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/escalate"
	"github.com/aegis/backend/internal/identity"
	"github.com/aegis/backend/internal/middleware"
)

// Server wires the routes. The enforcement chain guards /infer only; the
// review and status endpoints carry their own narrower checks.
type Server struct {
	store     *coord.Store
	audits    *audit.Store
	escalator *escalate.Manager
	resolver  *identity.Resolver
	enforcer  *middleware.Enforcer
	csrf      *middleware.CSRF
	degraded  bool
}

// NewServer builds the route table owner. degraded reflects whether the
// audit store runs on the embedded fallback.
func NewServer(store *coord.Store, audits *audit.Store, esc *escalate.Manager,
	resolver *identity.Resolver, enforcer *middleware.Enforcer, csrf *middleware.CSRF,
	degraded bool) *Server {
	return &Server{
		store:     store,
		audits:    audits,
		escalator: esc,
		resolver:  resolver,
		enforcer:  enforcer,
		csrf:      csrf,
		degraded:  degraded,
	}
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Handle("/infer", s.enforcer.Wrap(http.HandlerFunc(s.handleInfer))).Methods(http.MethodPost)
	r.HandleFunc("/status/{request_id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/review", s.handleReview).Methods(http.MethodPost)
	r.HandleFunc("/queue/depth", s.handleQueueDepth).Methods(http.MethodGet)

	return middleware.SecurityHeaders(s.csrf.Wrap(r))
}

// handleInfer enqueues an already-enforced request for async processing.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	req, ok := middleware.FromContext(r.Context())
	if !ok {
		// Unreachable when routed through the enforcer; refuse anyway.
		writeJSON(w, http.StatusServiceUnavailable, core.NewRefusal(core.ReasonSafetyUnavailable, ""))
		return
	}

	values := map[string]interface{}{
		"request_id": req.RequestID,
		"trace_id":   req.TraceID,
		"user_id":    req.Identity.ID,
		"tier":       string(req.Identity.Tier),
		"input":      req.InputText,
		"received":   req.Received.Format(time.RFC3339Nano),
	}
	if params := req.Metadata["params"]; params != "" {
		values["params"] = params
	}
	if _, err := s.store.StreamAdd(r.Context(), coord.InferenceStream, values); err != nil {
		slog.Error("enqueue failed", "request_id", req.RequestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, core.NewRefusal(core.ReasonSafetyUnavailable, req.TraceID))
		return
	}

	slog.Info("request queued", "request_id", req.RequestID,
		"user_id", req.Identity.ID, "trace_id", req.TraceID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": req.RequestID,
		"status":     "queued",
	})
}

// handleStatus reports the terminal state of a request, or pending.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	payload, found, err := s.store.Result(r.Context(), requestID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status unavailable"})
		return
	}
	if found {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
		return
	}

	// No mirrored result yet: distinguish refused from still-pending.
	rec, err := s.audits.GetByRequestID(r.Context(), requestID)
	if err == nil && rec != nil {
		switch rec.Status {
		case audit.StatusOpen:
			writeJSON(w, http.StatusOK, map[string]string{
				"status":      "refused",
				"reason_code": rec.ReasonCode,
			})
			return
		case audit.StatusEscalated:
			writeJSON(w, http.StatusOK, map[string]string{"status": "held_for_review"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

// reviewBody is the reviewer decision payload.
type reviewBody struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Notes     string `json:"notes"`
}

// handleReview applies a reviewer verdict. Privileged tier only.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	ident := s.resolver.Resolve(r)
	if ident.Tier != core.TierPrivileged {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "reviewer access required"})
		return
	}

	var body reviewBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json body"})
		return
	}
	if body.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id required"})
		return
	}

	err := s.escalator.Review(r.Context(), body.RequestID, ident.ID,
		escalate.Decision(body.Decision), body.Notes)
	switch {
	case errors.Is(err, escalate.ErrUnknownDecision):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be approve or block"})
	case errors.Is(err, audit.ErrNotEscalated):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "request is not awaiting review"})
	case err != nil:
		slog.Error("review failed", "request_id", body.RequestID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "review failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"request_id": body.RequestID,
			"decision":   body.Decision,
			"status":     "resolved",
		})
	}
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.QueueDepth(r.Context(), coord.InferenceStream)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"depth": depth})
}

// handleHealth reports per-component reachability. The process answers even
// with a store down; /ready is the hard gate.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	coordUp := s.store.Ping(r.Context()) == nil
	auditUp := s.audits.Healthy()
	status := "ok"
	if !coordUp || !auditUp {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             status,
		"coordination_store": coordUp,
		"audit_store":        auditUp,
		"degraded_mode":      s.degraded,
	})
}

// handleReady reports hard readiness: both stores answering.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "coordination store down"})
		return
	}
	if !s.audits.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "audit store unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
