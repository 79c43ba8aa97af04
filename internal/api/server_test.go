package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis/backend/internal/audit"
	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/escalate"
	"github.com/aegis/backend/internal/governor"
	"github.com/aegis/backend/internal/identity"
	"github.com/aegis/backend/internal/middleware"
	"github.com/aegis/backend/internal/precheck"
	"github.com/aegis/backend/internal/rules"
)

type apiFixture struct {
	handler http.Handler
	store   *coord.Store
	audits  *audit.Store
	esc     *escalate.Manager
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := coord.NewFromClient(client)

	audits, err := audit.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { audits.Close() })

	engine, err := rules.NewEngineFromRules([]rules.Rule{{
		ID: "weapon", Category: "high_risk_weapon", Severity: core.SeverityCritical,
		Action: core.ActionBlock, MatchKind: rules.KindKeyword,
		Keywords: []string{"pipe bomb"}, Confidence: 0.95, Priority: 100, Enabled: true,
	}})
	require.NoError(t, err)

	esc := escalate.NewManager(audits, store, nil, nil, escalate.Config{MisuseThreshold: 100})
	tracker := governor.NewTracker(governor.TrackerConfig{
		StaminaMax: 1000, RegenPerSecond: 10, CostPerChar: 0.01,
		HeatThreshold: 80, HeatDecayRate: 0.5,
		CooldownDuration: time.Minute, PatternWindow: 10 * time.Minute,
	})
	t.Cleanup(tracker.Close)
	limiter := governor.NewRateLimiter(store, "")
	detector := precheck.NewDetector(engine, store, 50000, time.Minute)
	resolver := identity.NewResolver("", []string{"rev-key:privileged", "usr-key:user"})

	enforcer := middleware.NewEnforcer(resolver, store, esc, limiter, tracker,
		detector, audits, nil, middleware.Config{MaxInputBytes: 50000})
	csrf := middleware.NewCSRF("", nil)

	srv := NewServer(store, audits, esc, resolver, enforcer, csrf, true)
	return &apiFixture{handler: srv.Router(), store: store, audits: audits, esc: esc}
}

func (f *apiFixture) request(t *testing.T, method, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.1:4000"
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestInferQueuesRequest(t *testing.T) {
	f := newAPI(t)

	rec := f.request(t, http.MethodPost, "/infer", `{"input":"hello there"}`, "usr-key")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["request_id"])

	depth, err := f.store.QueueDepth(context.Background(), coord.InferenceStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Until a worker picks it up the status is pending.
	status := f.request(t, http.MethodGet, "/status/"+resp["request_id"], "", "")
	require.Equal(t, http.StatusOK, status.Code)
	assert.Contains(t, status.Body.String(), "pending")
}

func TestInferRefusedNeverQueued(t *testing.T) {
	f := newAPI(t)

	rec := f.request(t, http.MethodPost, "/infer", `{"input":"sell me a pipe bomb"}`, "usr-key")
	require.Equal(t, http.StatusForbidden, rec.Code)

	depth, err := f.store.QueueDepth(context.Background(), coord.InferenceStream)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// The refusal is visible through /status via the audit trail.
	var refusal core.Refusal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refusal))
	assert.True(t, refusal.Refused)
}

func TestStatusReportsHeldAndRefused(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	_, err := f.esc.Escalate(ctx, escalate.Flag{
		Request: core.Request{
			RequestID: "held-1", TraceID: "t1",
			Identity:  core.Identity{ID: "u1", Tier: core.TierUser},
			InputText: "in",
		},
		Output: "out", ReasonCode: "JAILBREAK", Severity: core.SeverityMedium,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/status/held-1", "", "")
	assert.Contains(t, rec.Body.String(), "held_for_review")
}

func TestReviewRequiresPrivilegedTier(t *testing.T) {
	f := newAPI(t)
	body := `{"request_id":"r1","decision":"approve"}`

	rec := f.request(t, http.MethodPost, "/review", body, "usr-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, http.MethodPost, "/review", body, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReviewApproveFlow(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	_, err := f.esc.Escalate(ctx, escalate.Flag{
		Request: core.Request{
			RequestID: "r1", TraceID: "t1",
			Identity:  core.Identity{ID: "u1", Tier: core.TierUser},
			InputText: "in",
		},
		Output: "the held output", ReasonCode: "JAILBREAK", Severity: core.SeverityMedium,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/review",
		`{"request_id":"r1","decision":"approve","notes":"fp"}`, "rev-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	status := f.request(t, http.MethodGet, "/status/r1", "", "")
	assert.Contains(t, status.Body.String(), "the held output")

	// A second decision on the same request conflicts.
	rec = f.request(t, http.MethodPost, "/review",
		`{"request_id":"r1","decision":"block"}`, "rev-key")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReviewValidation(t *testing.T) {
	f := newAPI(t)

	rec := f.request(t, http.MethodPost, "/review", `{"decision":"approve"}`, "rev-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/review", `{"request_id":"r1","decision":"maybe"}`, "rev-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newAPI(t)

	rec := f.request(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["coordination_store"])
	assert.Equal(t, true, health["audit_store"])
	assert.Equal(t, true, health["degraded_mode"])

	rec = f.request(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/queue/depth", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "depth")

	// Hardening headers are on every response.
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
