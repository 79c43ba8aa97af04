package worker

import (
	"context"
	"errors"
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
	"github.com/aegis/backend/internal/postcheck"
	"github.com/aegis/backend/internal/precheck"
	"github.com/aegis/backend/internal/rules"
	"github.com/aegis/backend/internal/sandbox"
)

type fakeInvoker struct {
	text  string
	err   error
	calls int
}

func (f *fakeInvoker) Invoke(ctx context.Context, identity core.Identity, params sandbox.Params) (*sandbox.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sandbox.Result{Text: f.text, TokensUsed: 7, LatencySeconds: 0.1}, nil
}

type poolFixture struct {
	pool    *Pool
	store   *coord.Store
	audits  *audit.Store
	invoker *fakeInvoker
}

func newPoolFixture(t *testing.T, invoker *fakeInvoker) *poolFixture {
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
	pc := postcheck.NewDetector(engine, nil, 0.65)

	pool := NewPool(store, invoker, pc, esc, nil, nil, Config{
		Count: 1, BatchSize: 5, PostCheckTimeout: 5 * time.Second,
		ResultTTL: time.Hour, CanaryBaseRisk: 0.4,
	})
	return &poolFixture{pool: pool, store: store, audits: audits, invoker: invoker}
}

func (f *poolFixture) enqueue(t *testing.T, requestID, userID, input string) redis.XMessage {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.EnsureGroup(ctx, coord.InferenceStream, coord.ConsumerGroup))
	_, err := f.store.StreamAdd(ctx, coord.InferenceStream, map[string]interface{}{
		"request_id": requestID,
		"trace_id":   "trace-" + requestID,
		"user_id":    userID,
		"tier":       "user",
		"input":      input,
	})
	require.NoError(t, err)

	msgs, err := f.store.ReadGroup(ctx, coord.InferenceStream, coord.ConsumerGroup, "w0", 5, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (f *poolFixture) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := f.store.Pending(context.Background(), coord.InferenceStream, coord.ConsumerGroup, 100)
	require.NoError(t, err)
	return len(pending)
}

func TestCleanOutputReleased(t *testing.T) {
	f := newPoolFixture(t, &fakeInvoker{text: "paris is the capital of france"})
	msg := f.enqueue(t, "r1", "u1", "capital of france?")

	f.pool.handle(context.Background(), "w0", msg)

	payload, found, err := f.store.Result(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, payload, `"status":"completed"`)
	assert.Contains(t, payload, "paris")

	depth, err := f.store.QueueDepth(context.Background(), coord.ResponseStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Zero(t, f.pendingCount(t))
}

func TestFlaggedOutputHeldAndEscalated(t *testing.T) {
	f := newPoolFixture(t, &fakeInvoker{text: "step one: acquire a pipe bomb"})
	msg := f.enqueue(t, "r1", "u1", "tell me a story")

	f.pool.handle(context.Background(), "w0", msg)

	payload, found, err := f.store.Result(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, payload, "held_for_review")

	rec, err := f.audits.GetByRequestID(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, audit.StatusEscalated, rec.Status)
	assert.Equal(t, "HIGH_RISK_WEAPON", rec.ReasonCode)
	assert.Equal(t, "step one: acquire a pipe bomb", rec.ModelOutput)

	// Nothing reached the response stream, and the message is done.
	depth, err := f.store.QueueDepth(context.Background(), coord.ResponseStream)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, f.pendingCount(t))
}

func TestDuplicateDeliverySkipsModel(t *testing.T) {
	inv := &fakeInvoker{text: "fine"}
	f := newPoolFixture(t, inv)
	msg := f.enqueue(t, "r1", "u1", "hello")

	_, err := f.store.MarkProcessed(context.Background(), "r1", time.Hour)
	require.NoError(t, err)

	f.pool.handle(context.Background(), "w0", msg)
	assert.Zero(t, inv.calls)
	assert.Zero(t, f.pendingCount(t))
}

func TestModelFailureLeftPendingForRetry(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("upstream down")}
	f := newPoolFixture(t, inv)
	ctx := context.Background()
	msg := f.enqueue(t, "r1", "u1", "hello")

	f.pool.handle(ctx, "w0", msg)

	// No terminal result, the message stays pending, and the idempotency
	// marker is rolled back so the redelivery reaches the model again.
	_, found, err := f.store.Result(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.pendingCount(t))

	// The failure is on the audit stream as a processing_error event.
	depth, err := f.store.QueueDepth(ctx, coord.AuditStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// Once the upstream recovers, the redelivered message completes.
	inv.err = nil
	inv.text = "fine"
	f.pool.handle(ctx, "w0", msg)
	assert.Equal(t, 2, inv.calls)

	payload, found, err := f.store.Result(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, payload, `"status":"completed"`)
	assert.Zero(t, f.pendingCount(t))
}

func TestMalformedMessageDeadLettered(t *testing.T) {
	f := newPoolFixture(t, &fakeInvoker{text: "fine"})
	ctx := context.Background()
	require.NoError(t, f.store.EnsureGroup(ctx, coord.InferenceStream, coord.ConsumerGroup))
	_, err := f.store.StreamAdd(ctx, coord.InferenceStream, map[string]interface{}{"junk": "1"})
	require.NoError(t, err)
	msgs, err := f.store.ReadGroup(ctx, coord.InferenceStream, coord.ConsumerGroup, "w0", 5, time.Millisecond)
	require.NoError(t, err)

	f.pool.handle(ctx, "w0", msgs[0])

	depth, err := f.store.QueueDepth(ctx, coord.DeadLetterStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	assert.Zero(t, f.pendingCount(t))
}

func TestCanaryInjectedForRiskyUsers(t *testing.T) {
	f := newPoolFixture(t, &fakeInvoker{text: "a perfectly safe answer"})
	_, err := f.store.BumpRisk(context.Background(), "u-risky", 0.6, 0.05)
	require.NoError(t, err)
	msg := f.enqueue(t, "r1", "u-risky", "hello")

	f.pool.handle(context.Background(), "w0", msg)

	payload, found, err := f.store.Result(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, precheck.ContainsCanary(payload))
}

func TestLowRiskGetsNoCanary(t *testing.T) {
	f := newPoolFixture(t, &fakeInvoker{text: "a perfectly safe answer"})
	msg := f.enqueue(t, "r1", "u1", "hello")

	f.pool.handle(context.Background(), "w0", msg)

	payload, _, err := f.store.Result(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, precheck.ContainsCanary(payload))
}
