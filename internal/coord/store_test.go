package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func TestSuspension(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	_, suspended, err := s.Suspension(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, suspended)

	require.NoError(t, s.Suspend(ctx, "u1", "jailbreak", "audit-123", time.Hour))
	val, suspended, err := s.Suspension(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, "jailbreak:audit-123", val)

	// TTL expiry lifts the suspension.
	mr.FastForward(2 * time.Hour)
	_, suspended, err = s.Suspension(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, suspended)
}

func TestBlocklist(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.BlocklistAdd(ctx, "bad phrase", "another one"))
	members, err := s.BlocklistMembers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bad phrase", "another one"}, members)
}

func TestStreamRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, InferenceStream, ConsumerGroup))
	// Idempotent against BUSYGROUP.
	require.NoError(t, s.EnsureGroup(ctx, InferenceStream, ConsumerGroup))

	_, err := s.StreamAdd(ctx, InferenceStream, map[string]interface{}{"request_id": "r1"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, InferenceStream, ConsumerGroup, "w0", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].Values["request_id"])

	// Unacked messages show up as pending.
	pending, err := s.Pending(ctx, InferenceStream, ConsumerGroup, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Ack(ctx, InferenceStream, ConsumerGroup, msgs[0].ID))
	pending, err = s.Pending(ctx, InferenceStream, ConsumerGroup, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	depth, err := s.QueueDepth(ctx, InferenceStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestResultMirror(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, found, err := s.Result(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetResult(ctx, "r1", `{"status":"completed"}`, time.Hour))
	val, found, err := s.Result(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"status":"completed"}`, val)
}

func TestMarkProcessedIdempotent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "r1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkProcessed(ctx, "r1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestTokenBucket(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	// Capacity 3, no meaningful refill inside the test.
	for i := 0; i < 3; i++ {
		allowed, _, err := s.TakeToken(ctx, "bucket:t", 3, 0.001, now)
		require.NoError(t, err)
		assert.True(t, allowed, "take %d", i)
	}
	allowed, remaining, err := s.TakeToken(ctx, "bucket:t", 3, 0.001, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Less(t, remaining, 1.0)

	// Refill restores tokens proportionally to elapsed time.
	allowed, _, err = s.TakeToken(ctx, "bucket:t", 3, 0.001, now.Add(2000*time.Second))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMisuseWindow(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		count, err := s.RecordMisuse(ctx, "u1", time.Hour, string(rune('a'+i)), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), count)
	}

	// Events older than the window fall out.
	count, err := s.RecordMisuse(ctx, "u1", time.Hour, "late", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBucketPenalty(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	frac, err := s.BucketPenalty(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, frac)

	require.NoError(t, s.SetBucketPenalty(ctx, "u1", 0.25, time.Hour))
	frac, err = s.BucketPenalty(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, frac)
}

func TestRiskScoreBumpAndFloor(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	score, err := s.RiskScore(ctx, "u1", 0.05)
	require.NoError(t, err)
	assert.Zero(t, score)

	score, err = s.BumpRisk(ctx, "u1", 0.6, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, score, 0.001)

	// Bumps saturate at 1.0.
	score, err = s.BumpRisk(ctx, "u1", 0.9, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 0.001)
}

func TestDynamicRules(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	blob := `{"id":"dyn1","match_kind":"keyword","keywords":["x"],"enabled":true}`
	require.NoError(t, s.DynamicRuleAdd(ctx, blob))
	blobs, err := s.DynamicRules(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, blob, blobs[0])
}
