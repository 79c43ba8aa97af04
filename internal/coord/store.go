// Package coord wraps the shared Redis coordination store. Every counter,
// rate bucket, suspension, blocklist entry and stream the pipeline depends on
// lives here; processes never assume in-memory coherence with each other.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream and key names shared across the fleet.
const (
	InferenceStream  = "inference-stream"
	ResponseStream   = "response-stream"
	AuditStream      = "audit-stream"
	DeadLetterStream = "dead-letter-stream"
	ConsumerGroup    = "safety-workers"

	blocklistKey    = "dynamic_blocklist"
	dynamicRulesKey = "guardian:dynamic_rules"
)

// ErrUnavailable is returned when the store cannot be reached. Callers are
// expected to fail closed on it.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is the process-wide handle on the coordination store.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis using a redis:// URL and verifies connectivity.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}
	slog.Info("coordination store connected", "addr", opts.Addr, "db", opts.DB)
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Close shuts down the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports whether the store is reachable right now.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// =============================================================================
// Generic KV (backoff state, flags)
// =============================================================================

// SetString writes a string value with a TTL.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString reads a string value; missing keys return "".
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of a key; 0 when absent or persistent.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// =============================================================================
// Suspensions
// =============================================================================

// Suspend writes suspended:{user} = "reason:auditID" with the given TTL.
func (s *Store) Suspend(ctx context.Context, userID, reason, auditID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, "suspended:"+userID, reason+":"+auditID, ttl).Err()
}

// Suspension returns (value, true) when the user is suspended. A store error
// is returned as-is so the caller can fail closed.
func (s *Store) Suspension(ctx context.Context, userID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, "suspended:"+userID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, true, nil
}

// =============================================================================
// Dynamic blocklist + dynamic rules
// =============================================================================

// BlocklistAdd stores a case-folded phrase reviewers want blocked pre-check.
func (s *Store) BlocklistAdd(ctx context.Context, phrases ...string) error {
	members := make([]interface{}, len(phrases))
	for i, p := range phrases {
		members[i] = p
	}
	return s.rdb.SAdd(ctx, blocklistKey, members...).Err()
}

// BlocklistMembers returns the current dynamic blocklist.
func (s *Store) BlocklistMembers(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, blocklistKey).Result()
}

// DynamicRules returns admin-injected rule JSON blobs.
func (s *Store) DynamicRules(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, dynamicRulesKey).Result()
}

// DynamicRuleAdd injects a rule JSON blob picked up on the next reload.
func (s *Store) DynamicRuleAdd(ctx context.Context, ruleJSON string) error {
	return s.rdb.SAdd(ctx, dynamicRulesKey, ruleJSON).Err()
}

// =============================================================================
// Streams (consumer-group semantics, at-least-once)
// =============================================================================

// StreamAdd appends a message and returns its stream id.
func (s *Store) StreamAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// ReadGroup batch-reads up to count pending-new messages for a consumer.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, st := range res {
		msgs = append(msgs, st.Messages...)
	}
	return msgs, nil
}

// Ack acknowledges a processed message.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	return s.rdb.XAck(ctx, stream, group, id).Err()
}

// Pending lists pending entries for the replay tool.
func (s *Store) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: count,
	}).Result()
}

// Claim transfers ownership of stale pending messages to a consumer.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.XMessage, error) {
	return s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream: stream, Group: group, Consumer: consumer, MinIdle: minIdle, Messages: ids,
	}).Result()
}

// QueueDepth returns the current length of a stream.
func (s *Store) QueueDepth(ctx context.Context, stream string) (int64, error) {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen %s: %v", ErrUnavailable, stream, err)
	}
	return n, nil
}

// =============================================================================
// Request results (status endpoint cache)
// =============================================================================

// SetResult mirrors a completed response for the /status endpoint.
func (s *Store) SetResult(ctx context.Context, requestID, payload string, ttl time.Duration) error {
	return s.rdb.Set(ctx, "result:"+requestID, payload, ttl).Err()
}

// Result returns the stored response payload, if any.
func (s *Store) Result(ctx context.Context, requestID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, "result:"+requestID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// MarkProcessed records that a request id has been fully handled so redelivery
// stays idempotent. Returns true on first call for the id.
func (s *Store) MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "processed:"+requestID, "1", ttl).Result()
}

// =============================================================================
// Risk score + capacity penalty
// =============================================================================

// RiskScore reads the decayed long-running risk score in [0,1].
func (s *Store) RiskScore(ctx context.Context, userID string, decayPerHour float64) (float64, error) {
	vals, err := s.rdb.HMGet(ctx, "risk:"+userID, "score", "updated").Result()
	if err != nil {
		return 0, err
	}
	score, _ := toFloat(vals[0])
	updated, _ := toFloat(vals[1])
	if updated > 0 {
		elapsedH := time.Since(time.Unix(int64(updated), 0)).Hours()
		score -= decayPerHour * elapsedH
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// BumpRisk raises the risk score after a severe security event.
func (s *Store) BumpRisk(ctx context.Context, userID string, delta, decayPerHour float64) (float64, error) {
	score, err := s.RiskScore(ctx, userID, decayPerHour)
	if err != nil {
		return 0, err
	}
	score += delta
	if score > 1 {
		score = 1
	}
	err = s.rdb.HSet(ctx, "risk:"+userID, "score", score, "updated", time.Now().Unix()).Err()
	return score, err
}

// SetBucketPenalty tightens a user's effective rate capacity to the given
// fraction, used by the systematic-misuse response.
func (s *Store) SetBucketPenalty(ctx context.Context, userID string, fraction float64, ttl time.Duration) error {
	return s.rdb.Set(ctx, "ratelimit:penalty:"+userID, strconv.FormatFloat(fraction, 'f', -1, 64), ttl).Err()
}

// BucketPenalty returns the active capacity fraction (1.0 when none).
func (s *Store) BucketPenalty(ctx context.Context, userID string) (float64, error) {
	val, err := s.rdb.Get(ctx, "ratelimit:penalty:"+userID).Result()
	if err == redis.Nil {
		return 1.0, nil
	}
	if err != nil {
		return 1.0, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 || f > 1 {
		return 1.0, nil
	}
	return f, nil
}

func toFloat(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
