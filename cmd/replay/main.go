// Command replay re-queues inference messages stuck in the consumer group:
// claimed by a worker that died, or delivered past the retry budget. Messages
// over the budget move to the dead-letter stream instead of cycling forever.
//
// Usage:
//
//	replay [-min-idle 60s] [-max-retries 5] [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aegis/backend/internal/config"
	"github.com/aegis/backend/internal/coord"
)

func main() {
	minIdle := flag.Duration("min-idle", time.Minute, "minimum pending idle time before a message is claimed")
	maxRetries := flag.Int("max-retries", 5, "delivery attempts before dead-lettering")
	dryRun := flag.Bool("dry-run", false, "report without claiming")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	store, err := coord.New(cfg.RedisURL)
	if err != nil {
		slog.Error("coordination store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := replay(ctx, store, *minIdle, int64(*maxRetries), *dryRun); err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func replay(ctx context.Context, store *coord.Store, minIdle time.Duration, maxRetries int64, dryRun bool) error {
	pending, err := store.Pending(ctx, coord.InferenceStream, coord.ConsumerGroup, 500)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending messages")
		return nil
	}

	var claim, bury []string
	for _, p := range pending {
		switch {
		case p.RetryCount > maxRetries:
			bury = append(bury, p.ID)
		case p.Idle >= minIdle:
			claim = append(claim, p.ID)
		}
	}
	fmt.Printf("pending=%d claimable=%d over-budget=%d\n", len(pending), len(claim), len(bury))
	if dryRun {
		return nil
	}

	if len(claim) > 0 {
		// Claiming onto the replay consumer resets idle time; live workers
		// will pick the messages back up through the pending scan.
		msgs, err := store.Claim(ctx, coord.InferenceStream, coord.ConsumerGroup,
			"replay-tool", minIdle, claim...)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		for _, msg := range msgs {
			if _, err := store.StreamAdd(ctx, coord.InferenceStream, msg.Values); err != nil {
				return fmt.Errorf("requeue %s: %w", msg.ID, err)
			}
			if err := store.Ack(ctx, coord.InferenceStream, coord.ConsumerGroup, msg.ID); err != nil {
				slog.Warn("ack after requeue failed", "stream_id", msg.ID, "error", err)
			}
			// The idempotency marker must go so the re-queued copy processes.
			if id, ok := msg.Values["request_id"].(string); ok && id != "" {
				_ = store.Del(ctx, "processed:"+id)
			}
			slog.Info("requeued", "stream_id", msg.ID)
		}
	}

	if len(bury) > 0 {
		msgs, err := store.Claim(ctx, coord.InferenceStream, coord.ConsumerGroup,
			"replay-tool", 0, bury...)
		if err != nil {
			return fmt.Errorf("claim for dead-letter: %w", err)
		}
		for _, msg := range msgs {
			values := map[string]interface{}{"origin_id": msg.ID, "error": "retry budget exhausted"}
			for k, v := range msg.Values {
				values[k] = v
			}
			if _, err := store.StreamAdd(ctx, coord.DeadLetterStream, values); err != nil {
				return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
			}
			if err := store.Ack(ctx, coord.InferenceStream, coord.ConsumerGroup, msg.ID); err != nil {
				slog.Warn("ack after dead-letter failed", "stream_id", msg.ID, "error", err)
			}
			slog.Warn("dead-lettered", "stream_id", msg.ID, "retries", maxRetries)
		}
	}
	return nil
}
