// Package worker runs the asynchronous half of the pipeline: a pool of
// consumers draining the inference stream, each message going through the
// sandboxed model call and the post-generation screen before anything is
// released. Messages are acknowledged only after a terminal outcome; a crash
// mid-message leaves it pending for redelivery.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis/backend/internal/coord"
	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/escalate"
	"github.com/aegis/backend/internal/events"
	"github.com/aegis/backend/internal/governor"
	"github.com/aegis/backend/internal/metrics"
	"github.com/aegis/backend/internal/postcheck"
	"github.com/aegis/backend/internal/precheck"
	"github.com/aegis/backend/internal/sandbox"
)

// Invoker is the sandboxed model call contract the pool depends on.
type Invoker interface {
	Invoke(ctx context.Context, identity core.Identity, params sandbox.Params) (*sandbox.Result, error)
}

// Config bounds the pool.
type Config struct {
	Count            int
	BatchSize        int64
	PostCheckTimeout time.Duration
	ResultTTL        time.Duration
	CanaryBaseRisk   float64
	RiskDecayPerHour float64
}

// Pool is the worker pool. One Run call owns its goroutines until the
// context is cancelled.
type Pool struct {
	store     *coord.Store
	invoker   Invoker
	postcheck *postcheck.Detector
	escalator *escalate.Manager
	tracker   *governor.Tracker
	metrics   *metrics.Metrics
	cfg       Config
}

// NewPool wires the pool. tracker and metrics may be nil.
func NewPool(store *coord.Store, invoker Invoker, pc *postcheck.Detector,
	esc *escalate.Manager, tracker *governor.Tracker, m *metrics.Metrics, cfg Config) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PostCheckTimeout <= 0 {
		cfg.PostCheckTimeout = 10 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if cfg.CanaryBaseRisk <= 0 {
		cfg.CanaryBaseRisk = 0.4
	}
	return &Pool{
		store:     store,
		invoker:   invoker,
		postcheck: pc,
		escalator: esc,
		tracker:   tracker,
		metrics:   m,
		cfg:       cfg,
	}
}

// Run starts the consumers and blocks until the context is cancelled and
// every in-flight message has reached a terminal state.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.store.EnsureGroup(ctx, coord.InferenceStream, coord.ConsumerGroup); err != nil {
		return fmt.Errorf("worker pool: ensure group: %w", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.consume(ctx, consumer)
		}()
	}
	wg.Wait()
	slog.Info("worker pool drained")
	return nil
}

func (p *Pool) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := p.store.ReadGroup(ctx, coord.InferenceStream, coord.ConsumerGroup,
			consumer, p.cfg.BatchSize, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("stream read failed", "consumer", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			p.handle(ctx, consumer, msg)
		}
	}
}

// job is the wire shape of one inference-stream message.
type job struct {
	request core.Request
	params  sandbox.Params
}

func parseJob(msg redis.XMessage) (job, error) {
	get := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	j := job{
		request: core.Request{
			RequestID: get("request_id"),
			TraceID:   get("trace_id"),
			InputText: get("input"),
			Identity: core.Identity{
				ID:   get("user_id"),
				Tier: core.TrustTier(get("tier")),
			},
		},
	}
	if j.request.RequestID == "" || j.request.Identity.ID == "" {
		return j, fmt.Errorf("message %s missing request_id/user_id", msg.ID)
	}
	if ts := get("received"); ts != "" {
		j.request.Received, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw := get("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.params); err != nil {
			return j, fmt.Errorf("message %s: bad params: %w", msg.ID, err)
		}
	}
	if j.params.Prompt == "" && len(j.params.Messages) == 0 {
		j.params.Prompt = j.request.InputText
	}
	return j, nil
}

// handle drives one message to a terminal state. Only unexpected
// infrastructure errors leave the message unacked for redelivery.
func (p *Pool) handle(ctx context.Context, consumer string, msg redis.XMessage) {
	log := slog.With("consumer", consumer, "stream_id", msg.ID)

	j, err := parseJob(msg)
	if err != nil {
		// Malformed messages can never succeed; dead-letter and ack.
		log.Error("unparseable message, dead-lettering", "error", err)
		p.deadLetter(ctx, msg, err.Error())
		p.ack(ctx, msg.ID)
		p.count("error")
		return
	}
	log = log.With("request_id", j.request.RequestID, "trace_id", j.request.TraceID)

	// Redelivery of an already-completed request must not call the model again.
	first, err := p.store.MarkProcessed(ctx, j.request.RequestID, p.cfg.ResultTTL)
	if err != nil {
		log.Error("idempotency check failed, leaving pending", "error", err)
		return
	}
	if !first {
		log.Info("duplicate delivery, skipping")
		p.ack(ctx, msg.ID)
		return
	}

	result, err := p.invoker.Invoke(ctx, j.request.Identity, j.params)
	if err != nil {
		// Model failures are usually transient; leave the message pending so
		// redelivery retries it, bounded by the replay tool's retry budget.
		log.Warn("model call failed, leaving pending", "error", err)
		p.publishError(ctx, j.request, err)
		p.unmarkProcessed(ctx, j.request.RequestID)
		p.count("error")
		return
	}
	if p.metrics != nil {
		p.metrics.SandboxLatency.Observe(result.LatencySeconds)
		p.metrics.SandboxTokens.Observe(float64(result.TokensUsed))
	}

	// Post-check under its own deadline. Hitting the deadline flags the
	// output rather than releasing it unchecked.
	pcCtx, cancel := context.WithTimeout(ctx, p.cfg.PostCheckTimeout)
	verdict := p.postcheck.Check(pcCtx, j.request.InputText, result.Text)
	timedOut := pcCtx.Err() == context.DeadlineExceeded
	cancel()
	if timedOut && !verdict.Flagged {
		verdict = postcheck.Result{
			Flagged:    true,
			ReasonCode: core.ReasonPostCheckTimeout,
			Severity:   core.SeverityHigh,
			Scores:     verdict.Scores,
		}
	}

	if verdict.Flagged {
		p.recordOutcome(j.request.Identity.ID, 1, false)
		if _, err := p.escalator.Escalate(ctx, escalate.Flag{
			Request:    j.request,
			Output:     result.Text,
			ReasonCode: verdict.ReasonCode,
			Severity:   verdict.Severity,
			Evidence:   verdict.Evidence,
			Scores:     verdict.Scores,
		}); err != nil {
			// Durable audit failed: the flag would be lost, so leave the
			// message pending and undo the idempotency marker.
			log.Error("escalation failed, leaving pending", "error", err)
			p.publishError(ctx, j.request, err)
			p.unmarkProcessed(ctx, j.request.RequestID)
			p.count("error")
			return
		}
		p.setResult(ctx, j.request.RequestID, map[string]string{
			"status": "held_for_review",
		})
		p.ack(ctx, msg.ID)
		p.count("flagged")
		return
	}

	p.recordOutcome(j.request.Identity.ID, 0, true)

	text := result.Text
	if p.shouldCanary(ctx, j.request.Identity.ID) {
		text = precheck.InjectCanary(text)
		if p.metrics != nil {
			p.metrics.CanariesInjected.Inc()
		}
		log.Info("canary injected")
	}

	if _, err := p.store.StreamAdd(ctx, coord.ResponseStream, map[string]interface{}{
		"request_id":  j.request.RequestID,
		"user_id":     j.request.Identity.ID,
		"text":        text,
		"tokens_used": result.TokensUsed,
	}); err != nil {
		log.Error("response publish failed, leaving pending", "error", err)
		p.publishError(ctx, j.request, err)
		p.unmarkProcessed(ctx, j.request.RequestID)
		p.count("error")
		return
	}
	p.setResult(ctx, j.request.RequestID, map[string]interface{}{
		"status":      "completed",
		"text":        text,
		"tokens_used": result.TokensUsed,
	})
	p.ack(ctx, msg.ID)
	p.count("completed")
	log.Info("request completed", "tokens_used", result.TokensUsed,
		"latency_seconds", result.LatencySeconds)
}

// shouldCanary decides whether the released text gets a tracking canary,
// driven by the caller's long-running risk score.
func (p *Pool) shouldCanary(ctx context.Context, userID string) bool {
	score, err := p.store.RiskScore(ctx, userID, p.cfg.RiskDecayPerHour)
	if err != nil {
		return false
	}
	return score >= p.cfg.CanaryBaseRisk
}

func (p *Pool) recordOutcome(userID string, detections int, safe bool) {
	if p.tracker != nil {
		p.tracker.RecordOutcome(userID, detections, safe)
	}
}

func (p *Pool) setResult(ctx context.Context, requestID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.store.SetResult(ctx, requestID, string(raw), p.cfg.ResultTTL); err != nil {
		slog.Warn("result mirror failed", "request_id", requestID, "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, id string) {
	if err := p.store.Ack(ctx, coord.InferenceStream, coord.ConsumerGroup, id); err != nil {
		slog.Warn("ack failed", "stream_id", id, "error", err)
	}
}

func (p *Pool) unmarkProcessed(ctx context.Context, requestID string) {
	if err := p.store.Del(ctx, "processed:"+requestID); err != nil {
		slog.Warn("idempotency rollback failed", "request_id", requestID, "error", err)
	}
}

func (p *Pool) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := map[string]interface{}{"origin_id": msg.ID, "error": reason}
	for k, v := range msg.Values {
		values[k] = v
	}
	if _, err := p.store.StreamAdd(ctx, coord.DeadLetterStream, values); err != nil {
		slog.Error("dead-letter publish failed", "stream_id", msg.ID, "error", err)
	}
}

func (p *Pool) publishError(ctx context.Context, req core.Request, cause error) {
	fields := events.Fields(events.ProcessingError{
		RequestID: req.RequestID,
		Error:     cause.Error(),
		TraceID:   req.TraceID,
		At:        time.Now(),
	})
	if _, err := p.store.StreamAdd(ctx, coord.AuditStream, fields); err != nil {
		slog.Warn("processing-error publish failed", "request_id", req.RequestID, "error", err)
	}
}

// MonitorDepth exports the stream depth gauge on an interval.
func (p *Pool) MonitorDepth(ctx context.Context, every time.Duration) {
	if p.metrics == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := p.store.QueueDepth(ctx, coord.InferenceStream); err == nil {
				p.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

func (p *Pool) count(outcome string) {
	if p.metrics != nil {
		p.metrics.WorkerProcessed.WithLabelValues(outcome).Inc()
	}
}
