// Package notify delivers reviewer notifications out-of-band. Delivery is
// best-effort: a failed webhook is logged and dropped, it never blocks or
// fails the escalation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aegis/backend/internal/core"
)

// Notification is one reviewer alert.
type Notification struct {
	RequestID  string        `json:"request_id"`
	UserID     string        `json:"user_id"`
	ReasonCode string        `json:"reason_code"`
	Severity   core.Severity `json:"severity"`
	Evidence   string        `json:"evidence,omitempty"`
	ReviewURL  string        `json:"review_url,omitempty"`
	At         time.Time     `json:"at"`
}

// Config holds the delivery endpoints. Empty URLs disable the sink.
type Config struct {
	ChatWebhookURL string // every escalation
	IncidentURL    string // high and critical only
	ReviewBaseURL  string // linked in the chat message
	Workers        int
	QueueSize      int
}

// Notifier fans notifications out to the configured sinks from a small
// worker pool. Enqueue never blocks; a full queue drops with a warning.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan Notification
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New builds the notifier and starts its workers.
func New(cfg Config) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	n := &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan Notification, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Enqueue queues a notification for async delivery. Never blocks, and a
// late escalation arriving after Close is dropped instead of panicking on
// the closed queue.
func (n *Notifier) Enqueue(note Notification) {
	if note.ReviewURL == "" && n.cfg.ReviewBaseURL != "" {
		note.ReviewURL = n.cfg.ReviewBaseURL + "/review?request_id=" + note.RequestID
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		slog.Warn("notifier closed, dropping",
			"request_id", note.RequestID, "severity", note.Severity)
		return
	}
	select {
	case n.queue <- note:
	default:
		slog.Warn("notification queue full, dropping",
			"request_id", note.RequestID, "severity", note.Severity)
	}
}

// Close drains the queue and stops the workers. Safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for note := range n.queue {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	if n.cfg.ChatWebhookURL != "" {
		n.post(n.cfg.ChatWebhookURL, chatPayload(note), "chat", note.RequestID)
	}
	if n.cfg.IncidentURL != "" && note.Severity.AtLeast(core.SeverityHigh) {
		n.post(n.cfg.IncidentURL, note, "incident", note.RequestID)
	}
}

func (n *Notifier) post(url string, payload interface{}, sink, requestID string) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("notification marshal failed", "sink", sink, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("notification build failed", "sink", sink, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification delivery failed", "sink", sink,
			"request_id", requestID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("notification rejected", "sink", sink,
			"request_id", requestID, "status", resp.StatusCode)
	}
}

// chatPayload shapes the message for slack-compatible webhooks.
func chatPayload(note Notification) map[string]string {
	text := "Escalation [" + string(note.Severity) + "] " + note.ReasonCode +
		" request=" + note.RequestID + " user=" + note.UserID
	if note.ReviewURL != "" {
		text += " review: " + note.ReviewURL
	}
	return map[string]string{"text": text}
}
