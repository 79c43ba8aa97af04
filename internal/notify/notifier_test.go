package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis/backend/internal/core"
)

type sink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *sink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()
	})
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func TestChatDeliveryForEverySeverity(t *testing.T) {
	chat := &sink{}
	srv := httptest.NewServer(chat.handler())
	defer srv.Close()

	n := New(Config{ChatWebhookURL: srv.URL, ReviewBaseURL: "https://reviews.internal"})
	n.Enqueue(Notification{
		RequestID: "r1", UserID: "u1", ReasonCode: "JAILBREAK",
		Severity: core.SeverityLow, At: time.Now(),
	})
	n.Close()

	require.Equal(t, 1, chat.count())
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(chat.bodies[0]), &payload))
	assert.Contains(t, payload["text"], "JAILBREAK")
	assert.Contains(t, payload["text"], "r1")
	assert.Contains(t, payload["text"], "https://reviews.internal/review?request_id=r1")
}

func TestIncidentSinkOnlyHighAndCritical(t *testing.T) {
	chat := &sink{}
	incidents := &sink{}
	chatSrv := httptest.NewServer(chat.handler())
	defer chatSrv.Close()
	incidentSrv := httptest.NewServer(incidents.handler())
	defer incidentSrv.Close()

	n := New(Config{ChatWebhookURL: chatSrv.URL, IncidentURL: incidentSrv.URL})
	n.Enqueue(Notification{RequestID: "r1", Severity: core.SeverityMedium, At: time.Now()})
	n.Enqueue(Notification{RequestID: "r2", Severity: core.SeverityHigh, At: time.Now()})
	n.Enqueue(Notification{RequestID: "r3", Severity: core.SeverityCritical, At: time.Now()})
	n.Close()

	assert.Equal(t, 3, chat.count())
	assert.Equal(t, 2, incidents.count())
}

func TestFailedDeliveryNeverPanics(t *testing.T) {
	n := New(Config{ChatWebhookURL: "http://127.0.0.1:1"})
	n.Enqueue(Notification{RequestID: "r1", Severity: core.SeverityHigh, At: time.Now()})
	n.Close() // drains without error
}

func TestNoSinksConfigured(t *testing.T) {
	n := New(Config{})
	n.Enqueue(Notification{RequestID: "r1", Severity: core.SeverityCritical, At: time.Now()})
	n.Close()
}

func TestEnqueueAfterCloseDropped(t *testing.T) {
	chat := &sink{}
	srv := httptest.NewServer(chat.handler())
	defer srv.Close()

	n := New(Config{ChatWebhookURL: srv.URL})
	n.Close()
	n.Close() // second close is a no-op

	// A straggler escalation after shutdown is dropped, not a panic.
	n.Enqueue(Notification{RequestID: "late", Severity: core.SeverityCritical, At: time.Now()})
	assert.Zero(t, chat.count())
}
