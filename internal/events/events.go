// Package events defines the closed set of audit-stream event records.
// Each record serializes to a stable JSON shape carried as a stream payload;
// consumers switch on the kind field, never on dynamic maps.
package events

import (
	"encoding/json"
	"time"
)

// Event is the closed tagged-variant contract for audit-stream records.
type Event interface {
	Kind() string
}

// RefusalRecorded is emitted when the middleware refuses a request.
type RefusalRecorded struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	ReasonCode string    `json:"reason_code"`
	Severity   string    `json:"severity"`
	TraceID    string    `json:"trace_id"`
	At         time.Time `json:"at"`
}

func (RefusalRecorded) Kind() string { return "refusal" }

// EscalationOpened is emitted when a flagged output enters review.
type EscalationOpened struct {
	AuditID    string    `json:"audit_id"`
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	ReasonCode string    `json:"reason_code"`
	Severity   string    `json:"severity"`
	TraceID    string    `json:"trace_id"`
	At         time.Time `json:"at"`
}

func (EscalationOpened) Kind() string { return "escalation_opened" }

// EscalationResolved is emitted on a reviewer decision.
type EscalationResolved struct {
	RequestID      string    `json:"request_id"`
	Decision       string    `json:"decision"`
	ReviewerID     string    `json:"reviewer_id"`
	LatencySeconds float64   `json:"latency_seconds"`
	At             time.Time `json:"at"`
}

func (EscalationResolved) Kind() string { return "escalation_resolved" }

// SystematicMisuse is emitted when a user crosses the misuse threshold.
type SystematicMisuse struct {
	UserID    string    `json:"user_id"`
	Count     int64     `json:"count"`
	Threshold int       `json:"threshold"`
	At        time.Time `json:"at"`
}

func (SystematicMisuse) Kind() string { return "systematic_misuse" }

// ProcessingError is emitted when a worker fails mid-message; the message
// itself stays pending for redelivery.
type ProcessingError struct {
	RequestID string    `json:"request_id"`
	Error     string    `json:"error"`
	TraceID   string    `json:"trace_id"`
	At        time.Time `json:"at"`
}

func (ProcessingError) Kind() string { return "processing_error" }

// Fields flattens an event into stream key/values: the kind tag plus the
// JSON payload.
func Fields(e Event) map[string]interface{} {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte("{}")
	}
	return map[string]interface{}{
		"event":   e.Kind(),
		"payload": string(payload),
	}
}
