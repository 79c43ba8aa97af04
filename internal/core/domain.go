// Package core holds the shared domain types for the safety enforcement
// pipeline: trust tiers, severities, actions, reason codes and the request
// envelope that flows from the middleware through the worker pool.
package core

import "time"

// TrustTier is the coarse trust bucket derived from credentials.
// Ordering is total: anon < user < verified < privileged.
type TrustTier string

const (
	TierAnon       TrustTier = "anon"
	TierUser       TrustTier = "user"
	TierVerified   TrustTier = "verified"
	TierPrivileged TrustTier = "privileged"
)

// Level returns the ordinal position of the tier. Unknown tiers rank as anon.
func (t TrustTier) Level() int {
	switch t {
	case TierPrivileged:
		return 3
	case TierVerified:
		return 2
	case TierUser:
		return 1
	default:
		return 0
	}
}

// Severity classifies how dangerous a rule match or escalation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a sort key where critical ranks first (0).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() <= other.Rank()
}

// Action is what a matching rule asks the pipeline to do.
type Action string

const (
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
	ActionLog      Action = "log"
	ActionWarn     Action = "warn"
	ActionCanary   Action = "canary"
)

// Identity is a resolved caller identity, valid for one request.
type Identity struct {
	ID       string
	Tier     TrustTier
	Metadata map[string]string
}

// Request is the envelope assigned at ingress and carried through every
// log line, audit row and stream message.
type Request struct {
	RequestID string
	TraceID   string
	Identity  Identity
	InputText string
	Metadata  map[string]string
	Received  time.Time
}
