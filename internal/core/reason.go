package core

import "net/http"

// ReasonCode is the single consolidated enumeration of deterministic refusal
// and flag codes. Rule-derived codes (the rule category, uppercased) are not
// listed here; HTTPStatus treats any unknown code as a policy refusal.
type ReasonCode = string

const (
	ReasonSafetyUnavailable     ReasonCode = "SAFETY_UNAVAILABLE"
	ReasonUserSuspended         ReasonCode = "USER_SUSPENDED"
	ReasonSuspensionUnavailable ReasonCode = "SUSPENSION_CHECK_UNAVAILABLE"
	ReasonInputTooLong          ReasonCode = "INPUT_TOO_LONG"
	ReasonRateLimited           ReasonCode = "RATE_LIMITED"
	ReasonStaminaExhausted      ReasonCode = "STAMINA_EXHAUSTED"
	ReasonCooldownActive        ReasonCode = "COOLDOWN_ACTIVE"
	ReasonDynamicBlocklist      ReasonCode = "DYNAMIC_BLOCKLIST"
	ReasonHighEntropy           ReasonCode = "HIGH_ENTROPY_PAYLOAD"
	ReasonCanaryDetected        ReasonCode = "SAFETY_CANARY_DETECTED"
	ReasonDetectorError         ReasonCode = "DETECTOR_ERROR"
	ReasonPostCheckTimeout      ReasonCode = "POST_CHECK_TIMEOUT"
	ReasonCoherenceMismatch     ReasonCode = "OUTPUT_COHERENCE_MISMATCH"
	ReasonInvalidCSRF           ReasonCode = "INVALID_CSRF_TOKEN"
)

// HTTPStatus maps a reason code onto the wire status. 403 for policy
// refusals, 429 for governor denials, 503 when safety itself is unavailable.
func HTTPStatus(code ReasonCode) int {
	switch code {
	case ReasonSafetyUnavailable, ReasonSuspensionUnavailable:
		return http.StatusServiceUnavailable
	case ReasonRateLimited, ReasonStaminaExhausted, ReasonCooldownActive:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// Refusal is the uniform envelope returned to the caller on every
// deterministic refusal. The explanation is deliberately uninformative;
// the precise reason lives in the audit row behind the support ticket id.
type Refusal struct {
	Refused         bool       `json:"refused"`
	ReasonCode      ReasonCode `json:"reason_code"`
	Explanation     string     `json:"explanation"`
	SupportTicketID string     `json:"support_ticket_id"`
	RetryAfter      int        `json:"retry_after,omitempty"`
}

// NewRefusal builds the standard refusal envelope for a trace.
func NewRefusal(code ReasonCode, traceID string) Refusal {
	return Refusal{
		Refused:         true,
		ReasonCode:      code,
		Explanation:     "request denied",
		SupportTicketID: "audit-" + traceID,
	}
}
