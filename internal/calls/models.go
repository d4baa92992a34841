package calls

import (
	"encoding/json"
	"time"
)

// CallRecord is the manager-owned state of a single voice call.
//
// Ownership invariant: only the call manager mutates a CallRecord. Provider
// adapters and API handlers see copies.
//
// CallID is minted internally at initiation and never changes. ProviderCallID
// is the vendor's identifier and MAY be reassigned mid-call: some vendors hand
// out a provisional id at creation and report the real one in later webhooks.

type CallRecord struct {
	CallID         string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id"`

	Direction CallDirection `json:"direction"`
	Status    CallStatus    `json:"status"`

	// To and From are E.164 where possible.
	To   string `json:"to"`
	From string `json:"from"`

	// SessionKey correlates the call with an orchestration session, if any.
	SessionKey string `json:"session_key,omitempty"`

	// Mode controls post-greeting behavior: "conversation" keeps the line
	// open for prompt/transcript exchanges, "notify" hangs up after the
	// initial message has been spoken.
	Mode CallMode `json:"mode"`

	// PendingInitialMessage is spoken once when the media channel goes live,
	// then cleared.
	PendingInitialMessage string `json:"pending_initial_message,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// Terminal reports whether s is a sink state. Terminal calls accept no
// further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

type CallDirection string

const (
	DirectionOutbound CallDirection = "outbound"
	DirectionInbound  CallDirection = "inbound"
)

type CallMode string

const (
	ModeConversation CallMode = "conversation"
	ModeNotify       CallMode = "notify"
)

// NormalizedEvent is the vendor-agnostic form of a webhook-reported
// occurrence. Adapters produce these; the manager consumes them.
//
// Events parsed from vendor webhooks usually carry only ProviderCallID;
// events synthesized internally carry CallID.

type NormalizedEvent struct {
	// ID must be stable across redeliveries of the same vendor webhook so
	// the manager can apply each event exactly once.
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	CallID         string `json:"call_id,omitempty"`
	ProviderCallID string `json:"provider_call_id,omitempty"`

	// PriorProviderCallID carries the superseded vendor id when an event
	// reports an identifier change, so the call is still resolvable while it
	// is indexed under a provisional id.
	PriorProviderCallID string `json:"prior_provider_call_id,omitempty"`

	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type EventType string

const (
	EventCallInitiated     EventType = "call.initiated"
	EventCallRinging       EventType = "call.ringing"
	EventCallAnswered      EventType = "call.answered"
	EventCallCompleted     EventType = "call.completed"
	EventCallFailed        EventType = "call.failed"
	EventCallNoAnswer      EventType = "call.no_answer"
	EventTranscriptPartial EventType = "transcript.partial"
	EventTranscriptFinal   EventType = "transcript.final"
)

// TranscriptPayload is the payload carried by transcript.* events.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// StatusFor maps a lifecycle event type to the status it drives the call
// into. ok is false for types that do not change status (transcripts).
func StatusFor(t EventType) (CallStatus, bool) {
	switch t {
	case EventCallInitiated:
		return CallStatusInitiating, true
	case EventCallRinging:
		return CallStatusRinging, true
	case EventCallAnswered:
		return CallStatusInProgress, true
	case EventCallCompleted:
		return CallStatusCompleted, true
	case EventCallFailed:
		return CallStatusFailed, true
	case EventCallNoAnswer:
		return CallStatusNoAnswer, true
	default:
		return "", false
	}
}
