package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"callbridge/internal/calls"
)

// Provider defines the vendor-agnostic telephony contract used by the call
// manager.
//
// Rules:
// - No vendor SDK or HTTP calls outside telephony adapters.
// - Adapters normalize vendor webhooks into calls.NormalizedEvent; they never
//   touch manager state.
// - Control operations (hangup, TTS, listening) are fire-and-forget at the
//   vendor: the adapter reports the request outcome, not call progress.
// - Vendor "call not found" must surface as ErrProviderCallNotFound so the
//   manager can treat hangups of already-dead calls as no-ops.
type Provider interface {
	Name() string

	// VerifyWebhook authenticates an inbound webhook. It never panics;
	// failures are reported in the result so the boundary can reject with 401.
	VerifyWebhook(ctx context.Context, req WebhookRequest) VerifyResult

	// ParseWebhookEvent converts a verified webhook into zero or more
	// normalized events, plus an optional inline response body some vendor
	// request kinds require (call-control instruction fetches).
	ParseWebhookEvent(ctx context.Context, req WebhookRequest) (ParseResult, error)

	InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error)
	HangupCall(ctx context.Context, providerCallID string) error
	PlayTTS(ctx context.Context, providerCallID, text string) error
	StartListening(ctx context.Context, providerCallID string) error
	StopListening(ctx context.Context, providerCallID string) error
}

// WebhookRequest is the transport-agnostic shape of one webhook delivery.
// The HTTP layer fills it in; adapters never see the raw transport request.
type WebhookRequest struct {
	Headers map[string]string
	RawBody []byte
	URL     string
	Method  string
	Query   url.Values
}

// Header returns a header value; lookup is case-sensitive on the canonical
// form the boundary stored.
func (r WebhookRequest) Header(name string) string {
	return r.Headers[name]
}

type VerifyResult struct {
	OK     bool
	Reason string
}

// ParseResult carries normalized events and, for instruction-fetch requests,
// the synchronous response the vendor expects.
type ParseResult struct {
	Events     []calls.NormalizedEvent
	StatusCode int

	// ProviderResponseBody, when non-nil, must be written back verbatim with
	// ContentType. Repeated instruction fetches for the same call must get
	// byte-identical bodies.
	ProviderResponseBody []byte
	ContentType          string

	// MediaLive marks an instruction-fetch request, i.e. the vendor's signal
	// that the media channel for this call is (about to be) live.
	// ProviderCallID identifies the call it refers to.
	MediaLive      bool
	ProviderCallID string
}

type InitiateCallRequest struct {
	To   string
	From string

	// RingTimeout bounds ringing, in seconds. Zero means vendor default.
	RingTimeout int

	// Mode and InitialMessage let the adapter pre-build the call-control
	// instructions it will serve when the vendor fetches them.
	Mode           calls.CallMode
	InitialMessage string
}

// InitiateCallResult reports the vendor's identifier for the new call.
// ProviderCallID may be provisional; later webhook events carry the real id
// and the manager remaps.
type InitiateCallResult struct {
	ProviderCallID string
	Status         calls.CallStatus
	Provisional    bool
}

// ErrProviderCallNotFound reports that the vendor has no call with the given
// id (typically an HTTP 404). Distinct from transport/API failures.
var ErrProviderCallNotFound = errors.New("telephony: provider call not found")

// VendorError wraps a vendor API failure so callers can surface a readable
// message without parsing vendor responses themselves.
type VendorError struct {
	Provider string
	Op       string
	Status   int
	Message  string
}

func (e *VendorError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s failed: status %d: %s", e.Provider, e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Op, e.Message)
}
