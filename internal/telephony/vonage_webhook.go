package telephony

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyWebhook checks the signed-callback JWT Vonage attaches to webhook
// deliveries: an HS256 bearer token over the signature secret whose
// payload_hash claim must match the SHA-256 of the raw body.
func (p *VonageProvider) VerifyWebhook(ctx context.Context, req WebhookRequest) VerifyResult {
	if p.cfg.SignatureSecret == "" {
		// Unsigned deployments (local dev). The boundary decides whether
		// that is acceptable.
		return VerifyResult{OK: true}
	}

	auth := req.Header("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return VerifyResult{Reason: "missing bearer token"}
	}

	token, err := jwt.Parse(strings.TrimPrefix(auth, prefix), func(t *jwt.Token) (any, error) {
		return []byte(p.cfg.SignatureSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return VerifyResult{Reason: "invalid signature token: " + err.Error()}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return VerifyResult{Reason: "unexpected claims shape"}
	}
	claimed, _ := claims["payload_hash"].(string)
	if claimed == "" {
		return VerifyResult{Reason: "missing payload_hash claim"}
	}

	sum := sha256.Sum256(req.RawBody)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(claimed)), []byte(actual)) != 1 {
		return VerifyResult{Reason: "payload hash mismatch"}
	}
	return VerifyResult{OK: true}
}

// vonageWebhook is the superset of fields across Vonage event and answer
// webhook bodies we care about.
type vonageWebhook struct {
	UUID             string `json:"uuid"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	From             string `json:"from"`
	To               string `json:"to"`
	Timestamp        string `json:"timestamp"`

	Speech *vonageSpeech `json:"speech,omitempty"`
}

type vonageSpeech struct {
	Results       []vonageSpeechResult `json:"results"`
	TimeoutReason string               `json:"timeout_reason,omitempty"`
	Error         *struct {
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type vonageSpeechResult struct {
	Text       string `json:"text"`
	Confidence string `json:"confidence"`
}

// ParseWebhookEvent normalizes one webhook delivery.
//
// Answer-URL fetches get the stored (or freshly built) NCCO body back; the
// first fetch for a provisionally-created call also emits the answered event
// that carries the real-id correspondence. Event-URL deliveries emit
// lifecycle or transcript events and must never touch the stored NCCO,
// except that terminal events release it.
func (p *VonageProvider) ParseWebhookEvent(ctx context.Context, req WebhookRequest) (ParseResult, error) {
	if p.isAnswerRequest(req) {
		return p.parseAnswerRequest(ctx, req)
	}
	return p.parseEventRequest(ctx, req)
}

func (p *VonageProvider) isAnswerRequest(req WebhookRequest) bool {
	answerPath := urlPath(p.cfg.AnswerURL)
	if answerPath != "" && urlPath(req.URL) == answerPath {
		return true
	}
	// Answer fetches are the only GETs Vonage makes at us.
	return req.Method == http.MethodGet
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func (p *VonageProvider) parseAnswerRequest(ctx context.Context, req WebhookRequest) (ParseResult, error) {
	var hook vonageWebhook
	if req.Method == http.MethodGet {
		hook.UUID = req.Query.Get("uuid")
		hook.ConversationUUID = req.Query.Get("conversation_uuid")
		hook.From = req.Query.Get("from")
		hook.To = req.Query.Get("to")
	} else if len(req.RawBody) > 0 {
		if err := json.Unmarshal(req.RawBody, &hook); err != nil {
			return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("telephony: unparseable answer webhook: %w", err)
		}
	}

	key := hook.UUID
	if key == "" {
		key = hook.ConversationUUID
	}
	if key == "" {
		return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("telephony: answer webhook without call id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := ParseResult{
		StatusCode:     http.StatusOK,
		ContentType:    "application/json",
		MediaLive:      true,
		ProviderCallID: key,
	}

	body, ok := p.instructions[key]
	if !ok {
		plan, found := p.plans[key]
		if !found {
			plan, found = p.plans["to:"+hook.To]
		}
		if !found {
			plan = answerPlan{mode: calls.ModeConversation}
		}
		if found && plan.providerCallID != "" && plan.providerCallID != key {
			// The call was created under a provisional id; this fetch is the
			// first time the vendor names its real uuid. Re-key the plan and
			// report the correspondence so the call record follows.
			prior := plan.providerCallID
			delete(p.plans, prior)
			plan.providerCallID = key
			p.plans[key] = plan
			if hook.To != "" {
				p.plans["to:"+hook.To] = plan
			}
			res.Events = append(res.Events, calls.NormalizedEvent{
				ID:                  deriveEventID(key, "answered", hook.Timestamp),
				Type:                calls.EventCallAnswered,
				ProviderCallID:      key,
				PriorProviderCallID: prior,
				Timestamp:           time.Now().UTC(),
			})
		}
		var err error
		body, err = AnswerNCCO(string(plan.mode), plan.initialMessage, p.cfg.Language)
		if err != nil {
			return ParseResult{StatusCode: http.StatusInternalServerError}, err
		}
		p.instructions[key] = body
	}

	res.ProviderResponseBody = body
	return res, nil
}

func (p *VonageProvider) parseEventRequest(ctx context.Context, req WebhookRequest) (ParseResult, error) {
	var hook vonageWebhook
	if err := json.Unmarshal(req.RawBody, &hook); err != nil {
		return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("telephony: unparseable event webhook: %w", err)
	}
	if hook.UUID == "" {
		hook.UUID = hook.ConversationUUID
	}
	if hook.UUID == "" {
		logger.From(ctx).Warn("vonage event without call id dropped")
		return ParseResult{StatusCode: http.StatusOK}, nil
	}

	ts := parseVonageTime(hook.Timestamp)

	if hook.Speech != nil {
		return ParseResult{
			StatusCode: http.StatusOK,
			Events:     []calls.NormalizedEvent{p.speechEvent(hook, ts)},
		}, nil
	}

	evType, ok := normalizeVonageStatus(hook.Status)
	if !ok {
		logger.From(ctx).Debug("vonage status ignored", "status", hook.Status, "uuid", hook.UUID)
		return ParseResult{StatusCode: http.StatusOK}, nil
	}

	ev := calls.NormalizedEvent{
		ID:             deriveEventID(hook.UUID, hook.Status, hook.Timestamp),
		Type:           evType,
		ProviderCallID: hook.UUID,
		Timestamp:      ts,
	}

	if st, mapped := calls.StatusFor(evType); mapped && st.Terminal() {
		// Instruction bodies are only released once the call is over; a
		// status event for a live call must leave them untouched.
		p.mu.Lock()
		delete(p.instructions, hook.UUID)
		delete(p.plans, hook.UUID)
		if hook.To != "" {
			delete(p.plans, "to:"+hook.To)
		}
		p.mu.Unlock()
	}

	return ParseResult{StatusCode: http.StatusOK, Events: []calls.NormalizedEvent{ev}}, nil
}

func (p *VonageProvider) speechEvent(hook vonageWebhook, ts time.Time) calls.NormalizedEvent {
	var bestText string
	var bestConfidence float64
	for i, r := range hook.Speech.Results {
		conf, _ := strconv.ParseFloat(r.Confidence, 64)
		if i == 0 || conf > bestConfidence {
			bestText, bestConfidence = r.Text, conf
		}
	}
	payload, _ := json.Marshal(calls.TranscriptPayload{Text: bestText, Confidence: bestConfidence})

	return calls.NormalizedEvent{
		ID:             deriveEventID(hook.UUID, "speech:"+bestText, hook.Timestamp),
		Type:           calls.EventTranscriptFinal,
		ProviderCallID: hook.UUID,
		Timestamp:      ts,
		Payload:        payload,
	}
}

// normalizeVonageStatus maps vendor call statuses onto the internal event
// vocabulary.
func normalizeVonageStatus(status string) (calls.EventType, bool) {
	switch status {
	case "started":
		return calls.EventCallInitiated, true
	case "ringing":
		return calls.EventCallRinging, true
	case "answered":
		return calls.EventCallAnswered, true
	case "completed":
		return calls.EventCallCompleted, true
	case "failed", "rejected", "busy":
		return calls.EventCallFailed, true
	case "timeout", "unanswered", "cancelled":
		return calls.EventCallNoAnswer, true
	default:
		return "", false
	}
}

// deriveEventID builds a deterministic event id. Vonage webhooks carry no
// unique event identifier, so redeliveries must hash to the same id for the
// manager's dedup to hold.
func deriveEventID(uuid, kind, timestamp string) string {
	sum := sha256.Sum256([]byte(uuid + "|" + kind + "|" + timestamp))
	return "ve_" + hex.EncodeToString(sum[:12])
}

func parseVonageTime(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now().UTC()
}
