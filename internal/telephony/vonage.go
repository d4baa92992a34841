package telephony

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultVonageBaseURL = "https://api.nexmo.com"

// VonageConfig holds everything the adapter needs to talk to the Vonage
// Voice API and to authenticate its webhooks.
type VonageConfig struct {
	ApplicationID string
	// PrivateKey is the PEM-encoded RSA key of the Vonage application,
	// used to mint API JWTs.
	PrivateKey []byte
	// SignatureSecret verifies signed webhook callbacks. Empty disables
	// verification (local development only).
	SignatureSecret string

	APIBaseURL string
	AnswerURL  string
	EventURL   string

	// Language for TTS and speech recognition, e.g. "en-US".
	Language string

	HTTPTimeout time.Duration
}

// VonageProvider implements Provider against the Vonage Voice API.
//
// Besides the REST client it owns two pieces of per-call webhook state:
// answer plans (what instruction body to build when the vendor fetches the
// answer URL) and the stored instruction bodies themselves, which must be
// replayed byte-identically on repeated fetches.
type VonageProvider struct {
	cfg        VonageConfig
	privateKey *rsa.PrivateKey
	httpClient *http.Client

	mu sync.Mutex
	// plans is keyed by provider call id, with a secondary key on the dialed
	// number for calls created with a provisional id.
	plans map[string]answerPlan
	// instructions maps provider call id to the exact bytes already served
	// for its answer-URL fetch.
	instructions map[string][]byte
}

type answerPlan struct {
	mode           calls.CallMode
	initialMessage string
	// providerCallID is the id the plan was recorded under, possibly a
	// provisional one. The answer fetch compares it against the vendor's
	// real uuid to detect an identifier change.
	providerCallID string
}

func NewVonageProvider(cfg VonageConfig) (*VonageProvider, error) {
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("telephony: vonage application id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("telephony: parse vonage private key: %w", err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultVonageBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &VonageProvider{
		cfg:          cfg,
		privateKey:   key,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		plans:        make(map[string]answerPlan),
		instructions: make(map[string][]byte),
	}, nil
}

func (p *VonageProvider) Name() string { return "vonage" }

// apiToken mints a short-lived RS256 application JWT for one API request.
func (p *VonageProvider) apiToken() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"application_id": p.cfg.ApplicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
		"jti":            uuid.NewString(),
	})
	return tok.SignedString(p.privateKey)
}

type vonageCreateCallRequest struct {
	To           []vonageEndpoint `json:"to"`
	From         vonageEndpoint   `json:"from"`
	AnswerURL    []string         `json:"answer_url"`
	EventURL     []string         `json:"event_url"`
	RingingTimer int              `json:"ringing_timer,omitempty"`
}

type vonageEndpoint struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type vonageCreateCallResponse struct {
	UUID             string `json:"uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	ConversationUUID string `json:"conversation_uuid"`
}

func (p *VonageProvider) InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateCallResult, error) {
	body := vonageCreateCallRequest{
		To:           []vonageEndpoint{{Type: "phone", Number: req.To}},
		From:         vonageEndpoint{Type: "phone", Number: req.From},
		AnswerURL:    []string{p.cfg.AnswerURL},
		EventURL:     []string{p.cfg.EventURL},
		RingingTimer: req.RingTimeout,
	}

	respBody, status, err := p.doJSON(ctx, http.MethodPost, "/v1/calls", body)
	if err != nil {
		return InitiateCallResult{}, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return InitiateCallResult{}, p.vendorErr("create call", status, respBody)
	}

	var created vonageCreateCallResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return InitiateCallResult{}, &VendorError{Provider: p.Name(), Op: "create call", Message: "unparseable response"}
	}

	res := InitiateCallResult{ProviderCallID: created.UUID, Status: calls.CallStatusInitiating}
	if res.ProviderCallID == "" {
		// Async creation mode: the vendor reports the real uuid in the first
		// event webhook. Hand out a provisional id the manager can remap.
		res.ProviderCallID = "prov-" + uuid.NewString()
		res.Provisional = true
	}
	p.recordPlan(res.ProviderCallID, req.To, req.Mode, req.InitialMessage)
	return res, nil
}

// recordPlan remembers what instruction body to serve when the vendor
// fetches the answer URL for this call. Keyed by provider call id and, as a
// fallback for provisional ids, by the dialed number.
func (p *VonageProvider) recordPlan(providerCallID, to string, mode calls.CallMode, initialMessage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan := answerPlan{mode: mode, initialMessage: initialMessage, providerCallID: providerCallID}
	p.plans[providerCallID] = plan
	if to != "" {
		p.plans["to:"+to] = plan
	}
}

func (p *VonageProvider) HangupCall(ctx context.Context, providerCallID string) error {
	body := map[string]string{"action": "hangup"}
	respBody, status, err := p.doJSON(ctx, http.MethodPut, "/v1/calls/"+providerCallID, body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return ErrProviderCallNotFound
	case status >= 300:
		return p.vendorErr("hangup", status, respBody)
	}
	return nil
}

func (p *VonageProvider) PlayTTS(ctx context.Context, providerCallID, text string) error {
	body := map[string]any{"text": text, "language": p.cfg.Language}
	respBody, status, err := p.doJSON(ctx, http.MethodPut, "/v1/calls/"+providerCallID+"/talk", body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return ErrProviderCallNotFound
	case status >= 300:
		return p.vendorErr("talk", status, respBody)
	}
	return nil
}

func (p *VonageProvider) StartListening(ctx context.Context, providerCallID string) error {
	body := map[string]any{
		"action": "transfer",
		"destination": map[string]any{
			"type": "ncco",
			"ncco": ListenNCCO(p.cfg.Language),
		},
	}
	respBody, status, err := p.doJSON(ctx, http.MethodPut, "/v1/calls/"+providerCallID, body)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return ErrProviderCallNotFound
	case status >= 300:
		return p.vendorErr("start listening", status, respBody)
	}
	return nil
}

func (p *VonageProvider) StopListening(ctx context.Context, providerCallID string) error {
	// Speech capture self-terminates on silence or max duration; there is no
	// vendor call to cancel it early. Best-effort no-op.
	logger.From(ctx).Debug("vonage stop listening is a no-op", "provider_call_id", providerCallID)
	return nil
}

func (p *VonageProvider) doJSON(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	token, err := p.apiToken()
	if err != nil {
		return nil, 0, &VendorError{Provider: p.Name(), Op: "auth", Message: err.Error()}
	}

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIBaseURL+path, &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, &VendorError{Provider: p.Name(), Op: method + " " + path, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (p *VonageProvider) vendorErr(op string, status int, body []byte) error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &VendorError{Provider: p.Name(), Op: op, Status: status, Message: msg}
}
