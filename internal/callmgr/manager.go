// Package callmgr owns the call lifecycle: one state machine per call,
// driven by normalized provider events, with durable snapshots so a restart
// mid-call picks up where it left off.
package callmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/callstore"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/google/uuid"
)

// ErrCallNotFound reports a direct command against a call id the manager
// has never seen.
var ErrCallNotFound = calls.ErrCallNotFound

// Notifier receives a snapshot after every call mutation. Implementations
// must not block; they run on the mutating path.
type Notifier interface {
	CallUpdated(rec calls.CallRecord)
}

// Options is the pre-validated configuration the manager consumes.
type Options struct {
	Enabled    bool
	FromNumber string

	// MaxCallDuration forces a hangup on calls that outlive it.
	MaxCallDuration time.Duration
	// TranscriptWaitTimeout bounds ContinueCall rendezvous.
	TranscriptWaitTimeout time.Duration
	// RingTimeout is passed to the provider, in seconds.
	RingTimeout int

	// SharedDedup, when set, extends event dedup across instances.
	SharedDedup callstore.SharedDedup
	// Notifier, when set, is told about every call mutation.
	Notifier Notifier
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxCallDuration <= 0 {
		out.MaxCallDuration = 10 * time.Minute
	}
	if out.TranscriptWaitTimeout <= 0 {
		out.TranscriptWaitTimeout = 30 * time.Second
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45
	}
	return out
}

// Manager orchestrates calls against one provider adapter.
//
// Concurrency model: one mutex serializes every registry mutation (webhook
// events, timer firings, commands). Provider round-trips always happen
// outside the lock, on the request path that issued them.
type Manager struct {
	provider telephony.Provider
	store    callstore.Store
	opts     Options

	clock func() time.Time

	mu  sync.Mutex
	reg *registry
}

func NewManager(provider telephony.Provider, store callstore.Store, opts Options) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		reg:      newRegistry(),
	}
}

// Initialize prepares the store and rebuilds the registry from persisted
// state, re-arming max-duration timers for calls that were live at crash
// time.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.Initialize(ctx); err != nil {
		return err
	}
	snap, err := m.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range snap.ActiveCalls {
		rec := snap.ActiveCalls[i]
		if rec.Status.Terminal() {
			// Should have been evicted before the snapshot persisted;
			// finish the eviction now instead of resurrecting it.
			m.reg.evict(&rec)
			continue
		}
		m.reg.insert(&rec)

		remaining := m.opts.MaxCallDuration - m.clock().Sub(rec.StartedAt)
		if remaining < 5*time.Second {
			remaining = 5 * time.Second
		}
		m.armMaxTimerLocked(rec.CallID, remaining)
	}
	for _, id := range snap.ProcessedEventIDs {
		m.reg.markProcessed(id)
	}

	logger.From(ctx).Info("call manager recovered",
		"active_calls", len(m.reg.active),
		"processed_events", len(m.reg.processed))
	return nil
}

type InitiateCallInput struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	SessionKey string `json:"session_key,omitempty"`

	Mode           calls.CallMode `json:"mode,omitempty"`
	InitialMessage string         `json:"initial_message,omitempty"`
}

// InitiateCallResult reports the outcome of an initiation attempt. Expected
// vendor failures land in Success/Error instead of an error return, so
// orchestration code never branches on error types for them.
type InitiateCallResult struct {
	CallID         string `json:"call_id,omitempty"`
	ProviderCallID string `json:"provider_call_id,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

func (m *Manager) InitiateCall(ctx context.Context, in InitiateCallInput) (InitiateCallResult, error) {
	if in.To == "" {
		return InitiateCallResult{}, fmt.Errorf("callmgr: destination number is required")
	}
	if !m.opts.Enabled {
		return InitiateCallResult{Error: "outbound calling is disabled"}, nil
	}

	from := in.From
	if from == "" {
		from = m.opts.FromNumber
	}
	mode := in.Mode
	if mode == "" {
		mode = calls.ModeConversation
	}

	pres, err := m.provider.InitiateCall(ctx, telephony.InitiateCallRequest{
		To:             in.To,
		From:           from,
		RingTimeout:    m.opts.RingTimeout,
		Mode:           mode,
		InitialMessage: in.InitialMessage,
	})
	if err != nil {
		logger.From(ctx).Warn("call initiation failed", "to", in.To, "err", err)
		return InitiateCallResult{Error: err.Error()}, nil
	}

	rec := &calls.CallRecord{
		CallID:                uuid.NewString(),
		ProviderCallID:        pres.ProviderCallID,
		Direction:             calls.DirectionOutbound,
		Status:                calls.CallStatusInitiating,
		To:                    in.To,
		From:                  from,
		SessionKey:            in.SessionKey,
		Mode:                  mode,
		PendingInitialMessage: in.InitialMessage,
		StartedAt:             m.clock().UTC(),
	}

	m.mu.Lock()
	m.reg.insert(rec)
	m.armMaxTimerLocked(rec.CallID, m.opts.MaxCallDuration)
	m.saveCallLocked(ctx, *rec)
	snap := *rec
	m.mu.Unlock()

	m.notify(snap)
	logger.From(ctx).Info("call initiated",
		"call_id", rec.CallID, "provider_call_id", rec.ProviderCallID, "to", in.To)
	return InitiateCallResult{CallID: rec.CallID, ProviderCallID: rec.ProviderCallID, Success: true}, nil
}

// ProcessEvent applies one normalized event. It is the sole writer of call
// state transitions. Duplicate events and events for unknown calls are not
// errors.
func (m *Manager) ProcessEvent(ctx context.Context, ev calls.NormalizedEvent) error {
	log := logger.From(ctx)

	if ev.ID != "" && m.opts.SharedDedup != nil {
		seen, err := m.opts.SharedDedup.Seen(ctx, ev.ID)
		if err != nil {
			log.Warn("shared dedup lookup failed, using local set", "err", err)
		} else if seen {
			return nil
		}
	}

	m.mu.Lock()

	if ev.ID != "" && m.reg.seen(ev.ID) {
		m.mu.Unlock()
		return nil
	}

	rec, ok := m.resolveLocked(ev)
	if !ok {
		if m.reg.wasEnded(ev.CallID) || m.reg.wasEndedProvider(ev.ProviderCallID) {
			// Late delivery for a call that already finished; record it as
			// processed to suppress further redelivery noise.
			m.reg.markProcessed(ev.ID)
			m.mu.Unlock()
			m.persistProcessed(ctx, ev.ID)
			return nil
		}
		// A truly unknown reference stays unmarked: the event may have
		// outrun the call's registration, and the vendor's redelivery is
		// the retry path that lands it.
		m.mu.Unlock()
		log.Info("event for unknown call dropped",
			"event_id", ev.ID, "type", ev.Type, "provider_call_id", ev.ProviderCallID)
		return nil
	}

	dirty := false
	if ev.ProviderCallID != "" && ev.ProviderCallID != rec.ProviderCallID {
		log.Info("provider call id remapped",
			"call_id", rec.CallID, "old", rec.ProviderCallID, "new", ev.ProviderCallID)
		m.reg.remapProvider(rec, ev.ProviderCallID)
		dirty = true
	}

	evicted := false
	switch ev.Type {
	case calls.EventTranscriptFinal:
		m.resolveWaiterLocked(rec.CallID, transcriptOutcome(ev))
	case calls.EventTranscriptPartial:
		// Informational; waiters rendezvous on final transcripts only.
	default:
		dirty, evicted = m.applyLifecycleLocked(ctx, rec, ev, dirty)
	}

	if dirty && !evicted {
		m.saveCallLocked(ctx, *rec)
	}
	m.reg.markProcessed(ev.ID)
	snap := *rec
	m.mu.Unlock()

	m.persistProcessed(ctx, ev.ID)
	if dirty || evicted {
		m.notify(snap)
	}
	return nil
}

// applyLifecycleLocked runs the status transition for a lifecycle event.
// Returns whether the record changed and whether it was evicted.
func (m *Manager) applyLifecycleLocked(ctx context.Context, rec *calls.CallRecord, ev calls.NormalizedEvent, dirty bool) (bool, bool) {
	log := logger.From(ctx)

	next, mapped := calls.StatusFor(ev.Type)
	if !mapped {
		log.Debug("event type without transition ignored", "type", ev.Type, "call_id", rec.CallID)
		return dirty, false
	}
	if rec.Status.Terminal() {
		// Terminal states are idempotent sinks.
		return dirty, false
	}
	if statusRank(next) < statusRank(rec.Status) {
		// Late ringing after answer and similar out-of-order deliveries.
		log.Debug("out-of-order status ignored",
			"call_id", rec.CallID, "current", rec.Status, "reported", next)
		return dirty, false
	}

	if next.Terminal() {
		endedAt := ev.Timestamp
		if endedAt.IsZero() {
			endedAt = m.clock().UTC()
		}
		m.finalizeLocked(ctx, rec, next, endedAt)
		return true, true
	}

	if next != rec.Status {
		rec.Status = next
		dirty = true
	}
	return dirty, false
}

// finalizeLocked moves a call into a terminal state: stamps EndedAt, disarms
// timers, rejects any outstanding waiter, persists history, and evicts the
// record from the registry.
func (m *Manager) finalizeLocked(ctx context.Context, rec *calls.CallRecord, status calls.CallStatus, endedAt time.Time) {
	log := logger.From(ctx)

	rec.Status = status
	at := endedAt.UTC()
	rec.EndedAt = &at

	m.reg.disarmMaxTimer(rec.CallID)
	m.resolveWaiterLocked(rec.CallID, waiterOutcome{err: ErrCallEnded})

	if err := m.store.AppendHistory(ctx, *rec); err != nil {
		log.Error("history append failed", "call_id", rec.CallID, "err", err)
	}
	if err := m.store.RemoveCall(ctx, rec.CallID); err != nil {
		log.Error("snapshot removal failed", "call_id", rec.CallID, "err", err)
	}
	m.reg.evict(rec)

	log.Info("call ended", "call_id", rec.CallID, "status", status)
}

func (m *Manager) resolveLocked(ev calls.NormalizedEvent) (*calls.CallRecord, bool) {
	if ev.CallID != "" {
		if rec, ok := m.reg.get(ev.CallID); ok {
			return rec, true
		}
	}
	if ev.ProviderCallID != "" {
		if rec, ok := m.reg.getByProvider(ev.ProviderCallID); ok {
			return rec, true
		}
	}
	if ev.PriorProviderCallID != "" {
		// The event reports an identifier change; the call is still indexed
		// under the id it was created with.
		if rec, ok := m.reg.getByProvider(ev.PriorProviderCallID); ok {
			return rec, true
		}
	}
	return nil, false
}

func transcriptOutcome(ev calls.NormalizedEvent) waiterOutcome {
	var p calls.TranscriptPayload
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &p)
	}
	return waiterOutcome{text: p.Text, confidence: p.Confidence}
}

// Speak plays text on a live call. Vendor failure degrades to ending the
// call rather than leaving the line in an unknown state.
func (m *Manager) Speak(ctx context.Context, callID, text string) error {
	m.mu.Lock()
	rec, ok := m.reg.get(callID)
	if !ok {
		m.mu.Unlock()
		return ErrCallNotFound
	}
	providerID := rec.ProviderCallID
	m.mu.Unlock()

	if err := m.provider.PlayTTS(ctx, providerID, text); err != nil {
		logger.From(ctx).Warn("tts failed, ending call", "call_id", callID, "err", err)
		_ = m.EndCall(ctx, callID)
		return err
	}
	return nil
}

// SpeakInitialMessage plays the queued initial message once the media
// channel is live. Looked up by provider id: the media-live callback can
// arrive before the webhook boundary knows the internal call id.
func (m *Manager) SpeakInitialMessage(ctx context.Context, providerCallID string) error {
	m.mu.Lock()
	rec, ok := m.reg.getByProvider(providerCallID)
	if !ok {
		m.mu.Unlock()
		return ErrCallNotFound
	}
	msg := rec.PendingInitialMessage
	rec.PendingInitialMessage = ""
	mode := rec.Mode
	callID := rec.CallID
	if msg != "" {
		m.saveCallLocked(ctx, *rec)
	}
	m.mu.Unlock()

	if msg == "" {
		return nil
	}
	if mode == calls.ModeNotify {
		// The adapter embeds the message in the instruction body for notify
		// calls; the vendor speaks it and hangs up when the action list runs
		// out. Playing it again over REST would deliver it twice.
		return nil
	}

	if err := m.provider.PlayTTS(ctx, providerCallID, msg); err != nil {
		logger.From(ctx).Warn("initial message playback failed, ending call",
			"call_id", callID, "err", err)
		_ = m.EndCall(ctx, callID)
		return err
	}
	return nil
}

// ContinueResult reports the outcome of one prompt/transcript exchange.
type ContinueResult struct {
	Success    bool    `json:"success"`
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ContinueCall speaks a prompt, starts listening, and waits for the next
// final transcript. One exchange may be outstanding per call; a second is
// rejected immediately rather than silently replacing the first.
func (m *Manager) ContinueCall(ctx context.Context, callID, prompt string) (ContinueResult, error) {
	m.mu.Lock()
	rec, ok := m.reg.get(callID)
	if !ok {
		ended := m.reg.wasEnded(callID)
		m.mu.Unlock()
		if ended {
			return ContinueResult{Error: "call already ended"}, nil
		}
		return ContinueResult{}, ErrCallNotFound
	}
	if rec.Status != calls.CallStatusInProgress {
		status := rec.Status
		m.mu.Unlock()
		return ContinueResult{Error: fmt.Sprintf("call is %s, not in progress", status)}, nil
	}
	if _, exists := m.reg.waiters[callID]; exists {
		m.mu.Unlock()
		return ContinueResult{}, ErrWaiterConflict
	}
	w := newTranscriptWaiter()
	m.reg.waiters[callID] = w
	providerID := rec.ProviderCallID
	m.mu.Unlock()

	if prompt != "" {
		if err := m.provider.PlayTTS(ctx, providerID, prompt); err != nil {
			m.dropWaiter(callID, w)
			logger.From(ctx).Warn("prompt playback failed, ending call", "call_id", callID, "err", err)
			_ = m.EndCall(ctx, callID)
			return ContinueResult{Error: err.Error()}, nil
		}
	}
	if err := m.provider.StartListening(ctx, providerID); err != nil {
		m.dropWaiter(callID, w)
		logger.From(ctx).Warn("start listening failed, ending call", "call_id", callID, "err", err)
		_ = m.EndCall(ctx, callID)
		return ContinueResult{Error: err.Error()}, nil
	}

	// Arm the deadline only if the waiter is still registered; the call may
	// have ended during the vendor round-trips, in which case the outcome is
	// already buffered.
	m.mu.Lock()
	if m.reg.waiters[callID] == w {
		expireCtx := context.WithoutCancel(ctx)
		w.deadline = time.AfterFunc(m.opts.TranscriptWaitTimeout, func() {
			m.expireWaiter(expireCtx, callID, w)
		})
	}
	m.mu.Unlock()

	select {
	case out := <-w.outcome:
		if out.err != nil {
			return ContinueResult{Error: out.err.Error()}, nil
		}
		return ContinueResult{Success: true, Transcript: out.text, Confidence: out.confidence}, nil
	case <-ctx.Done():
		m.dropWaiter(callID, w)
		_ = m.provider.StopListening(context.WithoutCancel(ctx), providerID)
		return ContinueResult{}, ctx.Err()
	}
}

// EndCall hangs up a call. Safe to call on already-ended calls; the hangup
// attempt against the vendor is best-effort and idempotent.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	rec, ok := m.reg.get(callID)
	if !ok {
		ended := m.reg.wasEnded(callID)
		m.mu.Unlock()
		if ended {
			return nil
		}
		return ErrCallNotFound
	}
	providerID := rec.ProviderCallID
	m.mu.Unlock()

	hangupErr := m.provider.HangupCall(ctx, providerID)
	if errors.Is(hangupErr, telephony.ErrProviderCallNotFound) {
		// Already gone at the vendor; treat as a clean hangup.
		hangupErr = nil
	}

	m.mu.Lock()
	rec, ok = m.reg.get(callID)
	if !ok {
		// A terminal event won the race while we were talking to the vendor.
		m.mu.Unlock()
		return nil
	}
	status := calls.CallStatusCompleted
	if hangupErr != nil {
		status = calls.CallStatusFailed
	}
	// Optimistic terminal state; the vendor's own terminal event arrives
	// later and is absorbed as a redelivery, never reverted.
	m.finalizeLocked(ctx, rec, status, m.clock().UTC())
	snap := *rec
	m.mu.Unlock()

	m.notify(snap)
	return hangupErr
}

// GetCall returns the active record for a call id.
func (m *Manager) GetCall(callID string) (calls.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.get(callID)
	if !ok {
		return calls.CallRecord{}, false
	}
	return *rec, true
}

// GetCallByProviderCallID returns the active record owning a provider id.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (calls.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.getByProvider(providerCallID)
	if !ok {
		return calls.CallRecord{}, false
	}
	return *rec, true
}

// ActiveCalls returns snapshots of every non-terminal call.
func (m *Manager) ActiveCalls() []calls.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.snapshot()
}

// CallHistory reads finished calls from the durable store, most recent
// first.
func (m *Manager) CallHistory(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	return m.store.History(ctx, limit)
}

func (m *Manager) armMaxTimerLocked(callID string, d time.Duration) {
	m.reg.armMaxTimer(callID, time.AfterFunc(d, func() {
		logger.From(context.Background()).Warn("max call duration exceeded, forcing hangup", "call_id", callID)
		if err := m.EndCall(context.Background(), callID); err != nil && !errors.Is(err, ErrCallNotFound) {
			logger.From(context.Background()).Error("forced hangup failed", "call_id", callID, "err", err)
		}
	}))
}

func (m *Manager) resolveWaiterLocked(callID string, out waiterOutcome) {
	w, ok := m.reg.waiters[callID]
	if !ok {
		return
	}
	delete(m.reg.waiters, callID)
	w.deliver(out)
}

func (m *Manager) expireWaiter(ctx context.Context, callID string, w *transcriptWaiter) {
	m.mu.Lock()
	if m.reg.waiters[callID] != w {
		m.mu.Unlock()
		return
	}
	delete(m.reg.waiters, callID)
	rec, ok := m.reg.get(callID)
	var providerID string
	if ok {
		providerID = rec.ProviderCallID
	}
	m.mu.Unlock()

	w.deliver(waiterOutcome{err: ErrTranscriptTimeout})
	if providerID != "" {
		_ = m.provider.StopListening(ctx, providerID)
	}
}

// dropWaiter deregisters a waiter on a failure path without delivering an
// outcome; the caller already has its error.
func (m *Manager) dropWaiter(callID string, w *transcriptWaiter) {
	m.mu.Lock()
	if m.reg.waiters[callID] == w {
		delete(m.reg.waiters, callID)
	}
	m.mu.Unlock()
	if w.deadline != nil {
		w.deadline.Stop()
	}
}

func (m *Manager) saveCallLocked(ctx context.Context, rec calls.CallRecord) {
	if err := m.store.SaveCall(ctx, rec); err != nil {
		logger.From(ctx).Error("snapshot save failed", "call_id", rec.CallID, "err", err)
	}
}

func (m *Manager) persistProcessed(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := m.store.MarkEventProcessed(ctx, eventID); err != nil {
		logger.From(ctx).Error("event id persist failed", "event_id", eventID, "err", err)
	}
	if m.opts.SharedDedup != nil {
		if err := m.opts.SharedDedup.Mark(ctx, eventID); err != nil {
			logger.From(ctx).Warn("shared dedup mark failed", "event_id", eventID, "err", err)
		}
	}
}

func (m *Manager) notify(rec calls.CallRecord) {
	if m.opts.Notifier != nil {
		m.opts.Notifier.CallUpdated(rec)
	}
}

func statusRank(s calls.CallStatus) int {
	switch s {
	case calls.CallStatusInitiating:
		return 0
	case calls.CallStatusRinging:
		return 1
	case calls.CallStatusInProgress:
		return 2
	default:
		return 3
	}
}
