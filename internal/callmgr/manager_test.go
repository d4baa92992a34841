package callmgr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/callstore"
	"callbridge/internal/telephony"
)

type fakeProvider struct {
	mu        sync.Mutex
	hangups   []string
	tts       []string
	listening []string

	initiateResult telephony.InitiateCallResult
	initiateErr    error
	hangupErr      error
	ttsErr         error
	listenErr      error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) VerifyWebhook(ctx context.Context, req telephony.WebhookRequest) telephony.VerifyResult {
	return telephony.VerifyResult{OK: true}
}

func (f *fakeProvider) ParseWebhookEvent(ctx context.Context, req telephony.WebhookRequest) (telephony.ParseResult, error) {
	return telephony.ParseResult{}, nil
}

func (f *fakeProvider) InitiateCall(ctx context.Context, req telephony.InitiateCallRequest) (telephony.InitiateCallResult, error) {
	if f.initiateErr != nil {
		return telephony.InitiateCallResult{}, f.initiateErr
	}
	return f.initiateResult, nil
}

func (f *fakeProvider) HangupCall(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangupErr != nil {
		return f.hangupErr
	}
	f.hangups = append(f.hangups, providerCallID)
	return nil
}

func (f *fakeProvider) PlayTTS(ctx context.Context, providerCallID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ttsErr != nil {
		return f.ttsErr
	}
	f.tts = append(f.tts, providerCallID+"|"+text)
	return nil
}

func (f *fakeProvider) StartListening(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listening = append(f.listening, providerCallID)
	return nil
}

func (f *fakeProvider) StopListening(ctx context.Context, providerCallID string) error {
	return nil
}

func (f *fakeProvider) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeProvider) ttsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tts)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeProvider, *callstore.MemoryStore) {
	t.Helper()
	fp := &fakeProvider{
		initiateResult: telephony.InitiateCallResult{
			ProviderCallID: "prov-1",
			Status:         calls.CallStatusInitiating,
			Provisional:    true,
		},
	}
	store := callstore.NewMemoryStore()
	if opts.MaxCallDuration == 0 {
		opts.MaxCallDuration = time.Minute
	}
	opts.Enabled = true
	if opts.FromNumber == "" {
		opts.FromNumber = "+15550000000"
	}
	m := NewManager(fp, store, opts)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, fp, store
}

func initiate(t *testing.T, m *Manager) string {
	t.Helper()
	res, err := m.InitiateCall(context.Background(), InitiateCallInput{To: "+15550000001"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !res.Success || res.CallID == "" {
		t.Fatalf("expected success, got %+v", res)
	}
	return res.CallID
}

func answer(t *testing.T, m *Manager, callID, providerCallID, eventID string) {
	t.Helper()
	err := m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID:             eventID,
		Type:           calls.EventCallAnswered,
		CallID:         callID,
		ProviderCallID: providerCallID,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("process answered: %v", err)
	}
}

func TestInitiateCallRegistersAndIndexes(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})

	callID := initiate(t, m)

	rec, ok := m.GetCall(callID)
	if !ok {
		t.Fatalf("expected call in registry")
	}
	if rec.Status != calls.CallStatusInitiating {
		t.Fatalf("expected initiating, got %s", rec.Status)
	}
	if rec.ProviderCallID != "prov-1" {
		t.Fatalf("expected provisional provider id, got %q", rec.ProviderCallID)
	}
	if _, ok := m.GetCallByProviderCallID("prov-1"); !ok {
		t.Fatalf("expected provider index entry")
	}
}

func TestInitiateCallAdapterFailureRegistersNothing(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	fp.initiateErr = &telephony.VendorError{Provider: "fake", Op: "create call", Status: 500, Message: "boom"}

	res, err := m.InitiateCall(context.Background(), InitiateCallInput{To: "+15550000001"})
	if err != nil {
		t.Fatalf("expected result, got error %v", err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure result, got %+v", res)
	}
	if len(m.ActiveCalls()) != 0 {
		t.Fatalf("expected no registered calls")
	}
}

func TestInitiateCallDisabled(t *testing.T) {
	fp := &fakeProvider{}
	m := NewManager(fp, callstore.NewMemoryStore(), Options{Enabled: false})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := m.InitiateCall(context.Background(), InitiateCallInput{To: "+15550000001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected disabled failure")
	}
}

func TestProviderCallIDRemap(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	callID := initiate(t, m)

	answer(t, m, callID, "call-uuid", "e1")

	if _, ok := m.GetCallByProviderCallID("prov-1"); ok {
		t.Fatalf("stale provider index entry survived remap")
	}
	rec, ok := m.GetCallByProviderCallID("call-uuid")
	if !ok {
		t.Fatalf("expected record under new provider id")
	}
	if rec.CallID != callID || rec.ProviderCallID != "call-uuid" {
		t.Fatalf("unexpected record after remap: %+v", rec)
	}
	if rec.Status != calls.CallStatusInProgress {
		t.Fatalf("expected in_progress, got %s", rec.Status)
	}
}

func TestEventRedeliveryIsIdempotent(t *testing.T) {
	m, _, store := newTestManager(t, Options{})
	callID := initiate(t, m)

	for i := 0; i < 3; i++ {
		answer(t, m, callID, "call-uuid", "e1")
	}
	rec, _ := m.GetCall(callID)
	if rec.Status != calls.CallStatusInProgress {
		t.Fatalf("expected in_progress, got %s", rec.Status)
	}

	done := calls.NormalizedEvent{ID: "e2", Type: calls.EventCallCompleted, CallID: callID}
	for i := 0; i < 3; i++ {
		if err := m.ProcessEvent(context.Background(), done); err != nil {
			t.Fatalf("process completed: %v", err)
		}
	}
	history, err := store.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
}

func TestTerminalEventEvictsAndPersists(t *testing.T) {
	m, _, store := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	err := m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "e2", Type: calls.EventCallCompleted, ProviderCallID: "call-uuid",
	})
	if err != nil {
		t.Fatalf("process completed: %v", err)
	}

	if _, ok := m.GetCall(callID); ok {
		t.Fatalf("terminal call still in registry")
	}
	history, _ := store.History(context.Background(), 1)
	if len(history) != 1 || history[0].Status != calls.CallStatusCompleted {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].EndedAt == nil {
		t.Fatalf("expected EndedAt stamp")
	}
}

func processedIDs(t *testing.T, store *callstore.MemoryStore) map[string]bool {
	t.Helper()
	snap, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	out := make(map[string]bool, len(snap.ProcessedEventIDs))
	for _, id := range snap.ProcessedEventIDs {
		out[id] = true
	}
	return out
}

func TestUnknownEventLeftForRedelivery(t *testing.T) {
	m, fp, store := newTestManager(t, Options{})
	fp.initiateResult = telephony.InitiateCallResult{ProviderCallID: "call-uuid", Status: calls.CallStatusInitiating}

	// The vendor's first event outruns the create-call response.
	early := calls.NormalizedEvent{ID: "e1", Type: calls.EventCallAnswered, ProviderCallID: "call-uuid"}
	if err := m.ProcessEvent(context.Background(), early); err != nil {
		t.Fatalf("early event: %v", err)
	}
	if processedIDs(t, store)["e1"] {
		t.Fatalf("unknown event durably suppressed")
	}

	callID := initiate(t, m)

	// The redelivery lands once the call is registered.
	if err := m.ProcessEvent(context.Background(), early); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
	rec, ok := m.GetCall(callID)
	if !ok || rec.Status != calls.CallStatusInProgress {
		t.Fatalf("redelivery not applied: %+v %v", rec, ok)
	}
}

func TestEndedCallLateEventSuppressed(t *testing.T) {
	m, _, store := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	err := m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "e2", Type: calls.EventCallCompleted, ProviderCallID: "call-uuid",
	})
	if err != nil {
		t.Fatalf("process completed: %v", err)
	}

	// A fresh event id for the finished call is still recognized as noise
	// via the provider-id tombstone.
	late := calls.NormalizedEvent{ID: "e3", Type: calls.EventCallRinging, ProviderCallID: "call-uuid"}
	if err := m.ProcessEvent(context.Background(), late); err != nil {
		t.Fatalf("late event: %v", err)
	}
	if !processedIDs(t, store)["e3"] {
		t.Fatalf("late event for ended call not marked processed")
	}
	history, _ := store.History(context.Background(), 0)
	if len(history) != 1 {
		t.Fatalf("late event disturbed history: %d entries", len(history))
	}
}

func TestProvisionalCallResolvedByPriorProviderID(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	res, err := m.InitiateCall(context.Background(), InitiateCallInput{
		To:             "+15550000001",
		InitialMessage: "hello",
	})
	if err != nil || !res.Success {
		t.Fatalf("initiate: %v %+v", err, res)
	}

	// The adapter's answer fetch reports the real uuid alongside the
	// provisional id the call is still indexed under.
	err = m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID:                  "e1",
		Type:                calls.EventCallAnswered,
		ProviderCallID:      "real-uuid-1",
		PriorProviderCallID: "prov-1",
	})
	if err != nil {
		t.Fatalf("answered event: %v", err)
	}

	rec, ok := m.GetCallByProviderCallID("real-uuid-1")
	if !ok || rec.Status != calls.CallStatusInProgress {
		t.Fatalf("call not remapped: %+v %v", rec, ok)
	}
	if _, ok := m.GetCallByProviderCallID("prov-1"); ok {
		t.Fatalf("stale provisional index entry")
	}

	// Plain vendor-shaped events and commands now resolve by the real uuid.
	if err := m.SpeakInitialMessage(context.Background(), "real-uuid-1"); err != nil {
		t.Fatalf("speak initial by real uuid: %v", err)
	}
	if fp.ttsCount() != 1 {
		t.Fatalf("initial message not played, tts count %d", fp.ttsCount())
	}
	err = m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "e2", Type: calls.EventCallCompleted, ProviderCallID: "real-uuid-1",
	})
	if err != nil {
		t.Fatalf("completed event: %v", err)
	}
	if _, ok := m.GetCall(res.CallID); ok {
		t.Fatalf("call not evicted after terminal event")
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	if err := m.EndCall(context.Background(), callID); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if fp.hangupCount() != 1 {
		t.Fatalf("expected one hangup, got %d", fp.hangupCount())
	}
	if _, ok := m.GetCall(callID); ok {
		t.Fatalf("ended call still active")
	}

	// Second end on the already-completed call: success, no second hangup.
	if err := m.EndCall(context.Background(), callID); err != nil {
		t.Fatalf("second end call: %v", err)
	}
	if fp.hangupCount() != 1 {
		t.Fatalf("duplicate hangup issued")
	}
}

func TestEndCallUnknown(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	if err := m.EndCall(context.Background(), "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func waitForWaiter(t *testing.T, m *Manager, callID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, ok := m.reg.waiters[callID]
		m.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waiter never registered")
}

func TestContinueCallDeliversTranscript(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	type result struct {
		res ContinueResult
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		res, err := m.ContinueCall(context.Background(), callID, "how can I help?")
		resCh <- result{res, err}
	}()
	waitForWaiter(t, m, callID)

	payload, _ := json.Marshal(calls.TranscriptPayload{Text: "book a table", Confidence: 0.92})
	err := m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "t1", Type: calls.EventTranscriptFinal, ProviderCallID: "call-uuid", Payload: payload,
	})
	if err != nil {
		t.Fatalf("process transcript: %v", err)
	}

	got := <-resCh
	if got.err != nil {
		t.Fatalf("continue: %v", got.err)
	}
	if !got.res.Success || got.res.Transcript != "book a table" {
		t.Fatalf("unexpected result: %+v", got.res)
	}
}

func TestSecondContinueCallConflicts(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	resCh := make(chan ContinueResult, 1)
	go func() {
		res, _ := m.ContinueCall(context.Background(), callID, "")
		resCh <- res
	}()
	waitForWaiter(t, m, callID)

	if _, err := m.ContinueCall(context.Background(), callID, ""); !errors.Is(err, ErrWaiterConflict) {
		t.Fatalf("expected ErrWaiterConflict, got %v", err)
	}

	// The first waiter is undisturbed and still resolvable.
	payload, _ := json.Marshal(calls.TranscriptPayload{Text: "still here"})
	_ = m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "t1", Type: calls.EventTranscriptFinal, ProviderCallID: "call-uuid", Payload: payload,
	})
	res := <-resCh
	if !res.Success || res.Transcript != "still here" {
		t.Fatalf("first waiter disturbed: %+v", res)
	}
}

func TestContinueCallTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, Options{TranscriptWaitTimeout: 50 * time.Millisecond})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	res, err := m.ContinueCall(context.Background(), callID, "anyone there?")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res)
	}

	m.mu.Lock()
	_, registered := m.reg.waiters[callID]
	m.mu.Unlock()
	if registered {
		t.Fatalf("waiter leaked after timeout")
	}
}

func TestCallEndRejectsOutstandingWaiter(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	resCh := make(chan ContinueResult, 1)
	go func() {
		res, _ := m.ContinueCall(context.Background(), callID, "")
		resCh <- res
	}()
	waitForWaiter(t, m, callID)

	_ = m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "e2", Type: calls.EventCallCompleted, ProviderCallID: "call-uuid",
	})

	res := <-resCh
	if res.Success || !strings.Contains(res.Error, "ended") {
		t.Fatalf("expected call-ended rejection, got %+v", res)
	}
}

func TestMaxDurationTimerForcesHangup(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{MaxCallDuration: 60 * time.Millisecond})
	callID := initiate(t, m)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.GetCall(callID); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := m.GetCall(callID); ok {
		t.Fatalf("max-duration timer never fired")
	}
	if fp.hangupCount() != 1 {
		t.Fatalf("expected forced hangup, got %d", fp.hangupCount())
	}
}

func TestCancelledMaxDurationTimerNeverFires(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{MaxCallDuration: 80 * time.Millisecond})
	callID := initiate(t, m)

	if err := m.EndCall(context.Background(), callID); err != nil {
		t.Fatalf("end call: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if fp.hangupCount() != 1 {
		t.Fatalf("stale timer fired: %d hangups", fp.hangupCount())
	}
}

func TestSpeakInitialMessageConversation(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	res, err := m.InitiateCall(context.Background(), InitiateCallInput{
		To:             "+15550000001",
		Mode:           calls.ModeConversation,
		InitialMessage: "hello, this is the booking service",
	})
	if err != nil || !res.Success {
		t.Fatalf("initiate: %v %+v", err, res)
	}
	answer(t, m, res.CallID, "call-uuid", "e1")

	if err := m.SpeakInitialMessage(context.Background(), "call-uuid"); err != nil {
		t.Fatalf("speak initial: %v", err)
	}
	if fp.ttsCount() != 1 {
		t.Fatalf("expected one tts play, got %d", fp.ttsCount())
	}

	rec, _ := m.GetCall(res.CallID)
	if rec.PendingInitialMessage != "" {
		t.Fatalf("pending message not cleared")
	}

	// Replaying the media-live callback does not speak twice.
	if err := m.SpeakInitialMessage(context.Background(), "call-uuid"); err != nil {
		t.Fatalf("second speak initial: %v", err)
	}
	if fp.ttsCount() != 1 {
		t.Fatalf("initial message spoken twice")
	}
}

func TestSpeakInitialMessageNotifyDefersToInstructions(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	res, err := m.InitiateCall(context.Background(), InitiateCallInput{
		To:             "+15550000001",
		Mode:           calls.ModeNotify,
		InitialMessage: "your order has shipped",
	})
	if err != nil || !res.Success {
		t.Fatalf("initiate: %v %+v", err, res)
	}
	answer(t, m, res.CallID, "call-uuid", "e1")

	// The notify message is embedded in the instruction body the vendor
	// fetched; the media-live callback must not play it a second time.
	if err := m.SpeakInitialMessage(context.Background(), "call-uuid"); err != nil {
		t.Fatalf("speak initial: %v", err)
	}
	if fp.ttsCount() != 0 {
		t.Fatalf("notify message played over rest, tts count %d", fp.ttsCount())
	}
	rec, _ := m.GetCall(res.CallID)
	if rec.PendingInitialMessage != "" {
		t.Fatalf("pending message not cleared")
	}

	// The vendor hangs up once the action list runs out.
	err = m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "e2", Type: calls.EventCallCompleted, ProviderCallID: "call-uuid",
	})
	if err != nil {
		t.Fatalf("completed event: %v", err)
	}
	if _, ok := m.GetCall(res.CallID); ok {
		t.Fatalf("notify call not evicted on vendor hangup")
	}
}

func TestSpeakFailureDegradesToEndCall(t *testing.T) {
	m, fp, _ := newTestManager(t, Options{})
	callID := initiate(t, m)
	answer(t, m, callID, "call-uuid", "e1")

	fp.mu.Lock()
	fp.ttsErr = &telephony.VendorError{Provider: "fake", Op: "talk", Status: 500, Message: "boom"}
	fp.mu.Unlock()

	if err := m.Speak(context.Background(), callID, "hello"); err == nil {
		t.Fatalf("expected tts error")
	}
	if _, ok := m.GetCall(callID); ok {
		t.Fatalf("call left stuck after playback failure")
	}
}

func TestRecoveryRestoresRegistryAndDedup(t *testing.T) {
	store := callstore.NewMemoryStore()
	rec := calls.CallRecord{
		CallID:         "c1",
		ProviderCallID: "p1",
		Direction:      calls.DirectionOutbound,
		Status:         calls.CallStatusInProgress,
		To:             "+15550000001",
		From:           "+15550000000",
		Mode:           calls.ModeConversation,
		StartedAt:      time.Now().UTC().Add(-time.Minute),
	}
	if err := store.SaveCall(context.Background(), rec); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := store.MarkEventProcessed(context.Background(), "seen-1"); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	m := NewManager(&fakeProvider{}, store, Options{Enabled: true, FromNumber: "+15550000000"})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	got, ok := m.GetCall("c1")
	if !ok || got.ProviderCallID != "p1" {
		t.Fatalf("recovered call missing: %+v %v", got, ok)
	}
	if _, ok := m.GetCallByProviderCallID("p1"); !ok {
		t.Fatalf("provider index not rebuilt")
	}

	// The recovered dedup set still suppresses the redelivered event.
	before, _ := m.GetCall("c1")
	err := m.ProcessEvent(context.Background(), calls.NormalizedEvent{
		ID: "seen-1", Type: calls.EventCallCompleted, CallID: "c1",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	after, ok := m.GetCall("c1")
	if !ok || after.Status != before.Status {
		t.Fatalf("redelivered event applied after recovery")
	}
}
