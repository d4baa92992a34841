package callstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callbridge/internal/calls"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir())
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCall(id string, status calls.CallStatus) calls.CallRecord {
	return calls.CallRecord{
		CallID:         id,
		ProviderCallID: "p-" + id,
		Direction:      calls.DirectionOutbound,
		Status:         status,
		To:             "+15550000001",
		From:           "+15550000000",
		Mode:           calls.ModeConversation,
		StartedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	a := sampleCall("a", calls.CallStatusInitiating)
	b := sampleCall("b", calls.CallStatusInProgress)
	for _, rec := range []calls.CallRecord{a, b} {
		if err := s.SaveCall(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.CallID, err)
		}
	}
	if err := s.MarkEventProcessed(ctx, "e1"); err != nil {
		t.Fatalf("mark event: %v", err)
	}
	if err := s.RemoveCall(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.ActiveCalls) != 1 || snap.ActiveCalls[0].CallID != "b" {
		t.Fatalf("unexpected active calls: %+v", snap.ActiveCalls)
	}
	if got := snap.ActiveCalls[0]; got.ProviderCallID != "p-b" || got.Status != calls.CallStatusInProgress {
		t.Fatalf("snapshot lost fields: %+v", got)
	}
	if len(snap.ProcessedEventIDs) != 1 || snap.ProcessedEventIDs[0] != "e1" {
		t.Fatalf("unexpected event ids: %v", snap.ProcessedEventIDs)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewFileStore(dir)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.SaveCall(ctx, sampleCall("c", calls.CallStatusRinging)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.MarkEventProcessed(ctx, "e9"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := NewFileStore(dir)
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, err := s2.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.ActiveCalls) != 1 || snap.ActiveCalls[0].CallID != "c" {
		t.Fatalf("snapshot not durable: %+v", snap.ActiveCalls)
	}
	if len(snap.ProcessedEventIDs) != 1 || snap.ProcessedEventIDs[0] != "e9" {
		t.Fatalf("event ids not durable: %v", snap.ProcessedEventIDs)
	}
}

func TestFileStoreHistoryMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for _, id := range []string{"one", "two", "three"} {
		rec := sampleCall(id, calls.CallStatusCompleted)
		ended := rec.StartedAt.Add(time.Minute)
		rec.EndedAt = &ended
		if err := s.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	history, err := s.History(ctx, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].CallID != "three" || history[1].CallID != "two" {
		t.Fatalf("wrong order: %s, %s", history[0].CallID, history[1].CallID)
	}
	if history[0].EndedAt == nil {
		t.Fatalf("EndedAt lost in history round-trip")
	}
}

func TestFileStoreSkipsTornSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewFileStore(dir)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()

	if err := s.SaveCall(ctx, sampleCall("good", calls.CallStatusInProgress)); err != nil {
		t.Fatalf("save: %v", err)
	}
	torn := filepath.Join(dir, "active", "torn.json")
	if err := os.WriteFile(torn, []byte(`{"call_id":"torn","sta`), 0o644); err != nil {
		t.Fatalf("write torn file: %v", err)
	}

	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.ActiveCalls) != 1 || snap.ActiveCalls[0].CallID != "good" {
		t.Fatalf("torn snapshot not skipped: %+v", snap.ActiveCalls)
	}
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"x", "y", "z"} {
		if err := s.AppendHistory(ctx, sampleCall(id, calls.CallStatusFailed)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	history, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].CallID != "z" {
		t.Fatalf("unexpected history: %+v", history)
	}
}
