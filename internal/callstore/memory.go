package callstore

import (
	"context"
	"sync"

	"callbridge/internal/calls"
)

// MemoryStore is an in-memory Store useful for tests and ephemeral
// deployments. Same semantics as the durable backends, no recovery across
// restarts.
type MemoryStore struct {
	mu        sync.Mutex
	active    map[string]calls.CallRecord
	history   []calls.CallRecord
	processed map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:    make(map[string]calls.CallRecord),
		processed: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStore) SaveCall(ctx context.Context, rec calls.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[rec.CallID] = rec
	return nil
}

func (s *MemoryStore) RemoveCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, callID)
	return nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, rec calls.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = struct{}{}
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	for _, rec := range s.active {
		snap.ActiveCalls = append(snap.ActiveCalls, rec)
	}
	for id := range s.processed {
		snap.ProcessedEventIDs = append(snap.ProcessedEventIDs, id)
	}
	return snap, nil
}

func (s *MemoryStore) History(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.CallRecord
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
