// Package callstore persists call state durably enough that a restart
// mid-call can rebuild the in-memory registry without re-treating
// already-seen webhooks as new.
package callstore

import (
	"context"

	"callbridge/internal/calls"
)

// Store is the persistence contract for the call manager.
//
// Active-call snapshots and the call history are separate concerns: a
// snapshot is overwritten on every mutation and removed on eviction, while
// history is append-only and never rewritten.
type Store interface {
	// Initialize prepares the storage location. Must be called before any
	// other method and must be safe to call on an already-initialized store.
	Initialize(ctx context.Context) error

	// SaveCall upserts the snapshot of one active call.
	SaveCall(ctx context.Context, rec calls.CallRecord) error

	// RemoveCall deletes the active snapshot once a call has been evicted.
	// Removing a call that has no snapshot is not an error.
	RemoveCall(ctx context.Context, callID string) error

	// AppendHistory appends the final state of a call to the durable log.
	AppendHistory(ctx context.Context, rec calls.CallRecord) error

	// MarkEventProcessed durably records an applied event id.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// LoadSnapshot returns everything needed to rebuild the registry.
	LoadSnapshot(ctx context.Context) (Snapshot, error)

	// History returns up to limit records, most recent first.
	History(ctx context.Context, limit int) ([]calls.CallRecord, error)

	Close() error
}

// Snapshot is the recovered persistent state.
type Snapshot struct {
	ActiveCalls       []calls.CallRecord
	ProcessedEventIDs []string
}
