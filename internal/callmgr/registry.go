package callmgr

import (
	"time"

	"callbridge/internal/calls"
)

// Bounds on the dedup and tombstone sets, which otherwise grow for the
// process lifetime. Oldest entries are dropped first; the durable store
// still remembers everything.
const (
	maxProcessedEvents = 8192
	maxEndedTombstones = 2048
)

// registry is the in-memory active-call table plus its secondary structures:
// the providerCallId index, the processed-event dedup set, per-call waiter
// slots and max-duration timers, and the set of calls already ended this
// process lifetime.
//
// Not safe for concurrent use on its own: the Manager's mutex is the single
// serialization point for every mutation and read.
type registry struct {
	active     map[string]*calls.CallRecord
	byProvider map[string]string // providerCallID -> CallID

	processed      map[string]struct{}
	processedOrder []string

	waiters   map[string]*transcriptWaiter
	maxTimers map[string]*time.Timer

	// ended and endedProviders remember calls that reached a terminal state
	// and were evicted, so idempotent commands and late vendor events for
	// them can be told apart from unknown ids.
	ended          map[string]struct{}
	endedProviders map[string]struct{}
	endedOrder     []tombstone
}

type tombstone struct {
	callID         string
	providerCallID string
}

func newRegistry() *registry {
	return &registry{
		active:         make(map[string]*calls.CallRecord),
		byProvider:     make(map[string]string),
		processed:      make(map[string]struct{}),
		waiters:        make(map[string]*transcriptWaiter),
		maxTimers:      make(map[string]*time.Timer),
		ended:          make(map[string]struct{}),
		endedProviders: make(map[string]struct{}),
	}
}

func (r *registry) insert(rec *calls.CallRecord) {
	r.active[rec.CallID] = rec
	if rec.ProviderCallID != "" {
		r.byProvider[rec.ProviderCallID] = rec.CallID
	}
}

func (r *registry) get(callID string) (*calls.CallRecord, bool) {
	rec, ok := r.active[callID]
	return rec, ok
}

func (r *registry) getByProvider(providerCallID string) (*calls.CallRecord, bool) {
	callID, ok := r.byProvider[providerCallID]
	if !ok {
		return nil, false
	}
	return r.get(callID)
}

// remapProvider upgrades the provider-id index when the vendor replaces a
// provisional id with the real one. Remove-then-insert is one step under the
// manager's lock; a reader never sees both entries live.
func (r *registry) remapProvider(rec *calls.CallRecord, newProviderCallID string) {
	if rec.ProviderCallID == newProviderCallID {
		return
	}
	if rec.ProviderCallID != "" {
		delete(r.byProvider, rec.ProviderCallID)
	}
	rec.ProviderCallID = newProviderCallID
	if newProviderCallID != "" {
		r.byProvider[newProviderCallID] = rec.CallID
	}
}

// evict removes a terminal call from the active table and index, keeping
// tombstones for its call id and provider id.
func (r *registry) evict(rec *calls.CallRecord) {
	delete(r.active, rec.CallID)
	delete(r.byProvider, rec.ProviderCallID)

	r.ended[rec.CallID] = struct{}{}
	if rec.ProviderCallID != "" {
		r.endedProviders[rec.ProviderCallID] = struct{}{}
	}
	r.endedOrder = append(r.endedOrder, tombstone{rec.CallID, rec.ProviderCallID})
	if len(r.endedOrder) > maxEndedTombstones {
		old := r.endedOrder[0]
		r.endedOrder = r.endedOrder[1:]
		delete(r.ended, old.callID)
		delete(r.endedProviders, old.providerCallID)
	}
}

func (r *registry) wasEnded(callID string) bool {
	_, ok := r.ended[callID]
	return ok
}

func (r *registry) wasEndedProvider(providerCallID string) bool {
	if providerCallID == "" {
		return false
	}
	_, ok := r.endedProviders[providerCallID]
	return ok
}

func (r *registry) seen(eventID string) bool {
	_, ok := r.processed[eventID]
	return ok
}

func (r *registry) markProcessed(eventID string) {
	if eventID == "" || r.seen(eventID) {
		return
	}
	r.processed[eventID] = struct{}{}
	r.processedOrder = append(r.processedOrder, eventID)
	if len(r.processedOrder) > maxProcessedEvents {
		old := r.processedOrder[0]
		r.processedOrder = r.processedOrder[1:]
		delete(r.processed, old)
	}
}

func (r *registry) snapshot() []calls.CallRecord {
	out := make([]calls.CallRecord, 0, len(r.active))
	for _, rec := range r.active {
		out = append(out, *rec)
	}
	return out
}

// armMaxTimer replaces any existing max-duration timer for the call.
func (r *registry) armMaxTimer(callID string, t *time.Timer) {
	if old, ok := r.maxTimers[callID]; ok {
		old.Stop()
	}
	r.maxTimers[callID] = t
}

// disarmMaxTimer stops and forgets the call's max-duration timer. Must be
// hit on every path that ends a call, or a stale timer can fire later.
func (r *registry) disarmMaxTimer(callID string) {
	if t, ok := r.maxTimers[callID]; ok {
		t.Stop()
		delete(r.maxTimers, callID)
	}
}
