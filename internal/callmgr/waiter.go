package callmgr

import (
	"errors"
	"time"
)

// transcriptWaiter is the single-slot rendezvous between a ContinueCall
// request and the transcript event that answers it. At most one exists per
// call; registering a second is a conflict, never a silent replacement.
type transcriptWaiter struct {
	// outcome is buffered so the resolver never blocks on a caller that
	// already gave up.
	outcome chan waiterOutcome
	// deadline rejects the waiter if no transcript arrives in time. Stopped
	// on every exit path.
	deadline *time.Timer
}

type waiterOutcome struct {
	text       string
	confidence float64
	err        error
}

func newTranscriptWaiter() *transcriptWaiter {
	return &transcriptWaiter{outcome: make(chan waiterOutcome, 1)}
}

// deliver hands the outcome to the waiting caller. The buffered channel
// makes a second deliver a no-op rather than a deadlock.
func (w *transcriptWaiter) deliver(out waiterOutcome) {
	if w.deadline != nil {
		w.deadline.Stop()
	}
	select {
	case w.outcome <- out:
	default:
	}
}

var (
	// ErrWaiterConflict reports a ContinueCall while another is outstanding
	// for the same call.
	ErrWaiterConflict = errors.New("callmgr: a transcript wait is already in progress for this call")

	// ErrTranscriptTimeout reports that no transcript arrived before the
	// wait deadline.
	ErrTranscriptTimeout = errors.New("callmgr: timed out waiting for a transcript")

	// ErrCallEnded reports that the call terminated while a transcript wait
	// was outstanding.
	ErrCallEnded = errors.New("callmgr: call ended before a transcript arrived")
)
