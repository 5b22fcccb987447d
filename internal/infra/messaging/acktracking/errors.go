package acktracking

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownPosition is returned by Complete for a position that is not
	// currently tracked. It indicates a broken submit/complete pairing in the
	// caller (double acknowledgment or wrong key) and must not be ignored.
	ErrUnknownPosition = errors.New("position is not tracked")

	// ErrDuplicatePosition is returned by Submit when the position is already
	// being tracked.
	ErrDuplicatePosition = errors.New("position is already tracked")

	// ErrClosed is returned by Submit once the tracker has been closed.
	ErrClosed = errors.New("inflight tracker closed")
)

// StuckHeadError is handed to the Terminator when the oldest tracked entry has
// gone unacknowledged past the inflight timeout while the tracker is full and
// nearly everything else has been acknowledged.
type StuckHeadError struct {
	Position        any
	Staleness       time.Duration
	Timeout         time.Duration
	CompletionRatio float64
}

func (e *StuckHeadError) Error() string {
	return fmt.Sprintf(
		"did not receive acknowledgement for the head of the inflight list (position %v) for %s; inflight timeout is %s (%.0f%% of inflight sends acknowledged)",
		e.Position, e.Staleness, e.Timeout, e.CompletionRatio*100,
	)
}
