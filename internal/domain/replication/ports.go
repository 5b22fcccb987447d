package replication

import (
	"context"
	"errors"
)

// ErrNoCheckpoint is returned by CheckpointStore.Load when no position has
// been stored for the client.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Source yields row events in strictly increasing position order. Next
// returns io.EOF once a finite source is exhausted.
type Source interface {
	Next(ctx context.Context) (RowEvent, error)
	Close() error
}

// Callback is invoked exactly once per sent event with the send's outcome. It
// may run on any goroutine and callbacks may arrive in any order.
type Callback func(evt RowEvent, err error)

// Sink delivers events asynchronously to a downstream system.
type Sink interface {
	// Send hands evt to the sink. A nil return means cb will eventually be
	// invoked; a non-nil return means it never will.
	Send(ctx context.Context, evt RowEvent, cb Callback) error
	// Close flushes outstanding sends, invoking their callbacks, and releases
	// the sink's resources.
	Close() error
}

// CheckpointStore persists the position up to which every event has been
// acknowledged by the sink.
type CheckpointStore interface {
	Save(ctx context.Context, clientID string, pos Position) error
	Load(ctx context.Context, clientID string) (Position, error)
}
