// Package memory provides an in-process sink that acknowledges events
// asynchronously. It backs the stdout development mode and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/serialization"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("memory sink closed")

// FailureFunc decides whether delivery of evt fails.
type FailureFunc func(evt replication.RowEvent) error

// Option configures a Sink.
type Option func(*Sink)

// WithMaxDelay makes each send complete after a random delay in [0, d).
// Sends therefore acknowledge out of order.
func WithMaxDelay(d time.Duration) Option { return func(s *Sink) { s.maxDelay = d } }

// WithFailure injects delivery failures.
func WithFailure(fn FailureFunc) Option { return func(s *Sink) { s.fail = fn } }

// WithOutput writes every delivered event to w using enc, one per line.
func WithOutput(w io.Writer, enc serialization.Encoder) Option {
	return func(s *Sink) {
		s.out = w
		s.encoder = enc
	}
}

var _ replication.Sink = (*Sink)(nil)

// Sink records delivered events in memory.
type Sink struct {
	maxDelay time.Duration
	fail     FailureFunc
	out      io.Writer
	encoder  serialization.Encoder

	mu        sync.Mutex
	closed    bool
	delivered []replication.RowEvent
	wg        sync.WaitGroup
}

// NewSink creates a Sink.
func NewSink(opts ...Option) *Sink {
	s := new(Sink)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers evt on its own goroutine and then invokes cb.
func (s *Sink) Send(ctx context.Context, evt replication.RowEvent, cb replication.Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if s.maxDelay > 0 {
			time.Sleep(rand.N(s.maxDelay))
		}
		err := s.deliver(evt)
		if cb != nil {
			cb(evt, err)
		}
	}()
	return nil
}

func (s *Sink) deliver(evt replication.RowEvent) error {
	if s.fail != nil {
		if err := s.fail(evt); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		b, err := s.encoder.Encode(evt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(s.out, "%s\n", b); err != nil {
			return fmt.Errorf("writing event at %s: %w", evt.Position, err)
		}
		return nil
	}
	s.delivered = append(s.delivered, evt)
	return nil
}

// Delivered returns the successfully delivered events in delivery order.
// Events written to an output are not retained.
func (s *Sink) Delivered() []replication.RowEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replication.RowEvent(nil), s.delivered...)
}

// Close waits for in-flight sends to finish.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
