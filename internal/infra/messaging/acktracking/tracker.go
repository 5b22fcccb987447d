// Package acktracking tracks sends that are in flight to an asynchronous sink
// and derives the highest source position that is safe to checkpoint.
//
// Sends are submitted in strictly increasing position order but may be
// acknowledged in any order. The tracker only ever advances its cursor across
// a contiguous run of acknowledged entries starting at the oldest one, so a
// checkpoint written from the cursor never skips an unacknowledged event.
// Submissions block once the configured capacity is reached, which provides
// backpressure to the producer.
package acktracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/binlog-relay/pkg/common/logger"
	"github.com/ahrav/binlog-relay/pkg/common/timeutil"
)

const (
	// DefaultCapacity is the default maximum number of in-flight sends.
	DefaultCapacity = 1000
	// DefaultCompletionThreshold is the default fraction of acknowledged
	// entries required before a stale head is considered stuck.
	DefaultCompletionThreshold = 0.9
)

// Terminator is the last-resort escape hatch invoked when the tracker decides
// the process can no longer make safe progress. Implementations must not call
// back into the tracker.
type Terminator interface {
	Terminate(err error)
}

// TerminatorFunc adapts a function to the Terminator interface.
type TerminatorFunc func(err error)

// Terminate calls f(err).
func (f TerminatorFunc) Terminate(err error) { f(err) }

// Config controls capacity and stuck-head detection.
type Config struct {
	// Capacity is the maximum number of simultaneously tracked entries.
	Capacity int
	// CompletionThreshold is the fraction of acknowledged entries, in [0,1],
	// at or above which a stale head is treated as stuck.
	CompletionThreshold float64
	// InflightTimeout is how long the head may stay unacknowledged while the
	// tracker is full. Zero disables the check.
	InflightTimeout time.Duration
}

// DefaultConfig returns the default capacity and threshold with stuck-head
// detection disabled.
func DefaultConfig() Config {
	return Config{
		Capacity:            DefaultCapacity,
		CompletionThreshold: DefaultCompletionThreshold,
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.CompletionThreshold < 0 || c.CompletionThreshold > 1 {
		return fmt.Errorf("completion threshold must be within [0,1], got %v", c.CompletionThreshold)
	}
	if c.InflightTimeout < 0 {
		return fmt.Errorf("inflight timeout must not be negative, got %s", c.InflightTimeout)
	}
	return nil
}

// Option customizes a Tracker.
type Option func(*options)

type options struct {
	logger  *logger.Logger
	clock   timeutil.Provider
	metrics Metrics
}

// WithLogger sets the logger used by the tracker.
func WithLogger(l *logger.Logger) Option { return func(o *options) { o.logger = l } }

// WithTimeProvider overrides the clock used for submission timestamps and
// staleness.
func WithTimeProvider(p timeutil.Provider) Option { return func(o *options) { o.clock = p } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }

// Tracker is an ordered registry of outstanding sends keyed by position.
// It is safe for concurrent use: any number of goroutines may call Submit and
// Complete.
type Tracker[P comparable] struct {
	mu      sync.Mutex
	entries *entryList[P]
	full    bool
	closed  bool
	// spaceFreed is closed, and replaced, whenever capacity is released so
	// that every blocked submitter wakes and re-checks fullness.
	spaceFreed chan struct{}

	// stuckReported is the head position last handed to the terminator.
	stuckReported    P
	hasStuckReported bool

	capacity   int
	threshold  float64
	timeout    time.Duration
	terminator Terminator

	clock   timeutil.Provider
	logger  *logger.Logger
	metrics Metrics
}

// NewTracker creates a Tracker. The terminator is required whenever
// cfg.InflightTimeout is positive.
func NewTracker[P comparable](cfg Config, terminator Terminator, opts ...Option) (*Tracker[P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	if terminator == nil && cfg.InflightTimeout > 0 {
		return nil, errors.New("terminator is required when an inflight timeout is configured")
	}

	o := options{logger: logger.Noop(), clock: timeutil.Default(), metrics: NoopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}

	return &Tracker[P]{
		entries:    newEntryList[P](cfg.Capacity),
		spaceFreed: make(chan struct{}),
		capacity:   cfg.Capacity,
		threshold:  cfg.CompletionThreshold,
		timeout:    cfg.InflightTimeout,
		terminator: terminator,
		clock:      o.clock,
		logger:     o.logger.With("component", "inflight_tracker"),
		metrics:    o.metrics,
	}, nil
}

// Submit registers a send for position p and returns its submission time.
// Positions must be submitted in strictly increasing order; ordering is the
// caller's responsibility. While the tracker is full Submit blocks until a
// completion frees capacity, ctx is done, or the tracker is closed.
func (t *Tracker[P]) Submit(ctx context.Context, p P) (time.Time, error) {
	t.mu.Lock()

	var waitStart time.Time
	for t.full && !t.closed {
		if waitStart.IsZero() {
			waitStart = t.clock.Now()
			t.logger.Debug(ctx, "inflight tracker full, waiting for capacity", "capacity", t.capacity)
		}

		freed := t.spaceFreed
		t.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			t.metrics.ObserveSubmitWait(ctx, t.clock.Since(waitStart))
			return time.Time{}, ctx.Err()
		}

		t.mu.Lock()
	}
	defer t.mu.Unlock()

	if !waitStart.IsZero() {
		t.metrics.ObserveSubmitWait(ctx, t.clock.Since(waitStart))
	}

	if t.closed {
		return time.Time{}, ErrClosed
	}
	if _, exists := t.entries.lookup(p); exists {
		return time.Time{}, fmt.Errorf("submit %v: %w", p, ErrDuplicatePosition)
	}

	now := t.clock.Now()
	t.entries.pushBack(p, now)

	size := t.entries.len()
	if size >= t.capacity {
		t.full = true
	}
	t.metrics.SetInflight(ctx, size)

	return now, nil
}

// Complete marks the send for position p as acknowledged.
//
// When p is the current head, every acknowledged entry from the front of the
// list is retired and the position of the last one is returned with
// advanced set to true: all positions up to and including it are safe to
// checkpoint. Completing any other entry never advances the cursor because an
// earlier send is still pending.
//
// Completing a position that is not tracked returns ErrUnknownPosition and
// leaves the tracker unchanged.
func (t *Tracker[P]) Complete(p P) (cursor P, advanced bool, err error) {
	ctx := context.Background()

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.entries.lookup(p)
	if !ok {
		return cursor, false, fmt.Errorf("complete %v: %w", p, ErrUnknownPosition)
	}
	t.entries.markComplete(idx)

	if idx == t.entries.front {
		removed := 0
		for {
			head, ok := t.entries.head()
			if !ok || !head.complete {
				break
			}
			cursor = t.entries.popFront()
			advanced = true
			removed++
		}

		if advanced {
			t.metrics.ObserveCursorAdvance(ctx, removed)
		}

		if t.full && t.entries.len() < t.capacity {
			t.full = false
			close(t.spaceFreed)
			t.spaceFreed = make(chan struct{})
		}
	}
	t.metrics.SetInflight(ctx, t.entries.len())

	t.checkStuckHead(ctx)

	return cursor, advanced, nil
}

// checkStuckHead hands a StuckHeadError to the terminator when the tracker is
// full, the head is older than the inflight timeout and the completion ratio
// meets the threshold. Each head position is reported at most once.
// Callers must hold t.mu.
func (t *Tracker[P]) checkStuckHead(ctx context.Context) {
	if t.timeout <= 0 || !t.full {
		return
	}

	head, ok := t.entries.head()
	if !ok {
		return
	}

	staleness := head.staleness(t.clock.Now())
	if staleness <= t.timeout {
		return
	}

	ratio := t.completionPercentage()
	if ratio < t.threshold {
		return
	}

	if t.hasStuckReported && t.stuckReported == head.position {
		return
	}
	t.stuckReported, t.hasStuckReported = head.position, true

	err := &StuckHeadError{
		Position:        head.position,
		Staleness:       staleness,
		Timeout:         t.timeout,
		CompletionRatio: ratio,
	}
	t.logger.Error(ctx, "inflight head is stuck, terminating",
		"position", fmt.Sprint(head.position),
		"staleness", staleness.String(),
		"timeout", t.timeout.String(),
		"completion_ratio", ratio,
	)
	t.metrics.IncStuckHead(ctx)
	t.terminator.Terminate(err)
}

// Size returns the number of tracked entries.
func (t *Tracker[P]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.len()
}

// IsFull reports whether the tracker is at capacity.
func (t *Tracker[P]) IsFull() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.full
}

// Head returns the oldest tracked position, if any.
func (t *Tracker[P]) Head() (P, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head, ok := t.entries.head()
	if !ok {
		var zero P
		return zero, false
	}
	return head.position, true
}

// CompletionPercentage returns the fraction of tracked entries that have been
// acknowledged, or 0 when nothing is tracked.
func (t *Tracker[P]) CompletionPercentage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completionPercentage()
}

func (t *Tracker[P]) completionPercentage() float64 {
	n := t.entries.len()
	if n == 0 {
		return 0
	}
	return float64(t.entries.completed) / float64(n)
}

// Close releases every blocked Submit with ErrClosed and rejects further
// submissions. Completions are still accepted so in-flight sends can drain.
func (t *Tracker[P]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.spaceFreed)
	t.spaceFreed = make(chan struct{})
}
