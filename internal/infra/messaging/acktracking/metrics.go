package acktracking

import (
	"context"
	"time"
)

// Metrics receives observations about the tracker's occupancy and cursor.
type Metrics interface {
	// SetInflight reports the current number of tracked entries.
	SetInflight(ctx context.Context, n int)
	// ObserveCursorAdvance reports a sweep that retired n entries.
	ObserveCursorAdvance(ctx context.Context, n int)
	// ObserveSubmitWait reports how long a submit waited for capacity.
	ObserveSubmitWait(ctx context.Context, d time.Duration)
	// IncStuckHead counts stuck-head detections.
	IncStuckHead(ctx context.Context)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) SetInflight(context.Context, int)                 {}
func (NoopMetrics) ObserveCursorAdvance(context.Context, int)        {}
func (NoopMetrics) ObserveSubmitWait(context.Context, time.Duration) {}
func (NoopMetrics) IncStuckHead(context.Context)                     {}
