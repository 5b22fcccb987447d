// Package timeutil abstracts the wall clock so time-dependent behaviour
// (staleness, flush intervals) can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realProvider struct{}

func (realProvider) Now() time.Time                  { return time.Now() }
func (realProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// Mock is a manually advanced Provider.
type Mock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewMock returns a Mock frozen at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the frozen time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// Since returns the duration between t and the frozen time.
func (m *Mock) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

// Advance moves the frozen time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// Set freezes the time at t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = t
}
