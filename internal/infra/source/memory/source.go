// Package memory provides a slice-backed event source.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

var _ replication.Source = (*Source)(nil)

// Source replays a fixed list of events and then returns io.EOF.
type Source struct {
	mu     sync.Mutex
	events []replication.RowEvent
	next   int
}

// NewSource returns a source over events, skipping those at or before after.
func NewSource(events []replication.RowEvent, after replication.Position) *Source {
	s := &Source{}
	for _, evt := range events {
		if after.IsZero() || after.Less(evt.Position) {
			s.events = append(s.events, evt)
		}
	}
	return s
}

func (s *Source) Next(ctx context.Context) (replication.RowEvent, error) {
	if err := ctx.Err(); err != nil {
		return replication.RowEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.events) {
		return replication.RowEvent{}, io.EOF
	}
	evt := s.events[s.next]
	s.next++
	return evt, nil
}

func (s *Source) Close() error { return nil }
