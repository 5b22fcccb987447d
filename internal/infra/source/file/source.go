// Package file reads row events from newline-delimited JSON replay files.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/serialization"
)

const maxLineSize = 16 << 20

var _ replication.Source = (*Source)(nil)

// Source yields the events of a replay file in order, skipping every event
// at or before the resume position.
type Source struct {
	r       io.Reader
	closer  io.Closer
	scanner *bufio.Scanner
	decoder serialization.Encoder

	after replication.Position
	last  replication.Position
	line  int
}

// Open opens path for reading. A zero after replays the whole file.
func Open(path string, after replication.Position) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	s := NewSource(f, after)
	s.closer = f
	return s, nil
}

// NewSource reads events from r.
func NewSource(r io.Reader, after replication.Position) *Source {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	return &Source{
		r:       r,
		scanner: sc,
		decoder: serialization.JSONEncoder{},
		after:   after,
	}
}

// Next returns the next event, or io.EOF when the file is exhausted.
func (s *Source) Next(ctx context.Context) (replication.RowEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return replication.RowEvent{}, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return replication.RowEvent{}, fmt.Errorf("failed reading line %d: %w", s.line+1, err)
			}
			return replication.RowEvent{}, io.EOF
		}
		s.line++

		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		evt, err := s.decoder.Decode(raw)
		if err != nil {
			return replication.RowEvent{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		if err := evt.Validate(); err != nil {
			return replication.RowEvent{}, fmt.Errorf("line %d: %w", s.line, err)
		}

		if !s.after.IsZero() && !s.after.Less(evt.Position) {
			continue
		}
		if !s.last.IsZero() && !s.last.Less(evt.Position) {
			return replication.RowEvent{}, fmt.Errorf(
				"line %d: position %s does not follow %s", s.line, evt.Position, s.last,
			)
		}
		s.last = evt.Position
		return evt, nil
	}
}

// Close closes the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
