// Package serialization converts row events into the wire formats written to
// the sink. Encoders are registered per Format so the relay can select one by
// name from configuration without knowing the concrete implementation.
package serialization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

// Format names a wire encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// Encoder converts a row event into bytes and back.
type Encoder interface {
	Format() Format
	ContentType() string
	Encode(evt replication.RowEvent) ([]byte, error)
	Decode(data []byte) (replication.RowEvent, error)
}

var (
	mu       sync.RWMutex
	registry = map[Format]Encoder{}
)

// Register makes enc available under its Format, replacing any previous
// registration.
func Register(enc Encoder) {
	mu.Lock()
	defer mu.Unlock()
	registry[enc.Format()] = enc
}

// NewEncoder returns the encoder registered for format.
func NewEncoder(format Format) (Encoder, error) {
	mu.RLock()
	defer mu.RUnlock()

	enc, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("no encoder registered for format=%s (known: %v)", format, formatsLocked())
	}
	return enc, nil
}

func formatsLocked() []Format {
	out := make([]Format, 0, len(registry))
	for f := range registry {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(JSONEncoder{})
	Register(ProtoEncoder{})
}
