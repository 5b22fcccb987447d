package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

// JSONEncoder writes events as flat JSON documents.
type JSONEncoder struct{}

func (JSONEncoder) Format() Format      { return FormatJSON }
func (JSONEncoder) ContentType() string { return "application/json" }

// Encode marshals evt to JSON.
func (JSONEncoder) Encode(evt replication.RowEvent) ([]byte, error) {
	b, err := json.Marshal(toDocument(evt))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}
	return b, nil
}

// Decode parses a document produced by Encode.
func (JSONEncoder) Decode(data []byte) (replication.RowEvent, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return replication.RowEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return doc.toEvent()
}
