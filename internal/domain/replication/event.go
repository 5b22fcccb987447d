package replication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a row event.
type EventType string

const (
	EventTypeInsert EventType = "insert"
	EventTypeUpdate EventType = "update"
	EventTypeDelete EventType = "delete"
	EventTypeDDL    EventType = "ddl"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeInsert, EventTypeUpdate, EventTypeDelete, EventTypeDDL:
		return true
	}
	return false
}

// RowEvent is a single change read from the source log.
type RowEvent struct {
	ID        uuid.UUID
	Database  string
	Table     string
	Type      EventType
	Timestamp time.Time
	// Data holds the row after the change (before it, for deletes).
	Data map[string]any
	// Old holds the changed columns' previous values for updates.
	Old      map[string]any
	Position Position
}

// NewRowEvent constructs a RowEvent with a fresh ID.
func NewRowEvent(
	database, table string,
	typ EventType,
	ts time.Time,
	data map[string]any,
	pos Position,
) RowEvent {
	return RowEvent{
		ID:        uuid.New(),
		Database:  database,
		Table:     table,
		Type:      typ,
		Timestamp: ts,
		Data:      data,
		Position:  pos,
	}
}

// PartitionKey groups events of the same table so a keyed sink keeps their
// relative order.
func (e RowEvent) PartitionKey() string { return e.Database + "." + e.Table }

// Validate checks the event is complete enough to send.
func (e RowEvent) Validate() error {
	if e.Database == "" {
		return fmt.Errorf("event %s has no database", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event %s has unknown type %q", e.ID, e.Type)
	}
	if err := e.Position.Validate(); err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	return nil
}
