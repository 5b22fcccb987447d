package serialization

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

// document is the wire shape shared by every encoder:
//
//	{"event_id": "...", "database": "shop", "table": "orders", "type": "insert",
//	 "ts": 1700000000, "position": "mysql-bin.000001:4", "data": {...}, "old": {...}}
type document struct {
	EventID  string         `json:"event_id"`
	Database string         `json:"database"`
	Table    string         `json:"table"`
	Type     string         `json:"type"`
	TS       int64          `json:"ts"`
	Position string         `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
	Old      map[string]any `json:"old,omitempty"`
}

func toDocument(evt replication.RowEvent) document {
	return document{
		EventID:  evt.ID.String(),
		Database: evt.Database,
		Table:    evt.Table,
		Type:     string(evt.Type),
		TS:       evt.Timestamp.Unix(),
		Position: evt.Position.Identifier(),
		Data:     evt.Data,
		Old:      evt.Old,
	}
}

func (d document) toEvent() (replication.RowEvent, error) {
	id, err := uuid.Parse(d.EventID)
	if err != nil {
		return replication.RowEvent{}, fmt.Errorf("invalid event_id: %w", err)
	}
	pos, err := replication.ParsePosition(d.Position)
	if err != nil {
		return replication.RowEvent{}, err
	}

	return replication.RowEvent{
		ID:        id,
		Database:  d.Database,
		Table:     d.Table,
		Type:      replication.EventType(d.Type),
		Timestamp: time.Unix(d.TS, 0).UTC(),
		Data:      d.Data,
		Old:       d.Old,
		Position:  pos,
	}, nil
}
