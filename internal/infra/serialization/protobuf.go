package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

// ProtoEncoder writes events as a google.protobuf.Struct. Row images are
// schemaless so a Struct carries them without generated message types.
type ProtoEncoder struct{}

func (ProtoEncoder) Format() Format      { return FormatProtobuf }
func (ProtoEncoder) ContentType() string { return "application/x-protobuf" }

// Encode marshals evt into a binary protobuf Struct.
func (ProtoEncoder) Encode(evt replication.RowEvent) ([]byte, error) {
	doc := toDocument(evt)

	fields := map[string]any{
		"event_id": doc.EventID,
		"database": doc.Database,
		"table":    doc.Table,
		"type":     doc.Type,
		"ts":       doc.TS,
		"position": doc.Position,
	}
	if doc.Data != nil {
		fields["data"] = doc.Data
	}
	if doc.Old != nil {
		fields["old"] = doc.Old
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to convert event %s to struct: %w", evt.ID, err)
	}

	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}
	return b, nil
}

// Decode parses a Struct produced by Encode.
func (ProtoEncoder) Decode(data []byte) (replication.RowEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return replication.RowEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	f := st.GetFields()
	doc := document{
		EventID:  f["event_id"].GetStringValue(),
		Database: f["database"].GetStringValue(),
		Table:    f["table"].GetStringValue(),
		Type:     f["type"].GetStringValue(),
		TS:       int64(f["ts"].GetNumberValue()),
		Position: f["position"].GetStringValue(),
	}
	if v := f["data"].GetStructValue(); v != nil {
		doc.Data = v.AsMap()
	}
	if v := f["old"].GetStructValue(); v != nil {
		doc.Old = v.AsMap()
	}
	return doc.toEvent()
}
