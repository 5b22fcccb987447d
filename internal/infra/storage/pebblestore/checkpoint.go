// Package pebblestore persists relay checkpoints in an embedded Pebble database
// for deployments without PostgreSQL.
package pebblestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/storage"
)

const keyPrefix = "checkpoint/"

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "pebble"),
}

// Options configures the embedded store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

var _ replication.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps one key per client. Every write is synced to the WAL
// before Save returns.
type CheckpointStore struct {
	db     *pebble.DB
	tracer trace.Tracer
}

// Open creates or opens the database at opts.DataDir.
func Open(opts Options, tracer trace.Tracer) (*CheckpointStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.DataDir, err)
	}
	return &CheckpointStore{db: db, tracer: tracer}, nil
}

func checkpointKey(clientID string) []byte { return []byte(keyPrefix + clientID) }

// Save writes the client's checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, clientID string, pos replication.Position) error {
	attrs := append(
		defaultDBAttributes,
		attribute.String("client_id", clientID),
		attribute.String("binlog.position", pos.Identifier()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "pebble.save_checkpoint", attrs, func(ctx context.Context) error {
		if err := pos.Validate(); err != nil {
			return fmt.Errorf("refusing to save checkpoint: %w", err)
		}
		if err := s.db.Set(checkpointKey(clientID), []byte(pos.Identifier()), pebble.Sync); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Load returns the client's checkpoint or replication.ErrNoCheckpoint.
func (s *CheckpointStore) Load(ctx context.Context, clientID string) (replication.Position, error) {
	var pos replication.Position
	attrs := append(
		defaultDBAttributes,
		attribute.String("client_id", clientID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.load_checkpoint", attrs, func(ctx context.Context) error {
		val, closer, err := s.db.Get(checkpointKey(clientID))
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return replication.ErrNoCheckpoint
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		defer closer.Close()

		pos, err = replication.ParsePosition(string(val))
		if err != nil {
			return fmt.Errorf("corrupt checkpoint for %s: %w", clientID, err)
		}
		return nil
	})
	return pos, err
}

// Close closes the database.
func (s *CheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
