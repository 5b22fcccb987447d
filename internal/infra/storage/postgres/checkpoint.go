// Package postgres persists relay checkpoints in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/storage"
)

const (
	upsertCheckpoint = `
INSERT INTO relay_checkpoints (client_id, binlog_file, binlog_offset, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (client_id) DO UPDATE
SET binlog_file = EXCLUDED.binlog_file,
    binlog_offset = EXCLUDED.binlog_offset,
    updated_at = NOW()`

	selectCheckpoint = `
SELECT binlog_file, binlog_offset
FROM relay_checkpoints
WHERE client_id = $1`

	deleteCheckpoint = `DELETE FROM relay_checkpoints WHERE client_id = $1`
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ replication.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps one row per relay client holding the last position
// whose events were all acknowledged.
type CheckpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store. The schema
// must already be migrated.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *CheckpointStore {
	return &CheckpointStore{pool: pool, tracer: tracer}
}

// Save upserts the client's checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, clientID string, pos replication.Position) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("client_id", clientID),
		attribute.String("binlog.position", pos.Identifier()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		if err := pos.Validate(); err != nil {
			return fmt.Errorf("refusing to save checkpoint: %w", err)
		}
		if _, err := s.pool.Exec(ctx, upsertCheckpoint, clientID, pos.File, int64(pos.Offset)); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Load returns the client's checkpoint or replication.ErrNoCheckpoint.
func (s *CheckpointStore) Load(ctx context.Context, clientID string) (replication.Position, error) {
	var pos replication.Position
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("client_id", clientID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		var offset int64
		err := s.pool.QueryRow(ctx, selectCheckpoint, clientID).Scan(&pos.File, &offset)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return replication.ErrNoCheckpoint
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		pos.Offset = uint64(offset)
		return nil
	})
	return pos, err
}

// Delete removes the client's checkpoint. It is not an error if none exists.
func (s *CheckpointStore) Delete(ctx context.Context, clientID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("client_id", clientID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, deleteCheckpoint, clientID); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
