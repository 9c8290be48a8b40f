package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresCheckpointStore keeps the checkpoint in a single-row table so it
// survives restarts.
type PostgresCheckpointStore struct {
	db *sql.DB
}

func NewPostgresCheckpointStore(db *sql.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

func (s *PostgresCheckpointStore) Load(ctx context.Context) (uint64, string, bool, error) {
	var (
		block int64
		hash  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_block, last_block_hash FROM indexer_checkpoint WHERE id = 1`,
	).Scan(&block, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("loading checkpoint: %w", err)
	}
	return uint64(block), hash, true, nil
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, block uint64, blockHash string) error {
	// GREATEST keeps the checkpoint monotonic even if two processes race; the
	// hash only follows a block that actually advanced.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoint (id, last_block, last_block_hash, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_block = GREATEST(indexer_checkpoint.last_block, EXCLUDED.last_block),
		    last_block_hash = CASE
		        WHEN EXCLUDED.last_block > indexer_checkpoint.last_block THEN EXCLUDED.last_block_hash
		        ELSE indexer_checkpoint.last_block_hash
		    END,
		    updated_at = NOW()`,
		int64(block), blockHash,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}
