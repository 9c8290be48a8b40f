package indexer

import "context"

// CheckpointStore persists the last fully processed block and its hash. The
// checkpoint only moves forward, and it is only written after every event in
// the range up to it has been applied. The hash is advisory, recorded for
// reorg detection: it never gates a round, and a failed header read is stored
// as the empty string.
type CheckpointStore interface {
	// Load returns the checkpoint. found is false when no round has ever
	// completed.
	Load(ctx context.Context) (block uint64, blockHash string, found bool, err error)
	Save(ctx context.Context, block uint64, blockHash string) error
}
