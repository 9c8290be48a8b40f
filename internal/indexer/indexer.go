// Package indexer replays confirmed contract events into the dispute store.
//
// It polls the chain behind a confirmation lag, processes bounded block
// ranges, and only advances its durable checkpoint after a range has been
// fully applied. Every handler is idempotent, so re-processing a range after
// a crash converges to the same database state.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veralabs/disputed/internal/chain"
	"github.com/veralabs/disputed/internal/dispute"
	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/traces"
)

// EventSource reads confirmed events from the voting contract.
type EventSource interface {
	Head(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	QueryDisputeCreated(ctx context.Context, fromBlock, toBlock uint64) ([]chain.CreatedEvent, error)
	QueryVoted(ctx context.Context, fromBlock, toBlock uint64) ([]chain.VotedEvent, error)
	QueryDisputeFinalized(ctx context.Context, fromBlock, toBlock uint64) ([]chain.FinalizedEvent, error)
}

// Config controls the sync loop.
type Config struct {
	// StartBlock is where a fresh deployment begins when no checkpoint
	// exists yet, typically the contract deployment block.
	StartBlock uint64
	// ConfirmationLag is how many blocks behind the head the indexer stays
	// to avoid reading blocks that may still reorg.
	ConfirmationLag uint64
	PollInterval    time.Duration
	// MaxBlockRange bounds a single FilterLogs query.
	MaxBlockRange uint64
}

// DefaultConfig returns the settings used in production.
func DefaultConfig() Config {
	return Config{
		ConfirmationLag: 3,
		PollInterval:    10 * time.Second,
		MaxBlockRange:   1000,
	}
}

// Indexer drives event replay on a timer.
type Indexer struct {
	source      EventSource
	store       dispute.Store
	checkpoints CheckpointStore
	config      Config
	logger      *slog.Logger

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func New(source EventSource, store dispute.Store, checkpoints CheckpointStore, cfg Config, logger *slog.Logger) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultConfig().MaxBlockRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		source:      source,
		store:       store,
		checkpoints: checkpoints,
		config:      cfg,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the poll loop.
func (ix *Indexer) Start(ctx context.Context) {
	ix.logger.Info("indexer started",
		"interval", ix.config.PollInterval,
		"confirmation_lag", ix.config.ConfirmationLag,
		"start_block", ix.config.StartBlock,
	)
	go ix.pollLoop(ctx)
}

// Stop stops the loop and waits for the in-flight round to finish.
func (ix *Indexer) Stop() {
	close(ix.stop)
	<-ix.done
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	defer close(ix.done)

	ticker := time.NewTicker(ix.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stop:
			return
		case <-ticker.C:
			if err := ix.SyncOnce(ctx); err != nil {
				ix.logger.Error("indexer round failed", "error", err)
			}
		}
	}
}

// SyncOnce runs one full catch-up round: it processes every confirmed block
// past the checkpoint in bounded ranges, persisting the checkpoint after each
// range. A failed range halts the round; that range is retried from scratch
// on the next tick.
func (ix *Indexer) SyncOnce(ctx context.Context) error {
	// Rounds never overlap. A slow round just delays the next one.
	if !ix.running.CompareAndSwap(false, true) {
		return nil
	}
	defer ix.running.Store(false)

	head, err := ix.source.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}
	if head < ix.config.ConfirmationLag {
		return nil
	}
	confirmed := head - ix.config.ConfirmationLag

	last, _, found, err := ix.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	var from uint64
	switch {
	case found:
		from = last + 1
	case ix.config.StartBlock > 0:
		from = ix.config.StartBlock
	default:
		// No checkpoint and no configured start: begin at the confirmed
		// head so a fresh deployment does not replay the whole chain.
		from = confirmed + 1
	}

	for from <= confirmed {
		to := from + ix.config.MaxBlockRange - 1
		if to > confirmed {
			to = confirmed
		}

		if err := ix.processRange(ctx, from, to); err != nil {
			return fmt.Errorf("processing blocks %d-%d: %w", from, to, err)
		}

		// The hash is advisory (reorg forensics), so a failed header read
		// never holds the checkpoint back.
		hash, err := ix.source.BlockHash(ctx, to)
		if err != nil {
			ix.logger.Warn("failed to read block hash for checkpoint",
				"block", to, "error", err)
			hash = ""
		}
		if err := ix.checkpoints.Save(ctx, to, hash); err != nil {
			return fmt.Errorf("saving checkpoint at block %d: %w", to, err)
		}
		metrics.IndexerCheckpoint.Set(float64(to))
		from = to + 1
	}
	return nil
}

// processRange applies one block range. Created events run before Voted, and
// Voted before Finalized, so a dispute whose whole lifecycle lands in one
// range is replayed in lifecycle order.
func (ix *Indexer) processRange(ctx context.Context, fromBlock, toBlock uint64) error {
	ctx, span := traces.StartSpan(ctx, "indexer.processRange", traces.BlockRange(fromBlock, toBlock)...)
	defer span.End()

	created, err := ix.source.QueryDisputeCreated(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}
	voted, err := ix.source.QueryVoted(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}
	finalized, err := ix.source.QueryDisputeFinalized(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}

	for _, ev := range created {
		if err := ix.applyCreated(ctx, ev); err != nil {
			return err
		}
	}
	for _, ev := range voted {
		if err := ix.applyVoted(ctx, ev); err != nil {
			return err
		}
	}
	for _, ev := range finalized {
		if err := ix.applyFinalized(ctx, ev); err != nil {
			return err
		}
	}

	if n := len(created) + len(voted) + len(finalized); n > 0 {
		ix.logger.Info("applied chain events",
			"from_block", fromBlock,
			"to_block", toBlock,
			"created", len(created),
			"voted", len(voted),
			"finalized", len(finalized),
		)
	}
	return nil
}

func (ix *Indexer) applyCreated(ctx context.Context, ev chain.CreatedEvent) error {
	err := ix.store.MarkVoting(ctx, ev.ContractDisputeID, ev.Deadline)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			// Created directly on the contract, bypassing the API. Nothing
			// to reconcile against.
			ix.logger.Warn("created event for unknown dispute, skipping",
				"contract_dispute_id", ev.ContractDisputeID,
				"tx", ev.TxHash,
			)
			return nil
		}
		return fmt.Errorf("marking dispute %d voting: %w", ev.ContractDisputeID, err)
	}
	metrics.EventsIndexedTotal.WithLabelValues("created").Inc()
	return nil
}

func (ix *Indexer) applyVoted(ctx context.Context, ev chain.VotedEvent) error {
	if ev.Choice != dispute.ChoiceAgent && ev.Choice != dispute.ChoiceUser {
		ix.logger.Warn("voted event with invalid choice, skipping",
			"contract_dispute_id", ev.ContractDisputeID,
			"choice", ev.Choice,
			"tx", ev.TxHash,
		)
		return nil
	}

	d, err := ix.store.GetByContractDisputeID(ctx, ev.ContractDisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			ix.logger.Warn("voted event for unknown dispute, skipping",
				"contract_dispute_id", ev.ContractDisputeID,
				"tx", ev.TxHash,
			)
			return nil
		}
		return fmt.Errorf("loading dispute %d: %w", ev.ContractDisputeID, err)
	}

	inserted, err := ix.store.RecordVote(ctx, &dispute.Vote{
		ID:          uuid.New().String(),
		DisputeID:   d.ID,
		Voter:       ev.Voter,
		Choice:      ev.Choice,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
	})
	if err != nil {
		return fmt.Errorf("recording vote on dispute %d: %w", ev.ContractDisputeID, err)
	}
	if inserted {
		metrics.EventsIndexedTotal.WithLabelValues("voted").Inc()
	}
	return nil
}

func (ix *Indexer) applyFinalized(ctx context.Context, ev chain.FinalizedEvent) error {
	d, err := ix.store.GetByContractDisputeID(ctx, ev.ContractDisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			ix.logger.Warn("finalized event for unknown dispute, skipping",
				"contract_dispute_id", ev.ContractDisputeID,
				"tx", ev.TxHash,
			)
			return nil
		}
		return fmt.Errorf("loading dispute %d: %w", ev.ContractDisputeID, err)
	}
	if d.Status == dispute.StatusResolved {
		return nil
	}

	err = ix.store.ApplyResolution(ctx, d.ID, dispute.Resolution{
		Result:     dispute.ResultFromCode(ev.ResultCode),
		VotesAgent: ev.VotesAgent,
		VotesUser:  ev.VotesUser,
		TxHash:     ev.TxHash,
	})
	if err != nil {
		return fmt.Errorf("resolving dispute %d: %w", ev.ContractDisputeID, err)
	}
	metrics.EventsIndexedTotal.WithLabelValues("finalized").Inc()
	metrics.FinalizationsTotal.WithLabelValues("event", string(dispute.ResultFromCode(ev.ResultCode))).Inc()
	return nil
}
