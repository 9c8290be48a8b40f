// Package finalizer closes out disputes whose voting deadline has passed.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veralabs/disputed/internal/chain"
	"github.com/veralabs/disputed/internal/dispute"
	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/traces"
)

// Ledger submits finalize transactions to the voting contract.
type Ledger interface {
	Finalize(ctx context.Context, contractDisputeID int64) (*chain.FinalizeResult, error)
}

const (
	defaultInterval = 60 * time.Second
	batchSize       = 20
)

// Timer sweeps expired disputes on an interval and finalizes them on-chain.
// Multiple replicas can run it concurrently: the store's finalize claim
// picks a single winner per dispute.
type Timer struct {
	ledger   Ledger
	store    dispute.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

func NewTimer(ledger Ledger, store dispute.Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		ledger:   ledger,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether a sweep is currently in flight.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop.
func (t *Timer) Start(ctx context.Context) {
	t.logger.Info("deadline finalizer started", "interval", t.interval)
	go func() {
		defer close(t.done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.safeSweep(ctx)
			}
		}
	}()
}

// Stop signals the loop to stop and waits for it to exit.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in finalizer sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.running.Store(true)
	defer t.running.Store(false)

	if _, err := t.SweepOnce(ctx); err != nil {
		t.logger.Warn("finalizer sweep failed", "error", err)
	}
}

// SweepOnce finalizes one batch of expired disputes and returns how many
// were resolved. A failure on one dispute is logged and does not stop the
// rest of the batch.
func (t *Timer) SweepOnce(ctx context.Context) (int, error) {
	expired, err := t.store.ListExpiredVoting(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing expired disputes: %w", err)
	}

	var finalized int
	for _, d := range expired {
		if err := t.finalizeOne(ctx, d); err != nil {
			t.logger.Warn("failed to finalize expired dispute",
				"platform_dispute_id", d.PlatformDisputeID,
				"contract_dispute_id", d.ContractDisputeID,
				"error", err,
			)
			continue
		}
		finalized++
	}
	return finalized, nil
}

func (t *Timer) finalizeOne(ctx context.Context, d *dispute.Dispute) error {
	ctx, span := traces.StartSpan(ctx, "finalizer.finalizeOne",
		traces.PlatformDisputeID(d.PlatformDisputeID),
		traces.ContractDisputeID(d.ContractDisputeID),
	)
	defer span.End()

	claimed, err := t.store.ClaimFinalize(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("claiming finalize: %w", err)
	}
	if !claimed {
		// Another replica or a forceFinalize call holds the claim.
		return nil
	}

	result, err := t.ledger.Finalize(ctx, d.ContractDisputeID)
	if err != nil {
		if rbErr := t.store.RollbackFinalize(ctx, d.ID); rbErr != nil {
			t.logger.Error("failed to roll back finalize claim",
				"platform_dispute_id", d.PlatformDisputeID, "error", rbErr)
		}
		metrics.FinalizationsTotal.WithLabelValues("deadline", "error").Inc()
		return fmt.Errorf("finalize transaction: %w", err)
	}

	res := dispute.Resolution{
		Result:     dispute.ResultFromCode(result.ResultCode),
		VotesAgent: result.VotesAgent,
		VotesUser:  result.VotesUser,
		TxHash:     result.TxHash,
	}
	if err := t.store.ApplyResolution(ctx, d.ID, res); err != nil {
		// The chain transaction succeeded. The indexer will apply the same
		// resolution when it reaches the DisputeFinalized event.
		return fmt.Errorf("applying resolution: %w", err)
	}

	metrics.FinalizationsTotal.WithLabelValues("deadline", string(res.Result)).Inc()
	t.logger.Info("finalized expired dispute",
		"platform_dispute_id", d.PlatformDisputeID,
		"contract_dispute_id", d.ContractDisputeID,
		"result", res.Result,
		"votes_agent", res.VotesAgent,
		"votes_user", res.VotesUser,
		"tx", res.TxHash,
	)
	return nil
}
