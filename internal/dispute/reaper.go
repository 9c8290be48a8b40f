package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veralabs/disputed/internal/metrics"
)

// DefaultZombieThreshold is how old a CREATING placeholder must be before it
// is considered abandoned. Ten minutes comfortably exceeds the creation
// poll-wait budget plus chain confirmation time.
const DefaultZombieThreshold = 10 * time.Minute

// Reaper periodically deletes abandoned CREATING placeholders. These are
// creators that crashed between reserving the idempotency key and promoting
// the row; deleting them frees the key for a retry. Placeholders carry no
// on-chain identity, so deletion loses nothing.
type Reaper struct {
	store     Store
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	done      chan struct{}
	running   atomic.Bool
}

// NewReaper creates a zombie placeholder reaper.
func NewReaper(store Store, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:     store,
		interval:  interval,
		threshold: DefaultZombieThreshold,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start begins the reap loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReap(ctx)
		}
	}
}

// Stop signals the reaper to stop and waits for the loop to exit.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) safeReap(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in zombie reaper", "panic", fmt.Sprint(rec))
		}
	}()
	r.ReapOnce(ctx)
}

// ReapOnce deletes placeholders older than the threshold and returns the count.
func (r *Reaper) ReapOnce(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-r.threshold)

	deleted, err := r.store.DeleteStaleCreating(ctx, cutoff)
	if err != nil {
		r.logger.Warn("failed to reap zombie placeholders", "error", err)
		return 0
	}
	if deleted > 0 {
		r.logger.Warn("reaped zombie creation placeholders",
			"count", deleted, "olderThan", r.threshold)
		metrics.ZombiesReapedTotal.Add(float64(deleted))
	}
	return deleted
}

// ZombieStats reports current zombie placeholders for operators.
func (r *Reaper) ZombieStats(ctx context.Context) (int, *time.Time, error) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	return r.store.StaleCreatingStats(ctx, cutoff)
}
