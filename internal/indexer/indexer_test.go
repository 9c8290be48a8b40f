package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veralabs/disputed/internal/chain"
	"github.com/veralabs/disputed/internal/dispute"
)

// fakeSource serves scripted events and records the ranges it was asked for.
type fakeSource struct {
	mu sync.Mutex

	head      uint64
	created   []chain.CreatedEvent
	voted     []chain.VotedEvent
	finalized []chain.FinalizedEvent

	votedErr error
	hashErr  error

	ranges [][2]uint64
}

func (f *fakeSource) Head(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) QueryDisputeCreated(_ context.Context, from, to uint64) ([]chain.CreatedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	var out []chain.CreatedEvent
	for _, ev := range f.created {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) QueryVoted(_ context.Context, from, to uint64) ([]chain.VotedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votedErr != nil {
		return nil, f.votedErr
	}
	var out []chain.VotedEvent
	for _, ev := range f.voted {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) QueryDisputeFinalized(_ context.Context, from, to uint64) ([]chain.FinalizedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.FinalizedEvent
	for _, ev := range f.finalized {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) BlockHash(_ context.Context, number uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashErr != nil {
		return "", f.hashErr
	}
	return fmt.Sprintf("0xhash%d", number), nil
}

func (f *fakeSource) queriedRanges() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]uint64, len(f.ranges))
	copy(out, f.ranges)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedDispute creates a promoted dispute bound to the given contract id.
func seedDispute(t *testing.T, store dispute.Store, key string, contractID int64) *dispute.Dispute {
	t.Helper()
	ctx := context.Background()

	d := &dispute.Dispute{
		ID:                uuid.NewString(),
		PlatformID:        "acme",
		PlatformDisputeID: key,
		Status:            dispute.StatusCreating,
		Deadline:          time.Unix(0, 0).UTC(),
		CallbackStatus:    dispute.CallbackPending,
	}
	if err := store.CreatePlaceholder(ctx, d); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}
	promoted, err := store.Promote(ctx, d.ID, contractID, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("seed promote: %v", err)
	}
	return promoted
}

func newTestIndexer(source EventSource, store dispute.Store, checkpoints CheckpointStore, cfg Config) *Indexer {
	return New(source, store, checkpoints, cfg, testLogger())
}

func TestSyncAppliesLifecycleInOrder(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	d := seedDispute(t, store, "acme-1", 1)

	deadline := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	source := &fakeSource{
		head: 110,
		created: []chain.CreatedEvent{
			{ContractDisputeID: 1, Deadline: deadline, TxHash: "0xc1", BlockNumber: 100},
		},
		voted: []chain.VotedEvent{
			{ContractDisputeID: 1, Voter: "0xaaa", Choice: dispute.ChoiceAgent, TxHash: "0xv1", BlockNumber: 101},
			{ContractDisputeID: 1, Voter: "0xbbb", Choice: dispute.ChoiceUser, TxHash: "0xv2", BlockNumber: 102},
		},
		finalized: []chain.FinalizedEvent{
			{ContractDisputeID: 1, ResultCode: 1, VotesAgent: 1, VotesUser: 1, TxHash: "0xf1", BlockNumber: 105},
		},
	}

	ix := newTestIndexer(source, store, checkpoints, Config{StartBlock: 95, ConfirmationLag: 3})
	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, err := store.GetByPlatformDisputeID(ctx, "acme-1")
	if err != nil {
		t.Fatalf("reload dispute: %v", err)
	}
	if got.Status != dispute.StatusResolved {
		t.Errorf("status = %s, want RESOLVED", got.Status)
	}
	if got.Result == nil || *got.Result != dispute.ResultSupportAgent {
		t.Errorf("result = %v, want SUPPORT_AGENT", got.Result)
	}
	if got.VotesAgent != 1 || got.VotesUser != 1 {
		t.Errorf("tallies = %d/%d, want 1/1", got.VotesAgent, got.VotesUser)
	}

	votes, _ := store.VotesForDispute(ctx, d.ID)
	if len(votes) != 2 {
		t.Errorf("vote rows = %d, want 2", len(votes))
	}

	block, hash, found, _ := checkpoints.Load(ctx)
	if !found || block != 107 {
		t.Errorf("checkpoint = %d (found=%v), want 107", block, found)
	}
	if hash != "0xhash107" {
		t.Errorf("checkpoint hash = %q, want 0xhash107", hash)
	}
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	store := dispute.NewMemoryStore()
	ctx := context.Background()

	d := seedDispute(t, store, "acme-2", 2)

	source := &fakeSource{
		head: 60,
		voted: []chain.VotedEvent{
			{ContractDisputeID: 2, Voter: "0xaaa", Choice: dispute.ChoiceAgent, TxHash: "0xv1", BlockNumber: 50},
		},
	}

	// Two runs over the same blocks, as after a crash before the checkpoint
	// write. Both use a store that already has the first run's effects.
	for run := 0; run < 2; run++ {
		checkpoints := NewMemoryCheckpointStore()
		ix := newTestIndexer(source, store, checkpoints, Config{StartBlock: 40, ConfirmationLag: 3})
		if err := ix.SyncOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	got, _ := store.GetByPlatformDisputeID(ctx, "acme-2")
	if got.VotesAgent != 1 {
		t.Errorf("votesAgent = %d after replay, want 1", got.VotesAgent)
	}
	votes, _ := store.VotesForDispute(ctx, d.ID)
	if len(votes) != 1 {
		t.Errorf("vote rows = %d after replay, want 1", len(votes))
	}
}

func TestSyncHonorsConfirmationLag(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	source := &fakeSource{head: 100}
	ix := newTestIndexer(source, store, checkpoints, Config{StartBlock: 90, ConfirmationLag: 5})
	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	for _, r := range source.queriedRanges() {
		if r[1] > 95 {
			t.Errorf("queried unconfirmed blocks up to %d, head lag is 5", r[1])
		}
	}
	block, _, found, _ := checkpoints.Load(ctx)
	if !found || block != 95 {
		t.Errorf("checkpoint = %d, want 95", block)
	}
}

func TestSyncProcessesBoundedBatches(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	source := &fakeSource{head: 2500}
	ix := newTestIndexer(source, store, checkpoints, Config{
		StartBlock:      1,
		ConfirmationLag: 3,
		MaxBlockRange:   1000,
	})
	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	want := [][2]uint64{{1, 1000}, {1001, 2000}, {2001, 2497}}
	got := source.queriedRanges()
	if len(got) != len(want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}
	block, hash, _, _ := checkpoints.Load(ctx)
	if block != 2497 {
		t.Errorf("checkpoint = %d, want 2497", block)
	}
	if hash != "0xhash2497" {
		t.Errorf("checkpoint hash = %q, want hash of final range end", hash)
	}
}

func TestSyncHaltsWithoutAdvancingOnError(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	if err := checkpoints.Save(ctx, 99, "0xhash99"); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{head: 200, votedErr: errors.New("rpc flake")}
	ix := newTestIndexer(source, store, checkpoints, Config{ConfirmationLag: 3})
	if err := ix.SyncOnce(ctx); err == nil {
		t.Fatal("SyncOnce succeeded despite query failure")
	}

	block, _, _, _ := checkpoints.Load(ctx)
	if block != 99 {
		t.Errorf("checkpoint advanced to %d despite failed range", block)
	}
}

func TestSyncSkipsUnknownAndInvalidEvents(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	seedDispute(t, store, "acme-3", 3)

	source := &fakeSource{
		head: 20,
		created: []chain.CreatedEvent{
			// Unknown contract id, created outside the API.
			{ContractDisputeID: 404, Deadline: time.Now().UTC(), TxHash: "0xc", BlockNumber: 10},
		},
		voted: []chain.VotedEvent{
			{ContractDisputeID: 404, Voter: "0xaaa", Choice: dispute.ChoiceAgent, TxHash: "0xv", BlockNumber: 11},
			// Invalid choice on a known dispute.
			{ContractDisputeID: 3, Voter: "0xbbb", Choice: 9, TxHash: "0xw", BlockNumber: 12},
		},
		finalized: []chain.FinalizedEvent{
			{ContractDisputeID: 404, ResultCode: 1, TxHash: "0xf", BlockNumber: 13},
		},
	}

	ix := newTestIndexer(source, store, checkpoints, Config{StartBlock: 1, ConfirmationLag: 3})
	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	got, _ := store.GetByPlatformDisputeID(ctx, "acme-3")
	if got.Status != dispute.StatusVoting || got.VotesAgent != 0 || got.VotesUser != 0 {
		t.Errorf("known dispute mutated by skipped events: %+v", got)
	}
	block, _, _, _ := checkpoints.Load(ctx)
	if block != 17 {
		t.Errorf("checkpoint = %d, want 17", block)
	}
}

func TestSyncSavesCheckpointWhenHashReadFails(t *testing.T) {
	store := dispute.NewMemoryStore()
	checkpoints := NewMemoryCheckpointStore()
	ctx := context.Background()

	source := &fakeSource{head: 100, hashErr: errors.New("header fetch failed")}
	ix := newTestIndexer(source, store, checkpoints, Config{StartBlock: 90, ConfirmationLag: 3})
	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	block, hash, found, _ := checkpoints.Load(ctx)
	if !found || block != 97 {
		t.Errorf("checkpoint = %d (found=%v), want 97", block, found)
	}
	if hash != "" {
		t.Errorf("checkpoint hash = %q, want empty on failed header read", hash)
	}
}

func TestStartStop(t *testing.T) {
	ix := newTestIndexer(&fakeSource{head: 10}, dispute.NewMemoryStore(), NewMemoryCheckpointStore(), Config{
		ConfirmationLag: 3,
		PollInterval:    10 * time.Millisecond,
	})
	ix.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	ix.Stop()
}
