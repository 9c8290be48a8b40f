package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the Postgres store's uniqueness and conditional-update semantics
// under a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute          // by row ID
	byKey    map[string]string            // platformDisputeID -> row ID
	votes    map[string]map[string]*Vote  // dispute row ID -> voter -> vote
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byKey:    make(map[string]string),
		votes:    make(map[string]map[string]*Vote),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreatePlaceholder(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[d.PlatformDisputeID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, d.PlatformDisputeID)
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	m.disputes[d.ID] = &cp
	m.byKey[d.PlatformDisputeID] = d.ID
	return nil
}

func (m *MemoryStore) Promote(ctx context.Context, id string, contractDisputeID int64, deadline time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok || d.Status != StatusCreating {
		return nil, fmt.Errorf("%w: placeholder %s", ErrNotFound, id)
	}
	d.ContractDisputeID = contractDisputeID
	d.Deadline = deadline
	d.Status = StatusVoting
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DeletePlaceholder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok || d.Status != StatusCreating {
		return nil
	}
	delete(m.disputes, id)
	delete(m.byKey, d.PlatformDisputeID)
	delete(m.votes, id)
	return nil
}

func (m *MemoryStore) GetByPlatformDisputeID(ctx context.Context, platformDisputeID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[platformDisputeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, platformDisputeID)
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *MemoryStore) GetByContractDisputeID(ctx context.Context, contractDisputeID int64) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if contractDisputeID != 0 {
		for _, d := range m.disputes {
			if d.ContractDisputeID == contractDisputeID {
				cp := *d
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: contract dispute %d", ErrNotFound, contractDisputeID)
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	var all []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusCreating {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.PlatformID != "" && d.PlatformID != f.PlatformID {
			continue
		}
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Deadline.Before(all[j].Deadline) })

	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *MemoryStore) MarkVoting(ctx context.Context, contractDisputeID int64, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.disputes {
		if d.ContractDisputeID == contractDisputeID && contractDisputeID != 0 {
			if d.Status != StatusResolved {
				d.Deadline = deadline
				d.Status = StatusVoting
				d.UpdatedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: contract dispute %d", ErrNotFound, contractDisputeID)
}

func (m *MemoryStore) RecordVote(ctx context.Context, v *Vote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[v.DisputeID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, v.DisputeID)
	}

	if m.votes[v.DisputeID] == nil {
		m.votes[v.DisputeID] = make(map[string]*Vote)
	}
	if _, exists := m.votes[v.DisputeID][v.Voter]; exists {
		return false, nil
	}

	cp := *v
	cp.CreatedAt = time.Now().UTC()
	m.votes[v.DisputeID][v.Voter] = &cp

	if v.Choice == ChoiceAgent {
		d.VotesAgent++
	} else {
		d.VotesUser++
	}
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) VotesForDispute(ctx context.Context, disputeID string) ([]*Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var votes []*Vote
	for _, v := range m.votes[disputeID] {
		cp := *v
		votes = append(votes, &cp)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].CreatedAt.Before(votes[j].CreatedAt) })
	return votes, nil
}

func (m *MemoryStore) ClaimFinalize(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Status != StatusVoting || d.FinalizeTxHash != nil {
		return false, nil
	}
	sentinel := FinalizePendingSentinel
	d.FinalizeTxHash = &sentinel
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) RollbackFinalize(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.FinalizeTxHash != nil && *d.FinalizeTxHash == FinalizePendingSentinel {
		d.FinalizeTxHash = nil
		d.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ApplyResolution(ctx context.Context, id string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Status = StatusResolved
	result := res.Result
	d.Result = &result
	d.VotesAgent = res.VotesAgent
	d.VotesUser = res.VotesUser
	txHash := res.TxHash
	d.FinalizeTxHash = &txHash
	if d.CallbackStatus != CallbackSent {
		d.CallbackStatus = CallbackPending
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExpiredVoting(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusVoting && d.Deadline.Before(before) {
			cp := *d
			expired = append(expired, &cp)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(expired[j].Deadline) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *MemoryStore) ListCallbackDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusResolved {
			continue
		}
		if d.CallbackStatus != CallbackPending && d.CallbackStatus != CallbackFailed {
			continue
		}
		if d.CallbackAttempts >= maxAttempts {
			continue
		}
		if d.CallbackNextAttemptAt != nil && d.CallbackNextAttemptAt.After(now) {
			continue
		}
		cp := *d
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) UpdateCallback(ctx context.Context, id string, status CallbackStatus, attempts int, lastError *string, nextAttempt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.CallbackStatus = status
	d.CallbackAttempts = attempts
	d.CallbackLastError = lastError
	d.CallbackNextAttemptAt = nextAttempt
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteStaleCreating(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, d := range m.disputes {
		if d.Status == StatusCreating && d.CreatedAt.Before(before) {
			delete(m.disputes, id)
			delete(m.byKey, d.PlatformDisputeID)
			delete(m.votes, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) StaleCreatingStats(ctx context.Context, before time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	var oldest *time.Time
	for _, d := range m.disputes {
		if d.Status == StatusCreating && d.CreatedAt.Before(before) {
			count++
			if oldest == nil || d.CreatedAt.Before(*oldest) {
				t := d.CreatedAt
				oldest = &t
			}
		}
	}
	return count, oldest, nil
}
