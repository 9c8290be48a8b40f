// Package dispute implements the dispute lifecycle: idempotent creation that
// straddles the database and the voting contract, voting with snapshotted
// eligibility rules, and finalization.
//
// Concurrency safety relies solely on the store's unique constraints and
// conditional updates. The lifecycle service and the chain event indexer are
// independent writers of the same rows; every write here is designed so that
// either ordering of the two converges on the same final state.
package dispute

import (
	"context"
	"errors"
	"time"
)

// Status is the dispute lifecycle state. It only moves forward:
// CREATING -> VOTING -> RESOLVED.
type Status string

const (
	StatusCreating Status = "CREATING"
	StatusVoting   Status = "VOTING"
	StatusResolved Status = "RESOLVED"
)

// Result is the finalized outcome of a dispute.
type Result string

const (
	ResultSupportAgent Result = "SUPPORT_AGENT"
	ResultSupportUser  Result = "SUPPORT_USER"
)

// CallbackStatus tracks webhook notification delivery for a resolved dispute.
type CallbackStatus string

const (
	CallbackPending CallbackStatus = "PENDING"
	CallbackSent    CallbackStatus = "SENT"
	CallbackFailed  CallbackStatus = "FAILED"
)

// Vote choices as encoded on-chain.
const (
	ChoiceAgent uint8 = 1
	ChoiceUser  uint8 = 2
)

// FinalizePendingSentinel is written into finalizeTxHash while a finalize
// transaction is in flight. It acts as an optimistic lock: the conditional
// update that writes it picks a single winner among concurrent finalizers.
const FinalizePendingSentinel = "PENDING"

// ResultFromCode maps the contract's numeric result code. Exactly one code
// means the agent won; every other value, including a tie, resolves to the
// user. This mirrors the contract's own default.
func ResultFromCode(code uint8) Result {
	if code == 1 {
		return ResultSupportAgent
	}
	return ResultSupportUser
}

// Typed errors surfaced to callers.
var (
	ErrNotFound            = errors.New("dispute: not found")
	ErrDuplicateKey        = errors.New("dispute: duplicate key")
	ErrPlatformMismatch    = errors.New("dispute: platform dispute id already claimed by another platform")
	ErrCreationTimeout     = errors.New("dispute: creation still in progress, retry later")
	ErrNotVoting           = errors.New("dispute: not in voting state")
	ErrAlreadyVoted        = errors.New("dispute: voter already voted")
	ErrInsufficientBalance = errors.New("dispute: voter balance below threshold")
	ErrInvalidTokenAddress = errors.New("dispute: platform token address is invalid")
	ErrInvalidChoice       = errors.New("dispute: choice must be 1 (agent) or 2 (user)")
	ErrFinalizeContended   = errors.New("dispute: concurrent finalize attempt failed, retry")
)

// Dispute is the authoritative database projection of one dispute.
//
// TokenAddress and MinBalance are snapshots of the platform's eligibility
// rule taken at creation time. They are never re-read from the platform, so
// later platform edits do not retroactively change an open dispute.
type Dispute struct {
	ID                    string         `json:"id"`
	PlatformID            string         `json:"platformId"`
	PlatformDisputeID     string         `json:"platformDisputeId"`
	JobID                 string         `json:"jobId,omitempty"`
	BillID                string         `json:"billId,omitempty"`
	AgentID               string         `json:"agentId,omitempty"`
	Initiator             string         `json:"initiator,omitempty"`
	Reason                string         `json:"reason,omitempty"`
	EvidenceURI           string         `json:"evidenceUri,omitempty"`
	ChainID               int64          `json:"chainId"`
	ContractAddress       string         `json:"contractAddress"`
	ContractDisputeID     int64          `json:"contractDisputeId"` // 0 = unassigned placeholder
	Deadline              time.Time      `json:"deadline"`
	Status                Status         `json:"status"`
	Result                *Result        `json:"result"`
	VotesAgent            int64          `json:"votesAgent"`
	VotesUser             int64          `json:"votesUser"`
	FinalizeTxHash        *string        `json:"finalizeTxHash"`
	TokenAddress          string         `json:"tokenAddress"`
	MinBalance            string         `json:"minBalance"`
	CallbackStatus        CallbackStatus `json:"callbackStatus"`
	CallbackAttempts      int            `json:"callbackAttempts"`
	CallbackLastError     *string        `json:"callbackLastError,omitempty"`
	CallbackNextAttemptAt *time.Time     `json:"callbackNextAttemptAt,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// Vote is one voter's recorded choice on one dispute. The (DisputeID, Voter)
// pair is unique; Voter is stored lowercased for case-insensitive uniqueness.
type Vote struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	Voter       string    `json:"voter"`
	Choice      uint8     `json:"choice"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Resolution carries the outcome applied when a dispute is finalized.
type Resolution struct {
	Result     Result
	VotesAgent int64
	VotesUser  int64
	TxHash     string
}

// ListFilter selects disputes for the list endpoint.
// CREATING placeholders are never returned.
type ListFilter struct {
	Status     Status // empty = all visible statuses
	PlatformID string // empty = all platforms
	Page       int    // 1-based
	PageSize   int    // clamped to [1, 100]
}

// Store is the persistence contract for disputes and votes. All concurrency
// control happens here: unique constraints and conditional updates are the
// only coordination primitives in the system.
type Store interface {
	// CreatePlaceholder inserts a CREATING row, using the unique constraint
	// on platformDisputeId as the concurrency gate. Returns ErrDuplicateKey
	// if another caller already holds the key.
	CreatePlaceholder(ctx context.Context, d *Dispute) error

	// Promote moves a placeholder to VOTING with its assigned on-chain
	// identity. Returns the updated dispute.
	Promote(ctx context.Context, id string, contractDisputeID int64, deadline time.Time) (*Dispute, error)

	// DeletePlaceholder removes a CREATING row by primary key. It never
	// touches rows that have left CREATING.
	DeletePlaceholder(ctx context.Context, id string) error

	GetByPlatformDisputeID(ctx context.Context, platformDisputeID string) (*Dispute, error)
	GetByContractDisputeID(ctx context.Context, contractDisputeID int64) (*Dispute, error)
	List(ctx context.Context, f ListFilter) ([]*Dispute, error)

	// MarkVoting applies a DisputeCreated event: set deadline and VOTING
	// status. Idempotent overwrite.
	MarkVoting(ctx context.Context, contractDisputeID int64, deadline time.Time) error

	// RecordVote inserts the vote row and increments the matching counter in
	// one transaction. If the (dispute, voter) pair already exists it is a
	// no-op and returns false, so replays never drift the counters.
	RecordVote(ctx context.Context, v *Vote) (bool, error)

	VotesForDispute(ctx context.Context, disputeID string) ([]*Vote, error)

	// ClaimFinalize atomically claims the right to finalize by writing the
	// PENDING sentinel, gated on status=VOTING with no sentinel present.
	// Returns false if a concurrent caller won.
	ClaimFinalize(ctx context.Context, id string) (bool, error)

	// RollbackFinalize clears the sentinel and restores VOTING after a
	// failed finalize transaction.
	RollbackFinalize(ctx context.Context, id string) error

	// ApplyResolution marks the dispute RESOLVED with the final tallies and
	// transaction hash, and queues the callback unless it was already SENT.
	ApplyResolution(ctx context.Context, id string, res Resolution) error

	ListExpiredVoting(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	// ListCallbackDue selects RESOLVED disputes whose callback is PENDING or
	// FAILED, below the attempt cap, and due (next-attempt unset or elapsed),
	// oldest deadline first.
	ListCallbackDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Dispute, error)
	UpdateCallback(ctx context.Context, id string, status CallbackStatus, attempts int, lastError *string, nextAttempt *time.Time) error

	// DeleteStaleCreating removes CREATING rows created before the cutoff.
	DeleteStaleCreating(ctx context.Context, before time.Time) (int64, error)
	// StaleCreatingStats reports how many zombies exist and the oldest one.
	StaleCreatingStats(ctx context.Context, before time.Time) (int, *time.Time, error)
}
