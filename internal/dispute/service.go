package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veralabs/disputed/internal/chain"
	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/traces"
)

// Ledger is the slice of the chain gateway the lifecycle service needs.
type Ledger interface {
	CreateDispute(ctx context.Context, platformDisputeID string) (*chain.CreationResult, error)
	VoteOnBehalf(ctx context.Context, contractDisputeID int64, voter string, choice uint8) (*chain.TxResult, error)
	ForceFinalize(ctx context.Context, contractDisputeID int64) (*chain.FinalizeResult, error)
	TokenBalance(ctx context.Context, tokenAddress, account string) (*big.Int, error)
}

// PlatformInfo is the platform snapshot taken at dispute creation.
type PlatformInfo struct {
	ID            string
	TokenContract string
	MinBalance    string
	ChainID       int64
	WebhookURL    string
}

// PlatformSource resolves platform configuration at creation time. After
// creation the dispute row carries its own snapshot and the platform is
// never consulted again.
type PlatformSource interface {
	Lookup(ctx context.Context, id string) (*PlatformInfo, error)
}

// ServiceConfig carries the chain identity stamped onto new disputes and the
// creation poll-wait budget.
type ServiceConfig struct {
	ChainID         int64
	ContractAddress string

	// Defaults used when the platform carries no eligibility override.
	DefaultTokenContract string
	DefaultMinBalance    string

	// Poll-wait budget while another caller holds the CREATING placeholder.
	CreatePollInterval time.Duration // 0 = 500ms
	CreatePollAttempts int           // 0 = 20
}

// Service orchestrates dispute creation, voting, and forced finalization.
// It is the only writer of the CREATING->VOTING edge and of the
// VOTING->RESOLVED edge taken through forceFinalize.
type Service struct {
	store     Store
	platforms PlatformSource
	ledger    Ledger
	cfg       ServiceConfig
	logger    *slog.Logger
}

// NewService creates the lifecycle service.
func NewService(store Store, platforms PlatformSource, ledger Ledger, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.CreatePollInterval <= 0 {
		cfg.CreatePollInterval = 500 * time.Millisecond
	}
	if cfg.CreatePollAttempts <= 0 {
		cfg.CreatePollAttempts = 20
	}
	return &Service{
		store:     store,
		platforms: platforms,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateInput is a dispute creation request.
type CreateInput struct {
	PlatformID        string `json:"platformId" binding:"required"`
	PlatformDisputeID string `json:"platformDisputeId" binding:"required"`
	JobID             string `json:"jobId"`
	BillID            string `json:"billId"`
	AgentID           string `json:"agentId"`
	Initiator         string `json:"initiator"`
	Reason            string `json:"reason"`
	EvidenceURI       string `json:"evidenceUri"`
}

// Create runs the two-phase creation protocol.
//
// Phase 1 reserves the platformDisputeId with a CREATING placeholder; the
// unique constraint is the only concurrency gate. Phase 2 submits the chain
// transaction and waits for the assigned dispute ID and deadline. Phase 3
// promotes the placeholder to VOTING. If phase 2 or 3 fails, this caller's
// placeholder (and only this caller's) is deleted so the key can be retried.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create",
		traces.PlatformID(input.PlatformID),
		traces.PlatformDisputeID(input.PlatformDisputeID))
	defer span.End()

	plat, err := s.platforms.Lookup(ctx, input.PlatformID)
	if err != nil {
		return nil, err
	}

	tokenAddress := plat.TokenContract
	if tokenAddress == "" {
		tokenAddress = s.cfg.DefaultTokenContract
	}
	minBalance := plat.MinBalance
	if minBalance == "" {
		minBalance = s.cfg.DefaultMinBalance
	}

	placeholder := &Dispute{
		ID:                uuid.NewString(),
		PlatformID:        input.PlatformID,
		PlatformDisputeID: input.PlatformDisputeID,
		JobID:             input.JobID,
		BillID:            input.BillID,
		AgentID:           input.AgentID,
		Initiator:         input.Initiator,
		Reason:            input.Reason,
		EvidenceURI:       input.EvidenceURI,
		ChainID:           s.cfg.ChainID,
		ContractAddress:   s.cfg.ContractAddress,
		ContractDisputeID: 0,
		Deadline:          time.Unix(0, 0).UTC(),
		Status:            StatusCreating,
		TokenAddress:      strings.ToLower(tokenAddress),
		MinBalance:        minBalance,
		CallbackStatus:    CallbackPending,
	}

	if err := s.store.CreatePlaceholder(ctx, placeholder); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return s.awaitExisting(ctx, input)
		}
		metrics.DisputesCreatedTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	created, err := s.ledger.CreateDispute(ctx, input.PlatformDisputeID)
	if err != nil {
		s.releasePlaceholder(ctx, placeholder.ID, input.PlatformDisputeID)
		metrics.DisputesCreatedTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("on-chain create failed: %w", err)
	}

	promoted, err := s.store.Promote(ctx, placeholder.ID, created.ContractDisputeID, created.Deadline)
	if err != nil {
		s.releasePlaceholder(ctx, placeholder.ID, input.PlatformDisputeID)
		metrics.DisputesCreatedTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to promote placeholder: %w", err)
	}

	s.logger.Info("dispute created",
		"platformDisputeId", input.PlatformDisputeID,
		"contractDisputeId", created.ContractDisputeID,
		"deadline", created.Deadline,
		"tx", created.TxHash,
	)
	metrics.DisputesCreatedTotal.WithLabelValues("created").Inc()
	return promoted, nil
}

// awaitExisting handles a lost phase-1 race: poll for the other caller's
// placeholder to settle, and return their dispute once it has.
func (s *Service) awaitExisting(ctx context.Context, input CreateInput) (*Dispute, error) {
	for attempt := 0; attempt < s.cfg.CreatePollAttempts; attempt++ {
		existing, err := s.store.GetByPlatformDisputeID(ctx, input.PlatformDisputeID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			if existing.PlatformID != input.PlatformID {
				metrics.DisputesCreatedTotal.WithLabelValues("failed").Inc()
				return nil, fmt.Errorf("%w: %q is held by platform %q",
					ErrPlatformMismatch, input.PlatformDisputeID, existing.PlatformID)
			}
			if existing.Status != StatusCreating {
				metrics.DisputesCreatedTotal.WithLabelValues("idempotent").Inc()
				return existing, nil
			}
		}
		// Row missing means the creator failed and released the key; one more
		// loop iteration gives this caller a chance to see the settled row
		// before giving up, but we do not steal the key mid-flight.

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.CreatePollInterval):
		}
	}
	metrics.DisputesCreatedTotal.WithLabelValues("failed").Inc()
	return nil, ErrCreationTimeout
}

func (s *Service) releasePlaceholder(ctx context.Context, id, platformDisputeID string) {
	if err := s.store.DeletePlaceholder(ctx, id); err != nil {
		// Leave it to the reaper.
		s.logger.Warn("failed to release creation placeholder",
			"platformDisputeId", platformDisputeID, "error", err)
	}
}

// VoteInput is a vote request for a dispute.
type VoteInput struct {
	Voter  string `json:"voter" binding:"required"`
	Choice uint8  `json:"choice" binding:"required"`
}

// Vote checks eligibility against the dispute's snapshotted token rule,
// submits the on-chain vote, and records the vote row. The row insert, not
// the chain call, is the durable commit point: if the indexer applies the
// Voted event first, RecordVote is a no-op and the counters stay exact.
func (s *Service) Vote(ctx context.Context, platformDisputeID string, input VoteInput) (string, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Vote",
		traces.PlatformDisputeID(platformDisputeID),
		traces.Voter(input.Voter))
	defer span.End()

	if input.Choice != ChoiceAgent && input.Choice != ChoiceUser {
		return "", ErrInvalidChoice
	}

	d, err := s.store.GetByPlatformDisputeID(ctx, platformDisputeID)
	if err != nil {
		return "", err
	}
	if d.Status != StatusVoting {
		return "", fmt.Errorf("%w: status is %s", ErrNotVoting, d.Status)
	}

	voter := strings.ToLower(input.Voter)
	votes, err := s.store.VotesForDispute(ctx, d.ID)
	if err != nil {
		return "", err
	}
	for _, v := range votes {
		if v.Voter == voter {
			return "", ErrAlreadyVoted
		}
	}

	balance, err := s.ledger.TokenBalance(ctx, d.TokenAddress, input.Voter)
	if err != nil {
		if errors.Is(err, chain.ErrInvalidAddress) {
			return "", fmt.Errorf("%w: %v", ErrInvalidTokenAddress, err)
		}
		return "", fmt.Errorf("balance check failed: %w", err)
	}

	minBalance, ok := new(big.Int).SetString(d.MinBalance, 10)
	if !ok {
		return "", fmt.Errorf("%w: malformed min balance %q", ErrInvalidTokenAddress, d.MinBalance)
	}
	if balance.Cmp(minBalance) < 0 {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, minBalance)
	}

	tx, err := s.ledger.VoteOnBehalf(ctx, d.ContractDisputeID, input.Voter, input.Choice)
	if err != nil {
		return "", fmt.Errorf("on-chain vote failed: %w", err)
	}

	inserted, err := s.store.RecordVote(ctx, &Vote{
		ID:          uuid.NewString(),
		DisputeID:   d.ID,
		Voter:       voter,
		Choice:      input.Choice,
		TxHash:      tx.TxHash,
		BlockNumber: tx.BlockNumber,
	})
	if err != nil {
		return "", err
	}
	if inserted {
		metrics.VotesTotal.WithLabelValues(choiceLabel(input.Choice)).Inc()
	}

	s.logger.Info("vote recorded",
		"platformDisputeId", platformDisputeID,
		"voter", voter,
		"choice", input.Choice,
		"tx", tx.TxHash,
	)
	return tx.TxHash, nil
}

// FinalizeOutcome is the response to a force-finalize request.
type FinalizeOutcome struct {
	TxHash            string  `json:"txHash"`
	ContractDisputeID int64   `json:"contractDisputeId"`
	Result            *Result `json:"result"`
	VotesAgent        int64   `json:"votesAgent"`
	VotesUser         int64   `json:"votesUser"`
	AlreadyFinalized  bool    `json:"alreadyFinalized"`
}

// ForceFinalize finalizes a dispute before its deadline. Idempotent: an
// already-resolved dispute returns its stored result. A conditional update
// writing the PENDING sentinel picks a single winner among concurrent
// callers; losers wait for and return the winner's result.
func (s *Service) ForceFinalize(ctx context.Context, platformDisputeID string) (*FinalizeOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.ForceFinalize",
		traces.PlatformDisputeID(platformDisputeID))
	defer span.End()

	d, err := s.store.GetByPlatformDisputeID(ctx, platformDisputeID)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusResolved {
		return outcomeFromDispute(d, true), nil
	}
	if d.Status != StatusVoting {
		return nil, fmt.Errorf("%w: status is %s", ErrNotVoting, d.Status)
	}

	claimed, err := s.store.ClaimFinalize(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.awaitWinner(ctx, platformDisputeID)
	}

	res, err := s.ledger.ForceFinalize(ctx, d.ContractDisputeID)
	if err != nil {
		metrics.FinalizationsTotal.WithLabelValues("forced", "error").Inc()
		if rbErr := s.store.RollbackFinalize(ctx, d.ID); rbErr != nil {
			s.logger.Error("failed to roll back finalize sentinel",
				"platformDisputeId", platformDisputeID, "error", rbErr)
		}
		return nil, fmt.Errorf("on-chain finalize failed: %w", err)
	}

	resolution := Resolution{
		Result:     ResultFromCode(res.ResultCode),
		VotesAgent: res.VotesAgent,
		VotesUser:  res.VotesUser,
		TxHash:     res.TxHash,
	}
	if err := s.store.ApplyResolution(ctx, d.ID, resolution); err != nil {
		return nil, err
	}

	s.logger.Info("dispute force-finalized",
		"platformDisputeId", platformDisputeID,
		"contractDisputeId", d.ContractDisputeID,
		"result", resolution.Result,
		"tx", res.TxHash,
	)
	metrics.FinalizationsTotal.WithLabelValues("forced", string(resolution.Result)).Inc()

	return &FinalizeOutcome{
		TxHash:            res.TxHash,
		ContractDisputeID: d.ContractDisputeID,
		Result:            &resolution.Result,
		VotesAgent:        res.VotesAgent,
		VotesUser:         res.VotesUser,
		AlreadyFinalized:  false,
	}, nil
}

// awaitWinner polls for the concurrent winner's resolution. If the winner
// rolled back instead, the caller is told to retry.
func (s *Service) awaitWinner(ctx context.Context, platformDisputeID string) (*FinalizeOutcome, error) {
	for attempt := 0; attempt < s.cfg.CreatePollAttempts; attempt++ {
		d, err := s.store.GetByPlatformDisputeID(ctx, platformDisputeID)
		if err != nil {
			return nil, err
		}
		if d.Status == StatusResolved {
			return outcomeFromDispute(d, true), nil
		}
		// Sentinel gone but still VOTING: the winner failed and rolled back.
		if d.FinalizeTxHash == nil {
			return nil, ErrFinalizeContended
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.CreatePollInterval):
		}
	}
	return nil, ErrFinalizeContended
}

// Get returns a dispute by its idempotency key. CREATING placeholders carry
// no externally visible state and are reported as not found.
func (s *Service) Get(ctx context.Context, platformDisputeID string) (*Dispute, error) {
	d, err := s.store.GetByPlatformDisputeID(ctx, platformDisputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusCreating {
		return nil, ErrNotFound
	}
	return d, nil
}

// List returns disputes matching the filter, oldest deadline first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Dispute, error) {
	return s.store.List(ctx, f)
}

func outcomeFromDispute(d *Dispute, already bool) *FinalizeOutcome {
	out := &FinalizeOutcome{
		ContractDisputeID: d.ContractDisputeID,
		Result:            d.Result,
		VotesAgent:        d.VotesAgent,
		VotesUser:         d.VotesUser,
		AlreadyFinalized:  already,
	}
	if d.FinalizeTxHash != nil {
		out.TxHash = *d.FinalizeTxHash
	}
	return out
}

func choiceLabel(choice uint8) string {
	if choice == ChoiceAgent {
		return "agent"
	}
	return "user"
}
