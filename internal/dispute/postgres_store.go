package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes and votes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, platform_id, platform_dispute_id, job_id, bill_id, agent_id,
	       initiator, reason, evidence_uri, chain_id, contract_address,
	       contract_dispute_id, deadline, status, result, votes_agent, votes_user,
	       finalize_tx_hash, token_address, min_balance, callback_status,
	       callback_attempts, callback_last_error, callback_next_attempt_at,
	       created_at, updated_at`

func (p *PostgresStore) CreatePlaceholder(ctx context.Context, d *Dispute) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, platform_id, platform_dispute_id, job_id, bill_id, agent_id,
			initiator, reason, evidence_uri, chain_id, contract_address,
			contract_dispute_id, deadline, status, token_address, min_balance,
			callback_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $18
		)`,
		d.ID, d.PlatformID, d.PlatformDisputeID, d.JobID, d.BillID, d.AgentID,
		d.Initiator, d.Reason, d.EvidenceURI, d.ChainID, d.ContractAddress,
		d.ContractDisputeID, d.Deadline, string(d.Status), d.TokenAddress, d.MinBalance,
		string(d.CallbackStatus), now,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, d.PlatformDisputeID)
		}
		return err
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

func (p *PostgresStore) Promote(ctx context.Context, id string, contractDisputeID int64, deadline time.Time) (*Dispute, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET contract_dispute_id = $2, deadline = $3, status = $4, updated_at = now()
		WHERE id = $1 AND status = $5`,
		id, contractDisputeID, deadline, string(StatusVoting), string(StatusCreating),
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: placeholder %s", ErrNotFound, id)
	}
	return p.getByID(ctx, id)
}

func (p *PostgresStore) DeletePlaceholder(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM disputes WHERE id = $1 AND status = $2`,
		id, string(StatusCreating))
	return err
}

func (p *PostgresStore) getByID(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

func (p *PostgresStore) GetByPlatformDisputeID(ctx context.Context, platformDisputeID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE platform_dispute_id = $1`,
		platformDisputeID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, platformDisputeID)
	}
	return d, err
}

func (p *PostgresStore) GetByContractDisputeID(ctx context.Context, contractDisputeID int64) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE contract_dispute_id = $1 AND contract_dispute_id <> 0`,
		contractDisputeID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: contract dispute %d", ErrNotFound, contractDisputeID)
	}
	return d, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Dispute, error) {
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
	offset := (page - 1) * pageSize

	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE status <> $1`
	args := []interface{}{string(StatusCreating)}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.PlatformID != "" {
		args = append(args, f.PlatformID)
		query += fmt.Sprintf(" AND platform_id = $%d", len(args))
	}
	args = append(args, pageSize, offset)
	query += fmt.Sprintf(" ORDER BY deadline ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) MarkVoting(ctx context.Context, contractDisputeID int64, deadline time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET deadline = $2, status = $3, updated_at = now()
		WHERE contract_dispute_id = $1 AND contract_dispute_id <> 0 AND status <> $4`,
		contractDisputeID, deadline, string(StatusVoting), string(StatusResolved),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either unknown or already resolved; both are fine for a replay.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE contract_dispute_id = $1 AND contract_dispute_id <> 0)`,
			contractDisputeID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: contract dispute %d", ErrNotFound, contractDisputeID)
		}
	}
	return nil
}

// RecordVote inserts the vote row and increments the matching counter inside
// one transaction. The unique (dispute_id, voter) constraint makes the
// check-then-insert safe under concurrent writers: ON CONFLICT DO NOTHING
// reporting zero rows means someone else already recorded this vote.
func (p *PostgresStore) RecordVote(ctx context.Context, v *Vote) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO votes (id, dispute_id, voter, choice, tx_hash, block_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (dispute_id, voter) DO NOTHING`,
		v.ID, v.DisputeID, v.Voter, v.Choice, v.TxHash, v.BlockNumber,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Duplicate replay; nothing to do.
		return false, tx.Commit()
	}

	column := "votes_user"
	if v.Choice == ChoiceAgent {
		column = "votes_agent"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE disputes SET `+column+` = `+column+` + 1, updated_at = now() WHERE id = $1`,
		v.DisputeID,
	); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (p *PostgresStore) VotesForDispute(ctx context.Context, disputeID string) ([]*Vote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, voter, choice, tx_hash, block_number, created_at
		FROM votes
		WHERE dispute_id = $1
		ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var votes []*Vote
	for rows.Next() {
		v := &Vote{}
		var choice int
		if err := rows.Scan(&v.ID, &v.DisputeID, &v.Voter, &choice, &v.TxHash, &v.BlockNumber, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Choice = uint8(choice)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (p *PostgresStore) ClaimFinalize(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET finalize_tx_hash = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND finalize_tx_hash IS NULL`,
		id, FinalizePendingSentinel, string(StatusVoting),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) RollbackFinalize(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET finalize_tx_hash = NULL, updated_at = now()
		WHERE id = $1 AND finalize_tx_hash = $2`,
		id, FinalizePendingSentinel)
	return err
}

func (p *PostgresStore) ApplyResolution(ctx context.Context, id string, res Resolution) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, result = $3, votes_agent = $4, votes_user = $5,
		    finalize_tx_hash = $6,
		    callback_status = CASE WHEN callback_status = $7 THEN callback_status ELSE $8 END,
		    updated_at = now()
		WHERE id = $1`,
		id, string(StatusResolved), string(res.Result), res.VotesAgent, res.VotesUser,
		res.TxHash, string(CallbackSent), string(CallbackPending),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) ListExpiredVoting(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1 AND deadline < $2
		ORDER BY deadline ASC
		LIMIT $3`, string(StatusVoting), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListCallbackDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		  AND callback_status IN ($2, $3)
		  AND callback_attempts < $4
		  AND (callback_next_attempt_at IS NULL OR callback_next_attempt_at <= $5)
		ORDER BY deadline ASC
		LIMIT $6`,
		string(StatusResolved), string(CallbackPending), string(CallbackFailed),
		maxAttempts, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) UpdateCallback(ctx context.Context, id string, status CallbackStatus, attempts int, lastError *string, nextAttempt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET callback_status = $2, callback_attempts = $3,
		    callback_last_error = $4, callback_next_attempt_at = $5,
		    updated_at = now()
		WHERE id = $1`,
		id, string(status), attempts, nullString(lastError), nullTime(nextAttempt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) DeleteStaleCreating(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM disputes WHERE status = $1 AND created_at < $2`,
		string(StatusCreating), before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) StaleCreatingStats(ctx context.Context, before time.Time) (int, *time.Time, error) {
	var count int
	var oldest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM disputes
		WHERE status = $1 AND created_at < $2`,
		string(StatusCreating), before).Scan(&count, &oldest)
	if err != nil {
		return 0, nil, err
	}
	if !oldest.Valid {
		return count, nil, nil
	}
	t := oldest.Time
	return count, &t, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status         string
		result         sql.NullString
		finalizeTxHash sql.NullString
		callbackStatus string
		callbackErr    sql.NullString
		callbackNext   sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.PlatformID, &d.PlatformDisputeID, &d.JobID, &d.BillID, &d.AgentID,
		&d.Initiator, &d.Reason, &d.EvidenceURI, &d.ChainID, &d.ContractAddress,
		&d.ContractDisputeID, &d.Deadline, &status, &result, &d.VotesAgent, &d.VotesUser,
		&finalizeTxHash, &d.TokenAddress, &d.MinBalance, &callbackStatus,
		&d.CallbackAttempts, &callbackErr, &callbackNext,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.CallbackStatus = CallbackStatus(callbackStatus)
	if result.Valid {
		r := Result(result.String)
		d.Result = &r
	}
	if finalizeTxHash.Valid {
		d.FinalizeTxHash = &finalizeTxHash.String
	}
	if callbackErr.Valid {
		d.CallbackLastError = &callbackErr.String
	}
	if callbackNext.Valid {
		d.CallbackNextAttemptAt = &callbackNext.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
