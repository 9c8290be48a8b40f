package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists platforms in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const platformColumns = `id, name, token_contract, min_balance, chain_id, webhook_url, description, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Platform) error {
	query := `
		INSERT INTO platforms (id, name, token_contract, min_balance, chain_id, webhook_url, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		p.ID, p.Name, strings.ToLower(p.TokenContract), p.MinBalance,
		p.ChainID, p.WebhookURL, p.Description,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("creating platform: %w", err)
	}
	p.TokenContract = strings.ToLower(p.TokenContract)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Platform, error) {
	query := `SELECT ` + platformColumns + ` FROM platforms WHERE id = $1`
	return scanPlatform(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Platform, error) {
	query := `SELECT ` + platformColumns + ` FROM platforms ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing platforms: %w", err)
	}
	defer rows.Close()

	var out []*Platform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id string, u Update) (*Platform, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.TokenContract != nil {
		add("token_contract", strings.ToLower(*u.TokenContract))
	}
	if u.MinBalance != nil {
		add("min_balance", *u.MinBalance)
	}
	if u.ChainID != nil {
		add("chain_id", *u.ChainID)
	}
	if u.WebhookURL != nil {
		add("webhook_url", *u.WebhookURL)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}

	query := `UPDATE platforms SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + platformColumns
	return scanPlatform(s.db.QueryRowContext(ctx, query, args...))
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM platforms WHERE id = $1`, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrInUse
		}
		return fmt.Errorf("deleting platform: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlatform(row scanner) (*Platform, error) {
	var p Platform
	var webhook, description sql.NullString
	err := row.Scan(
		&p.ID, &p.Name, &p.TokenContract, &p.MinBalance, &p.ChainID,
		&webhook, &description, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning platform: %w", err)
	}
	p.WebhookURL = webhook.String
	p.Description = description.String
	return &p, nil
}
