// Package platform manages the platforms that open disputes and receive
// resolution callbacks. Each platform carries the voting-eligibility rule
// (token contract + minimum balance) that gets snapshotted onto its disputes
// at creation time.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("platform: not found")
	ErrExists    = errors.New("platform: id already exists")
	ErrInUse     = errors.New("platform: referenced by existing disputes")
)

// Platform is a registered dispute platform.
type Platform struct {
	ID            string    `json:"id"` // caller-chosen slug, unique
	Name          string    `json:"name"`
	TokenContract string    `json:"tokenContract"` // lowercased address
	MinBalance    string    `json:"minBalance"`    // decimal string, base units
	ChainID       int64     `json:"chainId"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Update carries optional field changes; nil means leave unchanged.
type Update struct {
	Name          *string `json:"name"`
	TokenContract *string `json:"tokenContract"`
	MinBalance    *string `json:"minBalance"`
	ChainID       *int64  `json:"chainId"`
	WebhookURL    *string `json:"webhookUrl"`
	Description   *string `json:"description"`
}

// Store persists platforms.
type Store interface {
	Create(ctx context.Context, p *Platform) error
	Get(ctx context.Context, id string) (*Platform, error)
	List(ctx context.Context) ([]*Platform, error)
	Update(ctx context.Context, id string, u Update) (*Platform, error)
	// Delete removes a platform. Returns ErrInUse while any dispute
	// references it.
	Delete(ctx context.Context, id string) error
}
