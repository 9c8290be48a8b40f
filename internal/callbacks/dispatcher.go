// Package callbacks notifies platforms when their disputes resolve.
//
// Delivery is at-least-once with capped exponential backoff. Callback state
// lives on the dispute row itself, so a restart never loses a pending
// notification and a delivered one is never re-queued.
package callbacks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/veralabs/disputed/internal/dispute"
	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/platform"
)

// PlatformSource resolves the webhook destination for a platform.
type PlatformSource interface {
	Get(ctx context.Context, id string) (*platform.Platform, error)
}

// Config controls delivery pacing and retry behavior.
type Config struct {
	Interval    time.Duration
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // backoff cap
	MaxAttempts int           // after this many failures the callback is dead
	BatchSize   int
	// DefaultURL receives callbacks for platforms without their own
	// webhook URL. Empty disables the fallback.
	DefaultURL string
	// Secret signs the payload so platforms can verify origin.
	Secret string
}

// DefaultConfig returns the production delivery settings.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		BaseDelay:   10 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 8,
		BatchSize:   10,
	}
}

// maxErrorLen bounds the stored delivery error.
const maxErrorLen = 1000

// payload is the JSON body POSTed to the platform webhook.
type payload struct {
	PlatformDisputeID string `json:"platformDisputeId"`
	JobID             string `json:"jobId,omitempty"`
	BillID            string `json:"billId,omitempty"`
	Result            string `json:"result"`
	VotesAgent        int64  `json:"votesAgent"`
	VotesUser         int64  `json:"votesUser"`
	TxHash            string `json:"txHash,omitempty"`
	ChainID           int64  `json:"chainId"`
	ContractAddress   string `json:"contractAddress"`
	ContractDisputeID int64  `json:"contractDisputeId"`
}

// Dispatcher delivers resolution callbacks on a timer.
type Dispatcher struct {
	store     dispute.Store
	platforms PlatformSource
	client    *http.Client
	config    Config
	logger    *slog.Logger

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

func NewDispatcher(store dispute.Store, platforms PlatformSource, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		platforms: platforms,
		client:    &http.Client{Timeout: 10 * time.Second},
		config:    cfg,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Running reports whether a delivery round is in flight.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start begins the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("callback dispatcher started",
		"interval", d.config.Interval,
		"max_attempts", d.config.MaxAttempts,
	)
	go func() {
		defer close(d.done)

		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.safeDeliver(ctx)
			}
		}
	}()
}

// Stop signals the loop to stop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) safeDeliver(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in callback dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	d.running.Store(true)
	defer d.running.Store(false)

	if err := d.DeliverDue(ctx); err != nil {
		d.logger.Warn("callback round failed", "error", err)
	}
}

// DeliverDue attempts one batch of due callbacks. Each dispute's outcome is
// recorded independently; one platform being down does not block the rest.
func (d *Dispatcher) DeliverDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := d.store.ListCallbackDue(ctx, now, d.config.MaxAttempts, d.config.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due callbacks: %w", err)
	}

	for _, disp := range due {
		d.deliverOne(ctx, disp)
	}
	return nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, disp *dispute.Dispute) {
	attempts := disp.CallbackAttempts + 1

	err := d.send(ctx, disp)
	if err == nil {
		if uerr := d.store.UpdateCallback(ctx, disp.ID, dispute.CallbackSent, attempts, nil, nil); uerr != nil {
			d.logger.Error("failed to record callback success",
				"platform_dispute_id", disp.PlatformDisputeID, "error", uerr)
			return
		}
		metrics.CallbackDeliveriesTotal.WithLabelValues("sent").Inc()
		d.logger.Info("callback delivered",
			"platform_dispute_id", disp.PlatformDisputeID,
			"platform_id", disp.PlatformID,
			"attempts", attempts,
		)
		return
	}

	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	var next *time.Time
	if attempts < d.config.MaxAttempts {
		at := time.Now().UTC().Add(d.backoff(attempts))
		next = &at
	}
	if uerr := d.store.UpdateCallback(ctx, disp.ID, dispute.CallbackFailed, attempts, &msg, next); uerr != nil {
		d.logger.Error("failed to record callback failure",
			"platform_dispute_id", disp.PlatformDisputeID, "error", uerr)
		return
	}

	result := "failed"
	if next == nil {
		result = "dead"
	}
	metrics.CallbackDeliveriesTotal.WithLabelValues(result).Inc()
	d.logger.Warn("callback delivery failed",
		"platform_dispute_id", disp.PlatformDisputeID,
		"platform_id", disp.PlatformID,
		"attempts", attempts,
		"retrying", next != nil,
		"error", msg,
	)
}

// backoff returns the delay before the next attempt: base doubled per prior
// failure, capped at MaxDelay.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.config.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.config.MaxDelay {
			return d.config.MaxDelay
		}
	}
	if delay > d.config.MaxDelay {
		return d.config.MaxDelay
	}
	return delay
}

func (d *Dispatcher) send(ctx context.Context, disp *dispute.Dispute) error {
	url, err := d.resolveURL(ctx, disp.PlatformID)
	if err != nil {
		return err
	}

	result := ""
	if disp.Result != nil {
		result = string(*disp.Result)
	}
	txHash := ""
	if disp.FinalizeTxHash != nil {
		txHash = *disp.FinalizeTxHash
	}
	body, err := json.Marshal(payload{
		PlatformDisputeID: disp.PlatformDisputeID,
		JobID:             disp.JobID,
		BillID:            disp.BillID,
		Result:            result,
		VotesAgent:        disp.VotesAgent,
		VotesUser:         disp.VotesUser,
		TxHash:            txHash,
		ChainID:           disp.ChainID,
		ContractAddress:   disp.ContractAddress,
		ContractDisputeID: disp.ContractDisputeID,
	})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Disputed-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if d.config.Secret != "" {
		req.Header.Set("X-Disputed-Signature", sign(body, d.config.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) resolveURL(ctx context.Context, platformID string) (string, error) {
	p, err := d.platforms.Get(ctx, platformID)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return "", fmt.Errorf("resolving platform %s: %w", platformID, err)
	}
	if p != nil && p.WebhookURL != "" {
		return p.WebhookURL, nil
	}
	if d.config.DefaultURL != "" {
		return d.config.DefaultURL, nil
	}
	return "", fmt.Errorf("platform %s has no webhook url configured", platformID)
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
