// Package guardrail is the admission gate for new summarization work. It
// charges the marginal number of new chunks of a version against the
// owner's budget before any row is written.
package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// UsageStore keeps per-owner usage counters for a budget window. Add must be
// atomic so that concurrent admissions cannot both slip under the limit.
type UsageStore interface {
	Add(ctx context.Context, ownerID uint, window string, units int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, ownerID uint, window string) (int64, error)
}

type Config struct {
	// MaxChunksPerWindow caps new chunks per owner per window; 0 disables it.
	MaxChunksPerWindow  int64
	Window              time.Duration
	MaxChunksPerVersion int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Requested    int    `json:"requested"`
	OwnerID      uint   `json:"-"`
	DocumentID   uint   `json:"-"`

	window string
	units  int64
}

// DeniedError carries a rejected decision to the caller.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s (usage=%d limit=%d requested=%d)",
		e.Decision.Reason, e.Decision.CurrentUsage, e.Decision.Limit, e.Decision.Requested)
}

type Controller struct {
	cfg   Config
	store UsageStore
	now   func() time.Time
}

func NewController(cfg Config, store UsageStore) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	return &Controller{
		cfg:   cfg,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Check admits newChunks units of work for ownerID. An allowed decision
// reserves the units; call Release if the work is not created after all.
func (c *Controller) Check(ctx context.Context, ownerID uint, newChunks int, documentID uint) (Decision, error) {
	window := c.windowKey()
	decision := Decision{
		Limit:      c.cfg.MaxChunksPerWindow,
		Requested:  newChunks,
		OwnerID:    ownerID,
		DocumentID: documentID,
		window:     window,
	}

	if newChunks < 0 {
		return decision, fmt.Errorf("new chunk count cannot be negative")
	}
	if c.cfg.MaxChunksPerVersion > 0 && newChunks > c.cfg.MaxChunksPerVersion {
		usage, err := c.store.Get(ctx, ownerID, window)
		if err != nil {
			return decision, fmt.Errorf("read usage failed: %w", err)
		}
		decision.CurrentUsage = usage
		decision.Reason = fmt.Sprintf("version needs %d new chunks, per-version limit is %d", newChunks, c.cfg.MaxChunksPerVersion)
		return decision, nil
	}
	if newChunks == 0 || c.cfg.MaxChunksPerWindow <= 0 {
		usage, err := c.store.Get(ctx, ownerID, window)
		if err != nil {
			return decision, fmt.Errorf("read usage failed: %w", err)
		}
		decision.Allowed = true
		decision.CurrentUsage = usage
		return decision, nil
	}

	units := int64(newChunks)
	total, err := c.store.Add(ctx, ownerID, window, units, 2*c.cfg.Window)
	if err != nil {
		return decision, fmt.Errorf("reserve usage failed: %w", err)
	}
	if total > c.cfg.MaxChunksPerWindow {
		rolledBack, err := c.store.Add(ctx, ownerID, window, -units, 2*c.cfg.Window)
		if err != nil {
			return decision, fmt.Errorf("roll back usage failed: %w", err)
		}
		decision.CurrentUsage = rolledBack
		decision.Reason = fmt.Sprintf("budget allows %d more chunks this window, version needs %d",
			max(c.cfg.MaxChunksPerWindow-rolledBack, 0), newChunks)
		return decision, nil
	}

	decision.Allowed = true
	decision.CurrentUsage = total
	decision.units = units
	return decision, nil
}

// Release returns the units reserved by an allowed decision.
func (c *Controller) Release(ctx context.Context, d Decision) error {
	if !d.Allowed || d.units == 0 {
		return nil
	}
	if _, err := c.store.Add(ctx, d.OwnerID, d.window, -d.units, 2*c.cfg.Window); err != nil {
		return fmt.Errorf("release usage failed: %w", err)
	}
	return nil
}

func (c *Controller) windowKey() string {
	start := c.now().Truncate(c.cfg.Window)
	return strconv.FormatInt(start.Unix(), 10)
}
