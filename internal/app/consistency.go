package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docdelta/internal/alert"
	"docdelta/internal/metrics"
	"docdelta/internal/repository"
)

const (
	StatusReady    = "ready"
	StatusNotReady = "not_ready"

	CheckOK     = "ok"
	CheckFailed = "failed"
	CheckError  = "error"
)

// ConsistencyChecker runs read-only probes for structurally broken states.
// It never repairs anything; findings are alerted and reported.
type ConsistencyChecker struct {
	store          *repository.Store
	alerter        alert.Alerter
	metrics        *metrics.Metrics
	logger         *slog.Logger
	stuckThreshold time.Duration
	maxStuck       int64
	now            func() time.Time
}

func NewConsistencyChecker(
	store *repository.Store,
	alerter alert.Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
	stuckThreshold time.Duration,
	maxStuckVersions int64,
) *ConsistencyChecker {
	if stuckThreshold <= 0 {
		stuckThreshold = 10 * time.Minute
	}
	if maxStuckVersions < 0 {
		maxStuckVersions = 0
	}
	return &ConsistencyChecker{
		store:          store,
		alerter:        alerter,
		metrics:        m,
		logger:         logger,
		stuckThreshold: stuckThreshold,
		maxStuck:       maxStuckVersions,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (c *ConsistencyChecker) SetClock(now func() time.Time) {
	c.now = now
}

type Check struct {
	Status    string `json:"status"`
	Count     int64  `json:"count"`
	Threshold int64  `json:"threshold"`
	Error     string `json:"error,omitempty"`
}

type ReadinessReport struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

func (r *ReadinessReport) Ready() bool {
	return r.Status == StatusReady
}

func (c *ConsistencyChecker) CountStuckVersions(ctx context.Context) (int64, error) {
	return c.store.Versions.CountStuck(ctx, c.now().Add(-c.stuckThreshold))
}

func (c *ConsistencyChecker) CountOrphanedReuseVersions(ctx context.Context) (int64, error) {
	return c.store.Versions.CountWithOrphanedReuse(ctx)
}

// Readiness reports not_ready when the stuck-version count is above its
// threshold, when any version has orphaned reused chunks, or when a probe
// cannot run.
func (c *ConsistencyChecker) Readiness(ctx context.Context) *ReadinessReport {
	report := &ReadinessReport{Status: StatusReady, Checks: make(map[string]Check, 2)}

	stuck, err := c.CountStuckVersions(ctx)
	report.add("stuck_versions", c.evaluate(ctx, err, stuck, c.maxStuck, alert.TypeStuckVersions,
		fmt.Sprintf("%d versions stuck longer than %s", stuck, c.stuckThreshold)))
	if err == nil {
		c.metrics.StuckVersions.Set(float64(stuck))
	}

	orphaned, err := c.CountOrphanedReuseVersions(ctx)
	report.add("orphaned_reuse", c.evaluate(ctx, err, orphaned, 0, alert.TypeOrphanedReuse,
		fmt.Sprintf("%d versions reference reused chunks without a summary", orphaned)))
	if err == nil {
		c.metrics.OrphanedVersions.Set(float64(orphaned))
	}
	return report
}

func (c *ConsistencyChecker) evaluate(ctx context.Context, err error, count, threshold int64, alertType, message string) Check {
	if err != nil {
		c.logger.Error("consistency probe failed", "check", alertType, "error", err)
		return Check{Status: CheckError, Threshold: threshold, Error: err.Error()}
	}
	check := Check{Status: CheckOK, Count: count, Threshold: threshold}
	if count > threshold {
		check.Status = CheckFailed
		c.alerter.SendAlert(ctx, alert.SeverityCritical, alertType, message,
			map[string]any{"count": count, "threshold": threshold})
	}
	return check
}

func (r *ReadinessReport) add(name string, check Check) {
	r.Checks[name] = check
	if check.Status != CheckOK {
		r.Status = StatusNotReady
	}
}
