package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docdelta/internal/alert"
	"docdelta/internal/metrics"
	"docdelta/internal/model"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
)

type RecoveryOptions struct {
	StuckThreshold time.Duration
	JobTimeout     time.Duration
	BatchLimit     int
	Parallelism    int
}

// RecoveryService runs the periodic repair passes: the version sweep, which
// re-dispatches versions that stopped making progress, and the job sweep,
// which takes jobs back from dead workers and retries failed ones.
type RecoveryService struct {
	store      *repository.Store
	replay     *ReplayService
	dispatcher queue.Dispatcher
	alerter    alert.Alerter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       RecoveryOptions
	now        func() time.Time
}

func NewRecoveryService(
	store *repository.Store,
	replay *ReplayService,
	dispatcher queue.Dispatcher,
	alerter alert.Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts RecoveryOptions,
) *RecoveryService {
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 10 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 50
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &RecoveryService{
		store:      store,
		replay:     replay,
		dispatcher: dispatcher,
		alerter:    alerter,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for the stuck threshold.
func (s *RecoveryService) SetClock(now func() time.Time) {
	s.now = now
}

type VersionOutcome struct {
	VersionID uint   `json:"version_id"`
	Triggered int    `json:"triggered"`
	Error     string `json:"error,omitempty"`
}

type SweepResult struct {
	VersionsFound     int              `json:"versions_found"`
	VersionsRecovered int              `json:"versions_recovered"`
	VersionsSkipped   int              `json:"versions_skipped"`
	ChunksProcessed   int              `json:"chunks_processed"`
	DocumentJobs      int              `json:"document_jobs"`
	Outcomes          []VersionOutcome `json:"outcomes,omitempty"`
}

// RecoverySweep replays the incomplete chunks of every stuck version and
// re-arms the document job of versions whose chunks finished but whose
// summary never landed. Versions are handled independently: one failure is
// recorded and alerted without stopping the others.
func (s *RecoveryService) RecoverySweep(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().Add(-s.opts.StuckThreshold)
	stuck, err := s.store.Versions.ListStuck(ctx, cutoff, s.opts.BatchLimit)
	if err != nil {
		return nil, err
	}
	unfinalized, err := s.store.Versions.ListUnfinalized(ctx, cutoff, s.opts.BatchLimit)
	if err != nil {
		return nil, err
	}
	versions := append(stuck, unfinalized...)

	outcomes := make([]VersionOutcome, len(versions))
	docJobs := make([]bool, len(versions))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Parallelism)
	for i := range versions {
		i := i
		version := &versions[i]
		g.Go(func() error {
			outcomes[i].VersionID = version.ID
			res, err := s.replay.recoverVersion(ctx, version)
			if err != nil {
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Triggered = res.Triggered
			docJobs[i] = res.DocumentJob
			return nil
		})
	}
	_ = g.Wait()

	result := &SweepResult{VersionsFound: len(versions), Outcomes: outcomes}
	for i, o := range outcomes {
		if o.Error != "" {
			s.metrics.RecoveryVersions.WithLabelValues("failed").Inc()
			s.logger.Error("version recovery failed", "version_id", o.VersionID, "error", o.Error)
			s.alerter.SendAlert(ctx, alert.SeverityCritical, alert.TypeRecoveryFailed,
				fmt.Sprintf("recovery of version %d failed", o.VersionID),
				map[string]any{"version_id": o.VersionID, "error": o.Error})
			continue
		}
		// Nothing dispatched: every job is claimed by a live worker or
		// waiting on the job sweep.
		if o.Triggered == 0 && !docJobs[i] {
			s.metrics.RecoveryVersions.WithLabelValues("skipped").Inc()
			result.VersionsSkipped++
			continue
		}
		s.metrics.RecoveryVersions.WithLabelValues("recovered").Inc()
		result.VersionsRecovered++
		result.ChunksProcessed += o.Triggered
		if docJobs[i] {
			result.DocumentJobs++
		}
	}

	s.logger.Info("recovery sweep finished",
		"versions_found", result.VersionsFound,
		"versions_recovered", result.VersionsRecovered,
		"versions_skipped", result.VersionsSkipped,
		"chunks_processed", result.ChunksProcessed,
		"document_jobs", result.DocumentJobs,
	)
	return result, nil
}

type JobSweepResult struct {
	StuckFound     int `json:"stuck_found"`
	StuckRequeued  int `json:"stuck_requeued"`
	StuckFailed    int `json:"stuck_failed"`
	RetryableFound int `json:"retryable_found"`
	Retried        int `json:"retried"`
	Dispatched     int `json:"dispatched"`
}

// JobSweep resets jobs whose lease expired and failed jobs with retry
// budget left, then re-dispatches them. A warning alert is raised before a
// job's last allowed attempt.
func (s *RecoveryService) JobSweep(ctx context.Context) (*JobSweepResult, error) {
	result := &JobSweepResult{}
	var ready []queue.Job

	stuck, err := s.store.Jobs.GetStuckJobs(ctx, s.opts.JobTimeout, s.opts.BatchLimit)
	if err != nil {
		return nil, err
	}
	result.StuckFound = len(stuck)
	for i := range stuck {
		status, err := s.store.Jobs.ResetStuck(ctx, stuck[i].ID, s.opts.JobTimeout)
		if err != nil {
			return nil, err
		}
		switch status {
		case model.JobStatusQueued:
			s.metrics.JobsReset.WithLabelValues("lease_expired").Inc()
			result.StuckRequeued++
			job, err := s.requeued(ctx, stuck[i].ID)
			if err != nil {
				return nil, err
			}
			if job != nil {
				ready = append(ready, job)
			}
		case model.JobStatusFailed:
			result.StuckFailed++
			s.metrics.JobsExhausted.WithLabelValues(string(stuck[i].Kind)).Inc()
			exhausted := stuck[i]
			exhausted.RetryCount++
			s.alertExhausted(ctx, &exhausted, "lease expired")
		}
	}

	retryable, err := s.store.Jobs.GetRetryableJobs(ctx, s.opts.BatchLimit)
	if err != nil {
		return nil, err
	}
	result.RetryableFound = len(retryable)
	for i := range retryable {
		ok, err := s.store.Jobs.ResetRetryable(ctx, retryable[i].ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.metrics.JobsReset.WithLabelValues("retry").Inc()
		result.Retried++
		job, err := s.requeued(ctx, retryable[i].ID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			ready = append(ready, job)
		}
	}

	result.Dispatched = dispatchAll(ctx, s.dispatcher, s.logger, ready)
	if result.StuckFound+result.RetryableFound > 0 {
		s.logger.Info("job sweep finished",
			"stuck_found", result.StuckFound,
			"stuck_requeued", result.StuckRequeued,
			"stuck_failed", result.StuckFailed,
			"retried", result.Retried,
			"dispatched", result.Dispatched,
		)
	}
	return result, nil
}

// requeued reloads a job that was just moved back to queued, raises the
// last-attempt warning when due, and returns its typed message.
func (s *RecoveryService) requeued(ctx context.Context, id uint) (queue.Job, error) {
	row, err := s.store.Jobs.GetByID(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	if row.LastAttempt() {
		s.alerter.SendAlert(ctx, alert.SeverityWarning, alert.TypeJobLastAttempt,
			fmt.Sprintf("job %d is starting its last allowed attempt", row.ID),
			alert.JobFields(row))
	}
	job, err := queue.FromModel(row)
	if err != nil {
		s.logger.Error("rebuild job message failed", "job_id", id, "error", err)
		return nil, nil
	}
	return job, nil
}

func (s *RecoveryService) alertExhausted(ctx context.Context, job *model.Job, reason string) {
	fields := alert.JobFields(job)
	fields["reason"] = reason
	s.alerter.SendAlert(ctx, alert.SeverityCritical, alert.TypeJobExhausted,
		fmt.Sprintf("job %d retries exhausted", job.ID), fields)
}
