// Package worker executes summarization jobs. A worker owns a job only
// between a successful Claim and its MarkCompleted, MarkFailed or Release, and keeps
// the lease alive with heartbeats while the summarizer runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"docdelta/internal/ai"
	"docdelta/internal/alert"
	"docdelta/internal/metrics"
	"docdelta/internal/model"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
)

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNotClaimed Outcome = "not_claimed"
	OutcomeFailed     Outcome = "failed"
	OutcomeLeaseLost  Outcome = "lease_lost"
	// OutcomeReleased means the worker was stopping and handed the job back
	// to the queue without spending a retry.
	OutcomeReleased Outcome = "released"
)

const (
	maxErrorLen = 1000
	// stateWriteTimeout bounds job state writes, which outlive the caller's
	// context so that shutdown still records the outcome.
	stateWriteTimeout = 10 * time.Second
)

type Options struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	MaxRetries        int
}

type Processor struct {
	store      *repository.Store
	summarizer ai.Summarizer
	dispatcher queue.Dispatcher
	alerter    alert.Alerter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

func NewProcessor(
	store *repository.Store,
	summarizer ai.Summarizer,
	dispatcher queue.Dispatcher,
	alerter alert.Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Processor {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Processor{
		store:      store,
		summarizer: summarizer,
		dispatcher: dispatcher,
		alerter:    alerter,
		metrics:    m,
		logger:     logger.With("worker_id", opts.WorkerID),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage decodes a wire message and processes it.
func (p *Processor) HandleMessage(ctx context.Context, body []byte) (Outcome, error) {
	job, env, err := queue.Decode(body)
	if err != nil {
		return "", err
	}
	p.logger.Debug("job message received", "message_id", env.MessageID, "job_id", job.ID(), "kind", job.Kind())
	return p.Handle(ctx, job)
}

// Handle claims and runs one job. Job-level failures are recorded on the job
// and reported as OutcomeFailed; a returned error means the store could not
// be reached and the job state is unchanged.
func (p *Processor) Handle(ctx context.Context, job queue.Job) (Outcome, error) {
	claimed, err := p.store.Jobs.Claim(ctx, job.ID(), p.opts.WorkerID)
	if err != nil {
		return "", err
	}
	if claimed == nil {
		p.logger.Debug("job not claimable, skipping", "job_id", job.ID())
		return OutcomeNotClaimed, nil
	}
	p.metrics.JobsClaimed.WithLabelValues(string(claimed.Kind)).Inc()
	logger := p.logger.With("job_id", claimed.ID, "kind", claimed.Kind, "version_id", claimed.VersionID, "attempt", claimed.RetryCount+1)

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()
	lease := p.keepAlive(jobCtx, cancel, claimed.ID, logger)

	var (
		resultRef string
		skipped   bool
	)
	switch j := job.(type) {
	case queue.ChunkJob:
		resultRef, skipped, err = p.runChunk(jobCtx, j)
	case queue.DocumentJob:
		resultRef, skipped, err = p.runDocument(jobCtx, j)
	default:
		err = fmt.Errorf("%w: unsupported job type %T", queue.ErrInvalidMessage, job)
	}
	lease.stop()

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancelWrite()

	if err != nil {
		if lease.lost() {
			logger.Warn("job lease lost during processing", "error", err)
			return OutcomeLeaseLost, nil
		}
		if ctx.Err() != nil {
			return p.release(writeCtx, claimed, err, logger)
		}
		return p.fail(writeCtx, claimed, err, logger)
	}

	if err := p.store.Jobs.MarkCompleted(writeCtx, claimed.ID, p.opts.WorkerID, resultRef); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			logger.Warn("job lease lost before completion", "result_ref", resultRef)
			return OutcomeLeaseLost, nil
		}
		return "", err
	}
	p.metrics.JobsCompleted.WithLabelValues(string(claimed.Kind)).Inc()

	if claimed.Kind == model.JobKindChunk {
		if err := p.maybeFinalize(writeCtx, claimed.VersionID); err != nil {
			logger.Error("enqueue document job failed", "error", err)
		}
	}
	if skipped {
		logger.Info("job skipped", "result_ref", resultRef)
		return OutcomeSkipped, nil
	}
	logger.Info("job completed", "result_ref", resultRef)
	return OutcomeCompleted, nil
}

func (p *Processor) runChunk(ctx context.Context, j queue.ChunkJob) (string, bool, error) {
	chunk, err := p.store.Chunks.GetByID(ctx, j.ChunkID)
	if err != nil {
		return "", false, err
	}
	if chunk == nil || chunk.VersionID != j.VersionID {
		return "", false, fmt.Errorf("chunk %d of version %d not found", j.ChunkID, j.VersionID)
	}
	// Reused chunks carry a copied summary and summarized chunks are done.
	if chunk.IsReused() || chunk.HasSummary() {
		return "skipped", true, nil
	}

	started := time.Now()
	summary, err := p.summarizer.SummarizeChunk(ctx, chunk.Content)
	p.metrics.SummarizeDuration.WithLabelValues(string(model.JobKindChunk)).Observe(time.Since(started).Seconds())
	if err != nil {
		return "", false, fmt.Errorf("summarize chunk %d: %w", chunk.ID, err)
	}
	if err := p.store.Chunks.SetSummary(ctx, chunk.ID, summary, p.now()); err != nil {
		return "", false, err
	}
	return model.ChunkJobKey(chunk.ID), false, nil
}

func (p *Processor) runDocument(ctx context.Context, j queue.DocumentJob) (string, bool, error) {
	version, err := p.store.Versions.GetByID(ctx, j.VersionID)
	if err != nil {
		return "", false, err
	}
	if version == nil {
		return "", false, fmt.Errorf("version %d not found", j.VersionID)
	}
	if version.IsSummarized() {
		return "skipped", true, nil
	}

	chunks, err := p.store.Chunks.ListByVersion(ctx, version.ID)
	if err != nil {
		return "", false, err
	}
	summaries := make([]string, 0, len(chunks))
	missing := 0
	for _, c := range chunks {
		if !c.HasSummary() {
			missing++
			continue
		}
		summaries = append(summaries, *c.Summary)
	}
	if missing > 0 {
		return "", false, fmt.Errorf("version %d still has %d chunks without a summary", version.ID, missing)
	}

	started := time.Now()
	content, err := p.summarizer.SummarizeDocument(ctx, summaries)
	p.metrics.SummarizeDuration.WithLabelValues(string(model.JobKindDocument)).Observe(time.Since(started).Seconds())
	if err != nil {
		return "", false, fmt.Errorf("summarize version %d: %w", version.ID, err)
	}

	var summaryID uint
	err = p.store.Transaction(ctx, func(tx *repository.Store) error {
		summary, err := tx.Summaries.Upsert(ctx, version.ID, content)
		if err != nil {
			return err
		}
		summaryID = summary.ID
		return tx.Versions.AttachSummary(ctx, version.ID, summary.ID)
	})
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("summary:%d", summaryID), false, nil
}

// maybeFinalize enqueues the document job once every chunk of the version
// has a summary. Only the caller that creates the job dispatches it.
func (p *Processor) maybeFinalize(ctx context.Context, versionID uint) error {
	total, completed, err := p.store.Chunks.CountProgress(ctx, versionID)
	if err != nil {
		return err
	}
	if total == 0 || completed < total {
		return nil
	}
	version, err := p.store.Versions.GetByID(ctx, versionID)
	if err != nil || version == nil || version.IsSummarized() {
		return err
	}

	row, err := queue.NewDocumentJobRow(versionID, p.opts.MaxRetries)
	if err != nil {
		return err
	}
	job, created, err := p.store.Jobs.Ensure(ctx, row)
	if err != nil || !created {
		return err
	}
	typed, err := queue.FromModel(job)
	if err != nil {
		return err
	}
	if err := p.dispatcher.Dispatch(ctx, typed); err != nil {
		p.logger.Warn("dispatch document job failed, left queued", "job_id", job.ID, "version_id", versionID, "error", err)
	}
	return nil
}

// release returns a job interrupted by shutdown to the queue. The attempt
// did not run to completion, so it is not charged.
func (p *Processor) release(ctx context.Context, claimed *model.Job, cause error, logger *slog.Logger) (Outcome, error) {
	if err := p.store.Jobs.Release(ctx, claimed.ID, p.opts.WorkerID); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			logger.Warn("job lease lost before release", "error", cause)
			return OutcomeLeaseLost, nil
		}
		return "", err
	}
	logger.Info("job released on shutdown", "error", cause)
	return OutcomeReleased, nil
}

func (p *Processor) fail(ctx context.Context, claimed *model.Job, cause error, logger *slog.Logger) (Outcome, error) {
	reason := cause.Error()
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	updated, err := p.store.Jobs.MarkFailed(ctx, claimed.ID, p.opts.WorkerID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			logger.Warn("job lease lost before failure was recorded", "error", cause)
			return OutcomeLeaseLost, nil
		}
		return "", err
	}
	p.metrics.JobsFailed.WithLabelValues(string(claimed.Kind)).Inc()
	logger.Warn("job attempt failed", "retry_count", updated.RetryCount, "max_retries", updated.MaxRetries, "error", cause)

	if updated.Exhausted() {
		p.metrics.JobsExhausted.WithLabelValues(string(claimed.Kind)).Inc()
		p.alerter.SendAlert(ctx, alert.SeverityCritical, alert.TypeJobExhausted,
			fmt.Sprintf("job %d retries exhausted", updated.ID), alert.JobFields(updated))
	}
	return OutcomeFailed, nil
}

type lease struct {
	isLost atomic.Bool
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (l *lease) stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

func (l *lease) lost() bool {
	return l.isLost.Load()
}

// keepAlive heartbeats the job until stop is called. When the store reports
// that the lease moved to someone else, the job context is cancelled.
func (p *Processor) keepAlive(ctx context.Context, cancel context.CancelFunc, jobID uint, logger *slog.Logger) *lease {
	l := &lease{done: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.store.Jobs.Heartbeat(ctx, jobID, p.opts.WorkerID)
				if errors.Is(err, repository.ErrLeaseLost) {
					l.isLost.Store(true)
					cancel()
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("job heartbeat failed", "error", err)
				}
			}
		}
	}()
	return l
}
