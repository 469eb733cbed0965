package app

import (
	"context"
	"log/slog"

	"docdelta/internal/metrics"
	"docdelta/internal/model"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
)

// ReplayService re-dispatches work for a version. It never summarizes
// anything itself, so running it next to live workers only risks duplicate
// attempts, which the claim protocol absorbs.
type ReplayService struct {
	store      *repository.Store
	dispatcher queue.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxRetries int
}

func NewReplayService(
	store *repository.Store,
	dispatcher queue.Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
	maxRetries int,
) *ReplayService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ReplayService{
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

type ReplayResult struct {
	VersionID        uint `json:"version_id"`
	Triggered        int  `json:"triggered"`
	IncompleteChunks int  `json:"incomplete_chunks"`
	DocumentJob      bool `json:"document_job"`
}

// replayMode controls how jobs that already ran are treated.
type replayMode int

const (
	// modeManual re-arms finished jobs, including exhausted ones.
	modeManual replayMode = iota
	// modeSweep only re-dispatches queued jobs and creates missing ones;
	// failed jobs belong to the job sweep and exhausted jobs to an operator.
	modeSweep
)

// Replay is the owner-checked entry point used by the API.
func (s *ReplayService) Replay(ctx context.Context, ownerID, versionID uint, onlyIncomplete bool) (*ReplayResult, error) {
	version, err := ownedVersion(ctx, s.store, ownerID, versionID)
	if err != nil {
		return nil, err
	}
	return s.replay(ctx, version, onlyIncomplete, modeManual)
}

// ReplayVersion re-dispatches every new chunk of the version. Workers skip
// chunks that already have a summary.
func (s *ReplayService) ReplayVersion(ctx context.Context, versionID uint) (*ReplayResult, error) {
	return s.Replay(ctx, 0, versionID, false)
}

// ReplayIncompleteChunks re-dispatches only new chunks still missing a summary.
func (s *ReplayService) ReplayIncompleteChunks(ctx context.Context, versionID uint) (*ReplayResult, error) {
	return s.Replay(ctx, 0, versionID, true)
}

func (s *ReplayService) recoverVersion(ctx context.Context, version *model.DocumentVersion) (*ReplayResult, error) {
	return s.replay(ctx, version, true, modeSweep)
}

func (s *ReplayService) replay(ctx context.Context, version *model.DocumentVersion, onlyIncomplete bool, mode replayMode) (*ReplayResult, error) {
	incomplete, err := s.store.Chunks.ListIncomplete(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	targets := incomplete
	if !onlyIncomplete {
		targets, err = s.store.Chunks.ListNew(ctx, version.ID)
		if err != nil {
			return nil, err
		}
	}

	result := &ReplayResult{VersionID: version.ID, IncompleteChunks: len(incomplete)}
	var chunkJobs []queue.Job
	for i := range targets {
		row, err := queue.NewChunkJobRow(version.ID, targets[i].ID, s.maxRetries)
		if err != nil {
			return nil, err
		}
		job, err := s.prepare(ctx, row, mode)
		if err != nil {
			return nil, err
		}
		if job != nil {
			chunkJobs = append(chunkJobs, job)
		}
	}
	result.Triggered = dispatchAll(ctx, s.dispatcher, s.logger, chunkJobs)
	s.metrics.RecoveryChunks.Add(float64(result.Triggered))

	if len(incomplete) == 0 && !version.IsSummarized() {
		row, err := queue.NewDocumentJobRow(version.ID, s.maxRetries)
		if err != nil {
			return nil, err
		}
		job, err := s.prepare(ctx, row, mode)
		if err != nil {
			return nil, err
		}
		if job != nil {
			result.DocumentJob = dispatchAll(ctx, s.dispatcher, s.logger, []queue.Job{job}) == 1
		}
	}

	s.logger.Info("version replayed",
		"version_id", version.ID,
		"only_incomplete", onlyIncomplete,
		"triggered", result.Triggered,
		"incomplete_chunks", result.IncompleteChunks,
		"document_job", result.DocumentJob,
	)
	return result, nil
}

// prepare makes sure a job row exists for row's dedup key and returns the
// typed job if it should be dispatched now, or nil if it should be left alone.
func (s *ReplayService) prepare(ctx context.Context, row *model.Job, mode replayMode) (queue.Job, error) {
	job, created, err := s.store.Jobs.Ensure(ctx, row)
	if err != nil {
		return nil, err
	}
	if !created {
		ok, err := s.rearm(ctx, job, mode)
		if err != nil || !ok {
			return nil, err
		}
	}
	return queue.FromModel(job)
}

func (s *ReplayService) rearm(ctx context.Context, job *model.Job, mode replayMode) (bool, error) {
	switch job.Status {
	case model.JobStatusQueued:
		return true, nil
	case model.JobStatusClaimed:
		return false, nil
	case model.JobStatusCompleted:
		return s.store.Jobs.Requeue(ctx, job.ID)
	case model.JobStatusFailed:
		if mode == modeSweep {
			return false, nil
		}
		if job.Exhausted() {
			return s.store.Jobs.Requeue(ctx, job.ID)
		}
		return s.store.Jobs.ResetRetryable(ctx, job.ID)
	default:
		return false, nil
	}
}
