package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

// JobRepository implements the claim/heartbeat/complete/fail protocol.
// Every transition is a single conditional UPDATE; the row count decides
// who won, never a prior read.
type JobRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for leases.
func (r *JobRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *JobRepository) GetByID(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &job, nil
}

func (r *JobRepository) GetByDedupKey(ctx context.Context, key string) (*model.Job, error) {
	var job model.Job
	if err := r.db.WithContext(ctx).Where("dedup_key = ?", key).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job by key failed: %w", err)
	}
	return &job, nil
}

// Ensure inserts the job unless one with the same dedup key exists, in which
// case the existing row is returned and created is false.
func (r *JobRepository) Ensure(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	existing, err := r.GetByDedupKey(ctx, job.DedupKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, getErr := r.GetByDedupKey(ctx, job.DedupKey)
			if getErr == nil && existing == nil {
				return nil, false, ErrVersionConflict
			}
			return existing, false, getErr
		}
		return nil, false, fmt.Errorf("create job failed: %w", err)
	}
	return job, true, nil
}

// Claim moves a queued job to claimed for workerID. It returns nil when the
// job does not exist or another worker got there first.
func (r *JobRepository) Claim(ctx context.Context, id uint, workerID string) (*model.Job, error) {
	now := r.now()
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":       model.JobStatusClaimed,
			"claimed_by":   workerID,
			"claimed_at":   now,
			"heartbeat_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim job failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// Heartbeat refreshes the lease of a job held by workerID.
func (r *JobRepository) Heartbeat(ctx context.Context, id uint, workerID string) error {
	now := r.now()
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.JobStatusClaimed, workerID).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("job heartbeat failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id uint, workerID, resultRef string) error {
	now := r.now()
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.JobStatusClaimed, workerID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"result_ref":   resultRef,
			"completed_at": now,
			"last_error":   "",
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark job completed failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release hands a claimed job back to the queue without spending a retry.
// A worker calls it when it stops before the attempt could finish.
func (r *JobRepository) Release(ctx context.Context, id uint, workerID string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.JobStatusClaimed, workerID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusQueued,
			"claimed_by":   "",
			"claimed_at":   nil,
			"heartbeat_at": nil,
			"updated_at":   r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("release job failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed records the error and spends one retry. The updated job is
// returned so the caller can tell whether retries are exhausted.
func (r *JobRepository) MarkFailed(ctx context.Context, id uint, workerID, reason string) (*model.Job, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.JobStatusClaimed, workerID).
		Updates(map[string]interface{}{
			"status":      model.JobStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  reason,
			"updated_at":  r.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("mark job failed failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrLeaseLost
	}
	return r.GetByID(ctx, id)
}

// GetStuckJobs returns claimed jobs whose last heartbeat is older than timeout.
func (r *JobRepository) GetStuckJobs(ctx context.Context, timeout time.Duration, limit int) ([]model.Job, error) {
	var jobs []model.Job
	q := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", model.JobStatusClaimed, r.now().Add(-timeout)).
		Order("heartbeat_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("get stuck jobs failed: %w", err)
	}
	return jobs, nil
}

// GetRetryableJobs returns failed jobs that still have retry budget.
func (r *JobRepository) GetRetryableJobs(ctx context.Context, limit int) ([]model.Job, error) {
	var jobs []model.Job
	q := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < max_retries", model.JobStatusFailed).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("get retryable jobs failed: %w", err)
	}
	return jobs, nil
}

// ResetStuck takes a job back from a presumed-dead worker. The expired lease
// counts as an attempt: the job is re-queued while budget remains and fails
// permanently otherwise. It returns the resulting status, or "" when the job
// was not stuck anymore.
func (r *JobRepository) ResetStuck(ctx context.Context, id uint, timeout time.Duration) (model.JobStatus, error) {
	now := r.now()
	cutoff := now.Add(-timeout)
	stuck := func() *gorm.DB {
		return r.db.WithContext(ctx).
			Model(&model.Job{}).
			Where("id = ? AND status = ? AND heartbeat_at < ?", id, model.JobStatusClaimed, cutoff)
	}

	res := stuck().
		Where("retry_count + 1 < max_retries").
		Updates(map[string]interface{}{
			"status":      model.JobStatusQueued,
			"retry_count": gorm.Expr("retry_count + 1"),
			"claimed_by":  "",
			"last_error":  "lease expired",
			"updated_at":  now,
		})
	if res.Error != nil {
		return "", fmt.Errorf("requeue stuck job failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return model.JobStatusQueued, nil
	}

	res = stuck().
		Updates(map[string]interface{}{
			"status":      model.JobStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  "lease expired",
			"updated_at":  now,
		})
	if res.Error != nil {
		return "", fmt.Errorf("fail stuck job failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return model.JobStatusFailed, nil
	}
	return "", nil
}

// ResetRetryable moves a failed job with remaining budget back to queued.
func (r *JobRepository) ResetRetryable(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, model.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":     model.JobStatusQueued,
			"claimed_by": "",
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset retryable job failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Requeue re-arms a finished job for replay with a fresh retry budget.
// Queued and claimed jobs are left alone.
func (r *JobRepository) Requeue(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":      model.JobStatusQueued,
			"retry_count": 0,
			"claimed_by":  "",
			"updated_at":  r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("requeue job failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CountExhausted counts jobs of a version that failed with no retries left.
func (r *JobRepository) CountExhausted(ctx context.Context, versionID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("version_id = ? AND status = ? AND retry_count >= max_retries", versionID, model.JobStatusFailed).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count exhausted jobs failed: %w", err)
	}
	return count, nil
}
