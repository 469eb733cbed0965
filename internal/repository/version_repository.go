package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

type VersionRepository struct {
	db *gorm.DB
}

func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

func (r *VersionRepository) GetByID(ctx context.Context, id uint) (*model.DocumentVersion, error) {
	var version model.DocumentVersion
	if err := r.db.WithContext(ctx).First(&version, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document version failed: %w", err)
	}
	return &version, nil
}

func (r *VersionRepository) GetLatest(ctx context.Context, documentID uint) (*model.DocumentVersion, error) {
	var version model.DocumentVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest document version failed: %w", err)
	}
	return &version, nil
}

// Create assigns the next version number for the document. It must run in
// the caller's transaction; a concurrent writer that took the same number
// surfaces as ErrVersionConflict through the unique index.
func (r *VersionRepository) Create(ctx context.Context, version *model.DocumentVersion) error {
	var maxNumber int
	if err := r.db.WithContext(ctx).
		Model(&model.DocumentVersion{}).
		Where("document_id = ?", version.DocumentID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&maxNumber).Error; err != nil {
		return fmt.Errorf("read max version number failed: %w", err)
	}
	version.VersionNumber = maxNumber + 1

	if err := r.db.WithContext(ctx).Create(version).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrVersionConflict
		}
		return fmt.Errorf("create document version failed: %w", err)
	}
	return nil
}

// AttachSummary sets the finished-summary pointer.
func (r *VersionRepository) AttachSummary(ctx context.Context, versionID, summaryID uint) error {
	if err := r.db.WithContext(ctx).
		Model(&model.DocumentVersion{}).
		Where("id = ?", versionID).
		Update("summary_id", summaryID).Error; err != nil {
		return fmt.Errorf("attach version summary failed: %w", err)
	}
	return nil
}

func (r *VersionRepository) stuckQuery(ctx context.Context, createdBefore time.Time, recoverable bool) *gorm.DB {
	pending := r.db.Model(&model.DocumentChunk{}).
		Select("1").
		Where("document_chunks.version_id = document_versions.id").
		Where("document_chunks.summary IS NULL AND document_chunks.reused_from_id IS NULL")
	if recoverable {
		exhausted := r.db.Model(&model.Job{}).
			Select("1").
			Where("jobs.chunk_id = document_chunks.id").
			Where("jobs.status = ? AND jobs.retry_count >= jobs.max_retries", model.JobStatusFailed)
		pending = pending.Where("NOT EXISTS (?)", exhausted)
	}
	return r.db.WithContext(ctx).
		Model(&model.DocumentVersion{}).
		Where("document_versions.summary_id IS NULL").
		Where("document_versions.created_at < ?", createdBefore).
		Where("EXISTS (?)", pending)
}

// ListStuck returns unsummarized versions created before the cutoff that
// still have a new chunk without a summary whose job is not exhausted,
// oldest first. Exhausted chunks wait for an operator and never occupy the
// batch.
func (r *VersionRepository) ListStuck(ctx context.Context, createdBefore time.Time, limit int) ([]model.DocumentVersion, error) {
	var versions []model.DocumentVersion
	q := r.stuckQuery(ctx, createdBefore, true).Order("document_versions.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("list stuck versions failed: %w", err)
	}
	return versions, nil
}

// CountStuck counts every unsummarized version past the cutoff with a new
// chunk still lacking a summary, exhausted or not.
func (r *VersionRepository) CountStuck(ctx context.Context, createdBefore time.Time) (int64, error) {
	var count int64
	if err := r.stuckQuery(ctx, createdBefore, false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count stuck versions failed: %w", err)
	}
	return count, nil
}

// CountWithOrphanedReuse counts versions holding a reused chunk whose source
// chunk is gone or has no summary.
func (r *VersionRepository) CountWithOrphanedReuse(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("document_chunks AS c").
		Joins("LEFT JOIN document_chunks AS src ON src.id = c.reused_from_id").
		Where("c.reused_from_id IS NOT NULL").
		Where("src.id IS NULL OR src.summary IS NULL").
		Distinct("c.version_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count orphaned reuse failed: %w", err)
	}
	return count, nil
}

// ListUnfinalized returns versions created before the cutoff whose chunks
// are all summarized or reused but which still lack a document summary and
// whose document job, if any, is not exhausted.
func (r *VersionRepository) ListUnfinalized(ctx context.Context, createdBefore time.Time, limit int) ([]model.DocumentVersion, error) {
	pending := r.db.Model(&model.DocumentChunk{}).
		Select("1").
		Where("document_chunks.version_id = document_versions.id").
		Where("document_chunks.summary IS NULL")
	exhausted := r.db.Model(&model.Job{}).
		Select("1").
		Where("jobs.version_id = document_versions.id AND jobs.kind = ?", model.JobKindDocument).
		Where("jobs.status = ? AND jobs.retry_count >= jobs.max_retries", model.JobStatusFailed)
	var versions []model.DocumentVersion
	q := r.db.WithContext(ctx).
		Model(&model.DocumentVersion{}).
		Where("document_versions.summary_id IS NULL").
		Where("document_versions.created_at < ?", createdBefore).
		Where("NOT EXISTS (?)", pending).
		Where("NOT EXISTS (?)", exhausted).
		Order("document_versions.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("list unfinalized versions failed: %w", err)
	}
	return versions, nil
}
