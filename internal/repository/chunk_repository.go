package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

const chunkBatchSize = 200

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) Create(ctx context.Context, chunk *model.DocumentChunk) error {
	if err := r.db.WithContext(ctx).Create(chunk).Error; err != nil {
		return fmt.Errorf("create document chunk failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []model.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&chunks, chunkBatchSize).Error; err != nil {
		return fmt.Errorf("create document chunks batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) GetByID(ctx context.Context, id uint) (*model.DocumentChunk, error) {
	var chunk model.DocumentChunk
	if err := r.db.WithContext(ctx).First(&chunk, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document chunk failed: %w", err)
	}
	return &chunk, nil
}

func (r *ChunkRepository) ListByVersion(ctx context.Context, versionID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list document chunks failed: %w", err)
	}
	return chunks, nil
}

// ListReusable returns the chunks of a version that already carry a summary,
// ordered by chunk index so the lowest index wins on duplicate hashes.
func (r *ChunkRepository) ListReusable(ctx context.Context, versionID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.WithContext(ctx).
		Where("version_id = ? AND summary IS NOT NULL", versionID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list reusable chunks failed: %w", err)
	}
	return chunks, nil
}

// ListNew returns the chunks that own their summary (not reused).
func (r *ChunkRepository) ListNew(ctx context.Context, versionID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.WithContext(ctx).
		Where("version_id = ? AND reused_from_id IS NULL", versionID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list new chunks failed: %w", err)
	}
	return chunks, nil
}

// ListIncomplete returns new chunks that still lack a summary.
func (r *ChunkRepository) ListIncomplete(ctx context.Context, versionID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.WithContext(ctx).
		Where("version_id = ? AND reused_from_id IS NULL AND summary IS NULL", versionID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list incomplete chunks failed: %w", err)
	}
	return chunks, nil
}

// CountProgress returns the total and summarized chunk counts of a version.
func (r *ChunkRepository) CountProgress(ctx context.Context, versionID uint) (total, completed int64, err error) {
	if err = r.db.WithContext(ctx).
		Model(&model.DocumentChunk{}).
		Where("version_id = ?", versionID).
		Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count chunks failed: %w", err)
	}
	if err = r.db.WithContext(ctx).
		Model(&model.DocumentChunk{}).
		Where("version_id = ? AND summary IS NOT NULL", versionID).
		Count(&completed).Error; err != nil {
		return 0, 0, fmt.Errorf("count summarized chunks failed: %w", err)
	}
	return total, completed, nil
}

// SetSummary writes the summary of a new chunk. Repeated writes replace the
// previous value, so duplicate attempts are harmless.
func (r *ChunkRepository) SetSummary(ctx context.Context, chunkID uint, summary string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.DocumentChunk{}).
		Where("id = ? AND reused_from_id IS NULL", chunkID).
		Updates(map[string]interface{}{
			"summary":       summary,
			"summarized_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("set chunk summary failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChunkNotWritable
	}
	return nil
}
