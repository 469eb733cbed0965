package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

type SummaryRepository struct {
	db *gorm.DB
}

func NewSummaryRepository(db *gorm.DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// Upsert replaces the summary of a version; the last writer wins.
func (r *SummaryRepository) Upsert(ctx context.Context, versionID uint, content string) (*model.DocumentSummary, error) {
	existing, err := r.GetByVersionID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Content = content
		if err := r.db.WithContext(ctx).Model(existing).Update("content", content).Error; err != nil {
			return nil, fmt.Errorf("update document summary failed: %w", err)
		}
		return existing, nil
	}

	summary := &model.DocumentSummary{VersionID: versionID, Content: content}
	if err := r.db.WithContext(ctx).Create(summary).Error; err != nil {
		return nil, fmt.Errorf("create document summary failed: %w", err)
	}
	return summary, nil
}

func (r *SummaryRepository) GetByVersionID(ctx context.Context, versionID uint) (*model.DocumentSummary, error) {
	var summary model.DocumentSummary
	if err := r.db.WithContext(ctx).Where("version_id = ?", versionID).First(&summary).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document summary failed: %w", err)
	}
	return &summary, nil
}
