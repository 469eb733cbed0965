package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) FindByOwnerAndTitle(ctx context.Context, ownerID uint, title string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("owner_id = ? AND title = ?", ownerID, title).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find document failed: %w", err)
	}
	return &doc, nil
}

// FindOrCreate is idempotent by (owner, title). It returns
// ErrVersionConflict when a concurrent creator won but its row is not
// visible yet.
func (r *DocumentRepository) FindOrCreate(ctx context.Context, ownerID uint, title string) (*model.Document, error) {
	existing, err := r.FindByOwnerAndTitle(ctx, ownerID, title)
	if err != nil || existing != nil {
		return existing, err
	}

	doc := &model.Document{OwnerID: ownerID, Title: title}
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Inside a REPEATABLE READ transaction the winner's row may be
			// outside our snapshot; the caller retries in a fresh one.
			existing, err := r.FindByOwnerAndTitle(ctx, ownerID, title)
			if err == nil && existing == nil {
				return nil, ErrVersionConflict
			}
			return existing, err
		}
		return nil, fmt.Errorf("create document failed: %w", err)
	}
	return doc, nil
}
