package app

import (
	"context"

	"docdelta/internal/model"
	"docdelta/internal/repository"
)

type VersionService struct {
	store *repository.Store
}

func NewVersionService(store *repository.Store) *VersionService {
	return &VersionService{store: store}
}

// VersionStatus reports the progress of one version. A version with
// exhausted jobs stays incomplete until it is replayed.
type VersionStatus struct {
	VersionID        uint   `json:"version_id"`
	DocumentID       uint   `json:"document_id"`
	VersionNumber    int    `json:"version_number"`
	TotalChunks      int64  `json:"total_chunks"`
	CompletedChunks  int64  `json:"completed_chunks"`
	IncompleteChunks int64  `json:"incomplete_chunks"`
	ReusedChunks     int    `json:"reused_chunks"`
	NewChunks        int    `json:"new_chunks"`
	FailedJobs       int64  `json:"failed_jobs"`
	IsComplete       bool   `json:"is_complete"`
	Summarized       bool   `json:"summarized"`
	Summary          string `json:"summary,omitempty"`
}

// GetStatus returns the status of a version owned by ownerID. An ownerID of
// zero skips the ownership check and is reserved for operator tooling.
func (s *VersionService) GetStatus(ctx context.Context, ownerID, versionID uint) (*VersionStatus, error) {
	version, err := ownedVersion(ctx, s.store, ownerID, versionID)
	if err != nil {
		return nil, err
	}

	total, completed, err := s.store.Chunks.CountProgress(ctx, versionID)
	if err != nil {
		return nil, err
	}
	failed, err := s.store.Jobs.CountExhausted(ctx, versionID)
	if err != nil {
		return nil, err
	}

	status := &VersionStatus{
		VersionID:        version.ID,
		DocumentID:       version.DocumentID,
		VersionNumber:    version.VersionNumber,
		TotalChunks:      total,
		CompletedChunks:  completed,
		IncompleteChunks: total - completed,
		ReusedChunks:     version.ReusedChunks,
		NewChunks:        version.NewChunks,
		FailedJobs:       failed,
		Summarized:       version.IsSummarized(),
	}
	status.IsComplete = status.Summarized || status.IncompleteChunks == 0

	if status.Summarized {
		summary, err := s.store.Summaries.GetByVersionID(ctx, versionID)
		if err != nil {
			return nil, err
		}
		if summary != nil {
			status.Summary = summary.Content
		}
	}
	return status, nil
}

func ownedVersion(ctx context.Context, store *repository.Store, ownerID, versionID uint) (*model.DocumentVersion, error) {
	if versionID == 0 {
		return nil, ErrVersionNotFound
	}
	version, err := store.Versions.GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrVersionNotFound
	}
	if ownerID == 0 {
		return version, nil
	}
	doc, err := store.Documents.GetByID(ctx, version.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.OwnerID != ownerID {
		return nil, ErrVersionNotFound
	}
	return version, nil
}
