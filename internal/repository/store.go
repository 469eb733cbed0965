package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrLeaseLost is returned when a job is no longer claimed by the caller.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrChunkNotWritable is returned when a summary write targets a reused or missing chunk.
	ErrChunkNotWritable = errors.New("chunk not writable")
	// ErrVersionConflict is returned when two writers race to create the same
	// document, version number or job and the caller should retry.
	ErrVersionConflict = errors.New("version number conflict")
)

// Store groups the repositories over one connection or transaction.
type Store struct {
	db        *gorm.DB
	Documents *DocumentRepository
	Versions  *VersionRepository
	Chunks    *ChunkRepository
	Summaries *SummaryRepository
	Jobs      *JobRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Documents: NewDocumentRepository(db),
		Versions:  NewVersionRepository(db),
		Chunks:    NewChunkRepository(db),
		Summaries: NewSummaryRepository(db),
		Jobs:      NewJobRepository(db),
	}
}

// Transaction runs fn against a Store bound to a single transaction.
// Every read and write inside fn must go through tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		tx := NewStore(txDB)
		tx.Jobs.now = s.Jobs.now
		return fn(tx)
	})
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
