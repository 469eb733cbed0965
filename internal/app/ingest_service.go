package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"docdelta/internal/chunker"
	"docdelta/internal/guardrail"
	"docdelta/internal/metrics"
	"docdelta/internal/model"
	"docdelta/internal/pkg/textextract"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
)

const (
	defaultMinTextChars = 20
	maxCreateAttempts   = 3
)

type IngestOptions struct {
	Policy       chunker.Policy
	MaxRetries   int
	MinTextChars int
}

// IngestService turns uploaded text into a new version, reusing chunk
// summaries from the previous version and enqueueing only the new chunks.
type IngestService struct {
	store      *repository.Store
	guard      *guardrail.Controller
	dispatcher queue.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       IngestOptions
}

func NewIngestService(
	store *repository.Store,
	guard *guardrail.Controller,
	dispatcher queue.Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts IngestOptions,
) *IngestService {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MinTextChars <= 0 {
		opts.MinTextChars = defaultMinTextChars
	}
	return &IngestService{
		store:      store,
		guard:      guard,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		opts:       opts,
	}
}

type CreateVersionInput struct {
	OwnerID   uint
	Title     string
	Text      string
	SourceRef string
}

type CreateVersionResult struct {
	DocumentID    uint   `json:"document_id"`
	VersionID     uint   `json:"version_id"`
	VersionNumber int    `json:"version_number"`
	ContentHash   string `json:"content_hash"`
	TotalChunks   int    `json:"total_chunks"`
	ReusedChunks  int    `json:"reused_chunks"`
	NewChunks     int    `json:"new_chunks"`
	Unchanged     bool   `json:"unchanged"`
	JobsEnqueued  int    `json:"jobs_enqueued"`
	JobsAccepted  int    `json:"jobs_dispatched"`
	CurrentUsage  int64  `json:"current_usage"`
}

// CreateVersion ingests a new body of text for (owner, title). Input errors
// and guardrail denials are returned before any row is written.
func (s *IngestService) CreateVersion(ctx context.Context, input CreateVersionInput) (*CreateVersionResult, error) {
	title := strings.TrimSpace(input.Title)
	text := strings.TrimSpace(input.Text)
	if input.OwnerID == 0 || title == "" {
		return nil, fmt.Errorf("%w: owner and title are required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) < s.opts.MinTextChars {
		return nil, fmt.Errorf("%w: text must be at least %d characters", ErrInvalidInput, s.opts.MinTextChars)
	}

	fullHash := chunker.HashText(text)
	chunks, err := s.opts.Policy.Chunk(text)
	if err != nil {
		if errors.Is(err, chunker.ErrEmptyText) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("chunk text failed: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		result, jobs, err := s.createOnce(ctx, input.OwnerID, title, fullHash, input.SourceRef, chunks)
		if errors.Is(err, repository.ErrVersionConflict) {
			lastErr = err
			s.logger.Info("version number conflict, retrying", "owner_id", input.OwnerID, "title", title, "attempt", attempt+1)
			continue
		}
		if err != nil {
			s.metrics.VersionsCreated.WithLabelValues(outcomeLabel(err)).Inc()
			return nil, err
		}
		if result.Unchanged {
			s.metrics.VersionsCreated.WithLabelValues("unchanged").Inc()
			return result, nil
		}

		s.metrics.VersionsCreated.WithLabelValues("created").Inc()
		s.metrics.ChunksCreated.WithLabelValues("reused").Add(float64(result.ReusedChunks))
		s.metrics.ChunksCreated.WithLabelValues("new").Add(float64(result.NewChunks))
		result.JobsAccepted = dispatchAll(ctx, s.dispatcher, s.logger, jobs)
		s.logger.Info("document version created",
			"document_id", result.DocumentID,
			"version_id", result.VersionID,
			"version_number", result.VersionNumber,
			"total_chunks", result.TotalChunks,
			"reused_chunks", result.ReusedChunks,
			"new_chunks", result.NewChunks,
			"jobs_dispatched", result.JobsAccepted,
		)
		return result, nil
	}
	s.metrics.VersionsCreated.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("create version failed after %d attempts: %w", maxCreateAttempts, lastErr)
}

type UploadInput struct {
	OwnerID     uint
	Title       string
	Filename    string
	ContentType string
	Body        io.Reader
}

// CreateVersionFromUpload extracts the text of an uploaded file and ingests
// it. An extraction failure is an input error.
func (s *IngestService) CreateVersionFromUpload(ctx context.Context, input UploadInput) (*CreateVersionResult, error) {
	text, err := textextract.Extract(input.Filename, input.ContentType, input.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	title := input.Title
	if strings.TrimSpace(title) == "" {
		title = input.Filename
	}
	return s.CreateVersion(ctx, CreateVersionInput{
		OwnerID:   input.OwnerID,
		Title:     title,
		Text:      text,
		SourceRef: input.Filename,
	})
}

func (s *IngestService) createOnce(
	ctx context.Context,
	ownerID uint,
	title, fullHash, sourceRef string,
	chunks []chunker.Chunk,
) (*CreateVersionResult, []queue.Job, error) {
	doc, err := s.store.Documents.FindByOwnerAndTitle(ctx, ownerID, title)
	if err != nil {
		return nil, nil, err
	}
	var latest *model.DocumentVersion
	if doc != nil {
		latest, err = s.store.Versions.GetLatest(ctx, doc.ID)
		if err != nil {
			return nil, nil, err
		}
		if latest != nil && latest.ContentHash == fullHash {
			return unchangedResult(latest), nil, nil
		}
	}

	var prior []model.DocumentChunk
	if latest != nil && latest.ChunkPolicy == s.opts.Policy.Version() {
		prior, err = s.store.Chunks.ListReusable(ctx, latest.ID)
		if err != nil {
			return nil, nil, err
		}
	}
	plan := ResolveChunks(prior, chunks)

	var documentID uint
	if doc != nil {
		documentID = doc.ID
	}
	decision, err := s.guard.Check(ctx, ownerID, plan.New, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("guardrail check failed: %w", err)
	}
	if !decision.Allowed {
		s.metrics.GuardrailDecisions.WithLabelValues("denied").Inc()
		s.logger.Warn("version rejected by guardrail",
			"owner_id", ownerID, "document_id", documentID,
			"new_chunks", plan.New, "usage", decision.CurrentUsage, "limit", decision.Limit,
			"reason", decision.Reason)
		return nil, nil, &guardrail.DeniedError{Decision: decision}
	}
	s.metrics.GuardrailDecisions.WithLabelValues("allowed").Inc()

	var (
		result *CreateVersionResult
		jobs   []queue.Job
	)
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		d, err := tx.Documents.FindOrCreate(ctx, ownerID, title)
		if err != nil {
			return err
		}
		current, err := tx.Versions.GetLatest(ctx, d.ID)
		if err != nil {
			return err
		}
		if current != nil && current.ContentHash == fullHash {
			result = unchangedResult(current)
			return nil
		}
		if !sameVersion(current, latest) {
			// Another writer added a version after the plan was made.
			return repository.ErrVersionConflict
		}

		version := &model.DocumentVersion{
			DocumentID:   d.ID,
			ContentHash:  fullHash,
			ChunkPolicy:  s.opts.Policy.Version(),
			TotalChunks:  len(plan.Chunks),
			ReusedChunks: plan.Reused,
			NewChunks:    plan.New,
			SourceRef:    sourceRef,
		}
		if err := tx.Versions.Create(ctx, version); err != nil {
			return err
		}

		rows := make([]model.DocumentChunk, len(plan.Chunks))
		copy(rows, plan.Chunks)
		for i := range rows {
			rows[i].VersionID = version.ID
			rows[i].DocumentID = d.ID
		}
		if err := tx.Chunks.CreateBatch(ctx, rows); err != nil {
			return err
		}

		for i := range rows {
			if rows[i].IsReused() {
				continue
			}
			job, err := ensureChunkJob(ctx, tx, version.ID, rows[i].ID, s.opts.MaxRetries)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		if plan.New == 0 {
			job, _, err := ensureDocumentJob(ctx, tx, version.ID, s.opts.MaxRetries)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}

		result = &CreateVersionResult{
			DocumentID:    d.ID,
			VersionID:     version.ID,
			VersionNumber: version.VersionNumber,
			ContentHash:   fullHash,
			TotalChunks:   version.TotalChunks,
			ReusedChunks:  version.ReusedChunks,
			NewChunks:     version.NewChunks,
			JobsEnqueued:  len(jobs),
			CurrentUsage:  decision.CurrentUsage,
		}
		return nil
	})
	if err != nil || result.Unchanged {
		if relErr := s.guard.Release(ctx, decision); relErr != nil {
			s.logger.Error("release guardrail reservation failed", "owner_id", ownerID, "error", relErr)
		}
		if err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	}
	return result, jobs, nil
}

func ensureChunkJob(ctx context.Context, tx *repository.Store, versionID, chunkID uint, maxRetries int) (queue.Job, error) {
	row, err := queue.NewChunkJobRow(versionID, chunkID, maxRetries)
	if err != nil {
		return nil, err
	}
	job, _, err := tx.Jobs.Ensure(ctx, row)
	if err != nil {
		return nil, err
	}
	return queue.FromModel(job)
}

func ensureDocumentJob(ctx context.Context, store *repository.Store, versionID uint, maxRetries int) (queue.Job, *model.Job, error) {
	row, err := queue.NewDocumentJobRow(versionID, maxRetries)
	if err != nil {
		return nil, nil, err
	}
	job, _, err := store.Jobs.Ensure(ctx, row)
	if err != nil {
		return nil, nil, err
	}
	typed, err := queue.FromModel(job)
	if err != nil {
		return nil, nil, err
	}
	return typed, job, nil
}

func unchangedResult(v *model.DocumentVersion) *CreateVersionResult {
	return &CreateVersionResult{
		DocumentID:    v.DocumentID,
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		ContentHash:   v.ContentHash,
		TotalChunks:   v.TotalChunks,
		ReusedChunks:  v.ReusedChunks,
		NewChunks:     v.NewChunks,
		Unchanged:     true,
	}
}

func sameVersion(a, b *model.DocumentVersion) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

func outcomeLabel(err error) string {
	var denied *guardrail.DeniedError
	switch {
	case errors.As(err, &denied):
		return "denied"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
