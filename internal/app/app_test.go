package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"docdelta/internal/chunker"
	"docdelta/internal/guardrail"
	"docdelta/internal/metrics"
	"docdelta/internal/model"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
	"docdelta/internal/testutil"
)

const testOwner uint = 7

type testEnv struct {
	db       *gorm.DB
	store    *repository.Store
	queue    *queue.MemoryQueue
	usage    *guardrail.MemoryStore
	alerts   *testutil.AlertRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	ingest   *IngestService
	versions *VersionService
	replay   *ReplayService
	recovery *RecoveryService
	checker  *ConsistencyChecker
}

func newTestEnv(t *testing.T, guardCfg guardrail.Config) *testEnv {
	t.Helper()
	db := testutil.OpenTestDB(t)
	env := &testEnv{
		db:      db,
		store:   repository.NewStore(db),
		queue:   queue.NewMemoryQueue(1000),
		usage:   guardrail.NewMemoryStore(),
		alerts:  &testutil.AlertRecorder{},
		metrics: metrics.New(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if guardCfg.Window == 0 {
		guardCfg.Window = time.Hour
	}
	guard := guardrail.NewController(guardCfg, env.usage)
	env.ingest = NewIngestService(env.store, guard, env.queue, env.metrics, env.logger, IngestOptions{
		Policy:     chunker.DefaultPolicy(),
		MaxRetries: 3,
	})
	env.versions = NewVersionService(env.store)
	env.replay = NewReplayService(env.store, env.queue, env.metrics, env.logger, 3)
	env.recovery = NewRecoveryService(env.store, env.replay, env.queue, env.alerts, env.metrics, env.logger, RecoveryOptions{
		StuckThreshold: 10 * time.Minute,
		JobTimeout:     5 * time.Minute,
		BatchLimit:     50,
		Parallelism:    2,
	})
	env.checker = NewConsistencyChecker(env.store, env.alerts, env.metrics, env.logger, 10*time.Minute, 2)
	return env
}

func report(paragraphs int) string {
	parts := make([]string, paragraphs)
	for i := range parts {
		parts[i] = fmt.Sprintf("Section %d. %s", i, strings.Repeat("lorem ipsum dolor sit amet ", 12))
	}
	return strings.Join(parts, "\n\n")
}

func drain(t *testing.T, q *queue.MemoryQueue) []queue.Job {
	t.Helper()
	var jobs []queue.Job
	for {
		select {
		case body := <-q.Messages():
			job, _, err := queue.Decode(body)
			require.NoError(t, err)
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
}

func summarizeIncomplete(t *testing.T, env *testEnv, versionID uint, limit int) {
	t.Helper()
	ctx := context.Background()
	chunks, err := env.store.Chunks.ListIncomplete(ctx, versionID)
	require.NoError(t, err)
	for i, c := range chunks {
		if limit >= 0 && i >= limit {
			break
		}
		require.NoError(t, env.store.Chunks.SetSummary(ctx, c.ID, "summary of "+c.ContentHash[:8], time.Now().UTC()))
	}
}

func countRows(t *testing.T, db *gorm.DB, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func versionJobs(t *testing.T, db *gorm.DB, versionID uint) []model.Job {
	t.Helper()
	var jobs []model.Job
	require.NoError(t, db.Where("version_id = ?", versionID).Order("id").Find(&jobs).Error)
	return jobs
}

func TestCreateVersion_ReusesUnchangedChunks(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()
	original := report(10)

	v1, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "Report.pdf", Text: original})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, 10, v1.TotalChunks)
	assert.Equal(t, 10, v1.NewChunks)
	assert.Equal(t, 0, v1.ReusedChunks)
	assert.Len(t, drain(t, env.queue), 10)

	summarizeIncomplete(t, env, v1.VersionID, -1)

	edited := strings.Replace(original, "Section 3.", "Section three (revised).", 1)
	edited = strings.Replace(edited, "Section 7.", "Section seven (revised).", 1)
	v2, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "Report.pdf", Text: edited, SourceRef: "upload-2"})
	require.NoError(t, err)
	assert.Equal(t, v1.DocumentID, v2.DocumentID)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, 10, v2.TotalChunks)
	assert.Equal(t, 8, v2.ReusedChunks)
	assert.Equal(t, 2, v2.NewChunks)
	assert.Equal(t, 2, v2.JobsEnqueued)

	dispatched := drain(t, env.queue)
	require.Len(t, dispatched, 2)
	assert.Len(t, versionJobs(t, env.db, v2.VersionID), 2)

	prior, err := env.store.Chunks.ListByVersion(ctx, v1.VersionID)
	require.NoError(t, err)
	chunks, err := env.store.Chunks.ListByVersion(ctx, v2.VersionID)
	require.NoError(t, err)
	require.Len(t, chunks, 10)

	newChunkIDs := map[uint]bool{}
	for _, c := range chunks {
		if c.ChunkIndex == 3 || c.ChunkIndex == 7 {
			assert.False(t, c.IsReused())
			assert.Nil(t, c.Summary)
			newChunkIDs[c.ID] = true
			continue
		}
		require.True(t, c.IsReused(), "chunk %d", c.ChunkIndex)
		assert.Equal(t, prior[c.ChunkIndex].ID, *c.ReusedFromID)
		assert.Equal(t, *prior[c.ChunkIndex].Summary, *c.Summary)
	}
	for _, job := range dispatched {
		chunkJob, ok := job.(queue.ChunkJob)
		require.True(t, ok)
		assert.True(t, newChunkIDs[chunkJob.ChunkID], "reused chunk must never be enqueued")
	}
}

func TestCreateVersion_UnchangedFastPath(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()
	text := report(4)

	first, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "notes", Text: text})
	require.NoError(t, err)
	drain(t, env.queue)

	second, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "notes", Text: "\n" + text + "\n\n"})
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.VersionID, second.VersionID)
	assert.Equal(t, first.VersionNumber, second.VersionNumber)

	assert.EqualValues(t, 1, countRows(t, env.db, &model.DocumentVersion{}))
	assert.EqualValues(t, 4, countRows(t, env.db, &model.DocumentChunk{}))
	assert.Empty(t, drain(t, env.queue))
}

func TestCreateVersion_RetriesAfterLosingDocumentRace(t *testing.T) {
	// The budget only fits one reservation, so the retry succeeds only if
	// the losing attempt released its own.
	env := newTestEnv(t, guardrail.Config{MaxChunksPerWindow: 2})
	ctx := context.Background()
	testutil.RaceDocumentInsert(t, env.db, true)

	res, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "contested", Text: report(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.VersionNumber)
	assert.Equal(t, 2, res.NewChunks)

	assert.EqualValues(t, 1, countRows(t, env.db, &model.Document{}))
	assert.EqualValues(t, 1, countRows(t, env.db, &model.DocumentVersion{}))
	assert.EqualValues(t, 2, countRows(t, env.db, &model.Job{}))
	assert.Len(t, drain(t, env.queue), 2)
}

func TestCreateVersion_GuardrailRejectsWithoutPersisting(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{MaxChunksPerWindow: 10})
	ctx := context.Background()

	_, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "big", Text: report(50)})
	require.Error(t, err)

	var denied *guardrail.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.False(t, denied.Decision.Allowed)
	assert.NotEmpty(t, denied.Decision.Reason)
	assert.Equal(t, 50, denied.Decision.Requested)
	assert.EqualValues(t, 10, denied.Decision.Limit)
	assert.EqualValues(t, 0, denied.Decision.CurrentUsage)

	assert.EqualValues(t, 0, countRows(t, env.db, &model.Document{}))
	assert.EqualValues(t, 0, countRows(t, env.db, &model.DocumentVersion{}))
	assert.EqualValues(t, 0, countRows(t, env.db, &model.DocumentChunk{}))
	assert.EqualValues(t, 0, countRows(t, env.db, &model.Job{}))
	assert.Empty(t, drain(t, env.queue))
}

func TestCreateVersion_GuardrailChargesOnlyNewChunks(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{MaxChunksPerWindow: 11})
	ctx := context.Background()
	original := report(10)

	v1, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: original})
	require.NoError(t, err)
	summarizeIncomplete(t, env, v1.VersionID, -1)

	edited := strings.Replace(original, "Section 5.", "Section five.", 1)
	v2, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: edited})
	require.NoError(t, err)
	assert.Equal(t, 1, v2.NewChunks)
	assert.EqualValues(t, 11, v2.CurrentUsage)

	edited = strings.Replace(edited, "Section 6.", "Section six.", 1)
	_, err = env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: edited})
	var denied *guardrail.DeniedError
	assert.True(t, errors.As(err, &denied))
}

func TestCreateVersion_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()

	tests := []CreateVersionInput{
		{OwnerID: 0, Title: "doc", Text: report(1)},
		{OwnerID: testOwner, Title: "  ", Text: report(1)},
		{OwnerID: testOwner, Title: "doc", Text: "   "},
		{OwnerID: testOwner, Title: "doc", Text: "too short"},
	}
	for _, in := range tests {
		_, err := env.ingest.CreateVersion(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.EqualValues(t, 0, countRows(t, env.db, &model.Document{}))
}

func TestCreateVersion_UnsummarizedPriorChunksAreNotReused(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()
	original := report(5)

	_, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: original})
	require.NoError(t, err)

	v2, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: original + "\n\nAppendix. " + strings.Repeat("more text ", 30)})
	require.NoError(t, err)
	assert.Equal(t, 0, v2.ReusedChunks)
	assert.Equal(t, 6, v2.NewChunks)
}

func TestCreateVersion_AllReusedEnqueuesDocumentJob(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()
	paras := strings.Split(report(3), "\n\n")

	v1, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: strings.Join(paras, "\n\n")})
	require.NoError(t, err)
	summarizeIncomplete(t, env, v1.VersionID, -1)
	drain(t, env.queue)

	paras[0], paras[1] = paras[1], paras[0]
	v2, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: strings.Join(paras, "\n\n")})
	require.NoError(t, err)
	assert.Equal(t, 3, v2.ReusedChunks)
	assert.Equal(t, 0, v2.NewChunks)

	dispatched := drain(t, env.queue)
	require.Len(t, dispatched, 1)
	docJob, ok := dispatched[0].(queue.DocumentJob)
	require.True(t, ok)
	assert.Equal(t, v2.VersionID, docJob.VersionID)
}

func TestCreateVersion_PolicyChangeDisablesReuse(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()
	text := report(4)

	v1, err := env.ingest.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: text})
	require.NoError(t, err)
	summarizeIncomplete(t, env, v1.VersionID, -1)

	other := NewIngestService(env.store, guardrail.NewController(guardrail.Config{}, env.usage), env.queue, env.metrics, env.logger, IngestOptions{
		Policy:     chunker.Policy{MaxChars: 1500, MinChars: 100},
		MaxRetries: 3,
	})
	v2, err := other.CreateVersion(ctx, CreateVersionInput{OwnerID: testOwner, Title: "doc", Text: text + "\n\nExtra. " + strings.Repeat("words ", 40)})
	require.NoError(t, err)
	assert.Equal(t, 0, v2.ReusedChunks)
	assert.Equal(t, v2.TotalChunks, v2.NewChunks)
}

func TestCreateVersionFromUpload(t *testing.T) {
	env := newTestEnv(t, guardrail.Config{})
	ctx := context.Background()

	res, err := env.ingest.CreateVersionFromUpload(ctx, UploadInput{
		OwnerID:  testOwner,
		Filename: "notes.md",
		Body:     strings.NewReader(report(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalChunks)

	doc, err := env.store.Documents.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", doc.Title)

	_, err = env.ingest.CreateVersionFromUpload(ctx, UploadInput{
		OwnerID:  testOwner,
		Filename: "photo.png",
		Body:     strings.NewReader("\x89PNG"),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.EqualValues(t, 1, countRows(t, env.db, &model.DocumentVersion{}))
}
