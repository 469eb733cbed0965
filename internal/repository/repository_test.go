package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docdelta/internal/model"
	"docdelta/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testutil.OpenTestDB(t))
}

func strPtr(s string) *string { return &s }

func seedVersion(t *testing.T, s *Store, ownerID uint, title string, chunks ...model.DocumentChunk) (*model.Document, *model.DocumentVersion) {
	t.Helper()
	ctx := context.Background()
	doc, err := s.Documents.FindOrCreate(ctx, ownerID, title)
	require.NoError(t, err)

	version := &model.DocumentVersion{
		DocumentID:  doc.ID,
		ContentHash: fmt.Sprintf("hash-%d", time.Now().UnixNano()),
		ChunkPolicy: "test",
		TotalChunks: len(chunks),
		NewChunks:   len(chunks),
	}
	require.NoError(t, s.Versions.Create(ctx, version))
	for i := range chunks {
		chunks[i].VersionID = version.ID
		chunks[i].DocumentID = doc.ID
	}
	require.NoError(t, s.Chunks.CreateBatch(ctx, chunks))
	return doc, version
}

func TestDocumentRepository_FindOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Documents.FindOrCreate(ctx, 7, "Report.pdf")
	require.NoError(t, err)
	second, err := s.Documents.FindOrCreate(ctx, 7, "Report.pdf")
	require.NoError(t, err)
	other, err := s.Documents.FindOrCreate(ctx, 8, "Report.pdf")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestVersionRepository_CreateAssignsNextNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, v1 := seedVersion(t, s, 1, "doc")
	_, v2 := seedVersion(t, s, 1, "doc")
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, 2, v2.VersionNumber)

	latest, err := s.Versions.GetLatest(ctx, v1.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, v2.ID, latest.ID)

	none, err := s.Versions.GetLatest(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestChunkRepository_ListReusable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, version := seedVersion(t, s, 1, "doc",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa")},
		model.DocumentChunk{ChunkIndex: 1, ContentHash: "b", Content: "b"},
		model.DocumentChunk{ChunkIndex: 2, ContentHash: "a", Content: "a", Summary: strPtr("sa2")},
	)

	reusable, err := s.Chunks.ListReusable(ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, reusable, 2)
	assert.Equal(t, 0, reusable[0].ChunkIndex)
	assert.Equal(t, 2, reusable[1].ChunkIndex)
}

func TestChunkRepository_SetSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, v1 := seedVersion(t, s, 1, "doc",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa")},
	)
	source, err := s.Chunks.ListByVersion(ctx, v1.ID)
	require.NoError(t, err)

	_, v2 := seedVersion(t, s, 1, "doc",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa"), ReusedFromID: &source[0].ID},
		model.DocumentChunk{ChunkIndex: 1, ContentHash: "b", Content: "b"},
	)
	chunks, err := s.Chunks.ListByVersion(ctx, v2.ID)
	require.NoError(t, err)

	err = s.Chunks.SetSummary(ctx, chunks[0].ID, "overwrite", time.Now().UTC())
	assert.ErrorIs(t, err, ErrChunkNotWritable)

	require.NoError(t, s.Chunks.SetSummary(ctx, chunks[1].ID, "first", time.Now().UTC()))
	require.NoError(t, s.Chunks.SetSummary(ctx, chunks[1].ID, "second", time.Now().UTC()))

	got, err := s.Chunks.GetByID(ctx, chunks[1].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "second", *got.Summary)

	total, completed, err := s.Chunks.CountProgress(ctx, v2.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 2, completed)

	incomplete, err := s.Chunks.ListIncomplete(ctx, v2.ID)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func ensureJob(t *testing.T, s *Store, key string, maxRetries int) *model.Job {
	t.Helper()
	job, created, err := s.Jobs.Ensure(context.Background(), &model.Job{
		DedupKey:   key,
		Kind:       model.JobKindChunk,
		VersionID:  1,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestJobRepository_EnsureIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first := ensureJob(t, s, "chunk:1", 3)

	again, created, err := s.Jobs.Ensure(context.Background(), &model.Job{DedupKey: "chunk:1", Kind: model.JobKindChunk, MaxRetries: 3})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, model.JobStatusQueued, again.Status)
}

func TestJobRepository_ClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	job := ensureJob(t, s, "chunk:1", 3)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.Jobs.Claim(context.Background(), job.ID, fmt.Sprintf("worker-%d", i))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if claimed != nil {
				wins++
			} else {
				losses++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, losses)

	missing, err := s.Jobs.Claim(context.Background(), 424242, "worker-x")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestJobRepository_LeaseOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := ensureJob(t, s, "chunk:1", 3)

	claimed, err := s.Jobs.Claim(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "worker-a", claimed.ClaimedBy)
	assert.NotNil(t, claimed.HeartbeatAt)

	assert.NoError(t, s.Jobs.Heartbeat(ctx, job.ID, "worker-a"))
	assert.ErrorIs(t, s.Jobs.Heartbeat(ctx, job.ID, "worker-b"), ErrLeaseLost)
	assert.ErrorIs(t, s.Jobs.MarkCompleted(ctx, job.ID, "worker-b", "x"), ErrLeaseLost)

	require.NoError(t, s.Jobs.MarkCompleted(ctx, job.ID, "worker-a", "chunk:1"))
	done, err := s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, "chunk:1", done.ResultRef)
	assert.ErrorIs(t, s.Jobs.Heartbeat(ctx, job.ID, "worker-a"), ErrLeaseLost)
}

func TestJobRepository_ReleaseRequiresLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := ensureJob(t, s, "chunk:9", 3)

	assert.ErrorIs(t, s.Jobs.Release(ctx, job.ID, "w1"), ErrLeaseLost)
	_, err := s.Jobs.Claim(ctx, job.ID, "w2")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Jobs.Release(ctx, job.ID, "w1"), ErrLeaseLost)
	require.NoError(t, s.Jobs.Release(ctx, job.ID, "w2"))

	got, err := s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	again, err := s.Jobs.Claim(ctx, job.ID, "w3")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestJobRepository_StuckJobIsReclaimedByAnotherWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Jobs.SetClock(func() time.Time { return now })

	job := ensureJob(t, s, "chunk:1", 3)
	claimed, err := s.Jobs.Claim(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stuck, err := s.Jobs.GetStuckJobs(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	now = now.Add(6 * time.Minute)
	stuck, err = s.Jobs.GetStuckJobs(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, job.ID, stuck[0].ID)

	status, err := s.Jobs.ResetStuck(ctx, job.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, status)

	reclaimed, err := s.Jobs.Claim(ctx, job.ID, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 1, reclaimed.RetryCount)
	require.NoError(t, s.Jobs.MarkCompleted(ctx, job.ID, "worker-b", "chunk:1"))

	// the dead worker cannot finish after losing its lease
	assert.ErrorIs(t, s.Jobs.MarkCompleted(ctx, job.ID, "worker-a", "chunk:1"), ErrLeaseLost)
}

func TestJobRepository_StuckOnLastAttemptFailsPermanently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Jobs.SetClock(func() time.Time { return now })

	job := ensureJob(t, s, "chunk:1", 1)
	_, err := s.Jobs.Claim(ctx, job.ID, "worker-a")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	status, err := s.Jobs.ResetStuck(ctx, job.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status)

	got, err := s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Exhausted())
	assert.Equal(t, "lease expired", got.LastError)

	status, err = s.Jobs.ResetStuck(ctx, job.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatus(""), status)
}

func TestJobRepository_RetryBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := ensureJob(t, s, "chunk:1", 3)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.Jobs.Claim(ctx, job.ID, "worker")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)

		failed, err := s.Jobs.MarkFailed(ctx, job.ID, "worker", "summarizer unavailable")
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.RetryCount)

		retryable, err := s.Jobs.GetRetryableJobs(ctx, 10)
		require.NoError(t, err)
		reset, err := s.Jobs.ResetRetryable(ctx, job.ID)
		require.NoError(t, err)

		if attempt < 3 {
			require.Len(t, retryable, 1)
			assert.True(t, reset)
		} else {
			assert.Empty(t, retryable)
			assert.False(t, reset)
		}
	}

	exhausted, err := s.Jobs.CountExhausted(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, exhausted)

	requeued, err := s.Jobs.Requeue(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requeued)
	got, err := s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestVersionRepository_StuckAndOrphanCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, v1 := seedVersion(t, s, 1, "doc",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa")},
		model.DocumentChunk{ChunkIndex: 1, ContentHash: "b", Content: "b"},
	)
	source, err := s.Chunks.ListByVersion(ctx, v1.ID)
	require.NoError(t, err)
	_, v2 := seedVersion(t, s, 1, "doc",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa"), ReusedFromID: &source[0].ID},
	)

	cutoff := time.Now().UTC().Add(time.Minute)
	stuck, err := s.Versions.ListStuck(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, v1.ID, stuck[0].ID)

	count, err := s.Versions.CountStuck(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	orphans, err := s.Versions.CountWithOrphanedReuse(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, orphans)

	require.NoError(t, s.db.Model(&model.DocumentChunk{}).
		Where("id = ?", source[0].ID).
		Update("summary", nil).Error)

	orphans, err = s.Versions.CountWithOrphanedReuse(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, orphans)

	stuck, err = s.Versions.ListStuck(ctx, cutoff, 10)
	require.NoError(t, err)
	for _, v := range stuck {
		assert.NotEqual(t, v2.ID, v.ID)
	}
}

func TestStore_TransactionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.Documents.FindOrCreate(ctx, 1, "rolled-back"); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	doc, err := s.Documents.FindByOwnerAndTitle(ctx, 1, "rolled-back")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestVersionRepository_ListUnfinalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, done := seedVersion(t, s, 1, "done",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a", Summary: strPtr("sa")},
	)
	_, pending := seedVersion(t, s, 1, "pending",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "b", Content: "b"},
	)
	_, finished := seedVersion(t, s, 1, "finished",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "c", Content: "c", Summary: strPtr("sc")},
	)
	summary, err := s.Summaries.Upsert(ctx, finished.ID, "whole")
	require.NoError(t, err)
	require.NoError(t, s.Versions.AttachSummary(ctx, finished.ID, summary.ID))

	versions, err := s.Versions.ListUnfinalized(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, done.ID, versions[0].ID)
	assert.NotEqual(t, pending.ID, versions[0].ID)

	// An exhausted document job waits for an operator.
	require.NoError(t, s.db.Create(&model.Job{
		DedupKey:   model.DocumentJobKey(done.ID),
		Kind:       model.JobKindDocument,
		VersionID:  done.ID,
		Status:     model.JobStatusFailed,
		RetryCount: 3,
		MaxRetries: 3,
	}).Error)
	versions, err = s.Versions.ListUnfinalized(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestVersionRepository_ListStuckSkipsExhaustedChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, dead := seedVersion(t, s, 1, "dead",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "a", Content: "a"},
	)
	_, live := seedVersion(t, s, 1, "live",
		model.DocumentChunk{ChunkIndex: 0, ContentHash: "b", Content: "b"},
	)
	deadChunks, err := s.Chunks.ListByVersion(ctx, dead.ID)
	require.NoError(t, err)
	require.NoError(t, s.db.Create(&model.Job{
		DedupKey:   model.ChunkJobKey(deadChunks[0].ID),
		Kind:       model.JobKindChunk,
		VersionID:  dead.ID,
		ChunkID:    &deadChunks[0].ID,
		Status:     model.JobStatusFailed,
		RetryCount: 3,
		MaxRetries: 3,
	}).Error)

	cutoff := time.Now().UTC().Add(time.Minute)
	stuck, err := s.Versions.ListStuck(ctx, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, live.ID, stuck[0].ID)

	count, err := s.Versions.CountStuck(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
