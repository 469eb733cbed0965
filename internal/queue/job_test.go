package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docdelta/internal/model"
)

func TestEncodeDecode_ChunkJob(t *testing.T) {
	body, err := Encode(ChunkJob{JobID: 3, VersionID: 2, ChunkID: 9})
	require.NoError(t, err)

	job, env, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, model.JobKindChunk, env.Kind)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, ChunkJob{JobID: 3, VersionID: 2, ChunkID: 9}, job)
}

func TestEncode_RejectsIncompleteJob(t *testing.T) {
	_, err := Encode(DocumentJob{VersionID: 2})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecode_RejectsMismatchedKind(t *testing.T) {
	body, err := json.Marshal(Envelope{Kind: model.JobKindDocument, Chunk: &ChunkJob{JobID: 1, VersionID: 1, ChunkID: 1}})
	require.NoError(t, err)
	_, _, err = Decode(body)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestFromModel(t *testing.T) {
	row, err := NewChunkJobRow(4, 11, 3)
	require.NoError(t, err)
	assert.Equal(t, "chunk:11", row.DedupKey)
	row.ID = 21

	job, err := FromModel(row)
	require.NoError(t, err)
	assert.Equal(t, ChunkJob{JobID: 21, VersionID: 4, ChunkID: 11}, job)

	docRow, err := NewDocumentJobRow(4, 3)
	require.NoError(t, err)
	docRow.ID = 22
	job, err = FromModel(docRow)
	require.NoError(t, err)
	assert.Equal(t, DocumentJob{JobID: 22, VersionID: 4}, job)

	_, err = FromModel(&model.Job{ID: 1, Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, DocumentJob{JobID: 1, VersionID: 1}))
	assert.ErrorIs(t, q.Dispatch(ctx, DocumentJob{JobID: 2, VersionID: 1}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	job, _, err := Decode(<-q.Messages())
	require.NoError(t, err)
	assert.Equal(t, uint(1), job.ID())
}
