// Package queue defines the typed job messages exchanged between the
// dispatching side and the workers, and the Dispatcher abstraction that
// carries them.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"docdelta/internal/model"
)

var ErrInvalidMessage = errors.New("invalid job message")

// Job is the closed set of work kinds: ChunkJob and DocumentJob.
type Job interface {
	Kind() model.JobKind
	ID() uint
	Validate() error
	isJob()
}

// ChunkJob asks a worker to summarize one new chunk.
type ChunkJob struct {
	JobID     uint `json:"job_id,omitempty"`
	VersionID uint `json:"version_id"`
	ChunkID   uint `json:"chunk_id"`
}

func (ChunkJob) Kind() model.JobKind { return model.JobKindChunk }
func (j ChunkJob) ID() uint          { return j.JobID }
func (ChunkJob) isJob()              {}

func (j ChunkJob) Validate() error {
	if j.JobID == 0 || j.VersionID == 0 || j.ChunkID == 0 {
		return fmt.Errorf("%w: chunk job requires job_id, version_id and chunk_id", ErrInvalidMessage)
	}
	return nil
}

// DocumentJob asks a worker to build the whole-document summary of a version.
type DocumentJob struct {
	JobID     uint `json:"job_id,omitempty"`
	VersionID uint `json:"version_id"`
}

func (DocumentJob) Kind() model.JobKind { return model.JobKindDocument }
func (j DocumentJob) ID() uint          { return j.JobID }
func (DocumentJob) isJob()              {}

func (j DocumentJob) Validate() error {
	if j.JobID == 0 || j.VersionID == 0 {
		return fmt.Errorf("%w: document job requires job_id and version_id", ErrInvalidMessage)
	}
	return nil
}

// Envelope is the wire form of a Job. Exactly one of Chunk or Document is set
// and must agree with Kind.
type Envelope struct {
	MessageID    string        `json:"message_id"`
	Kind         model.JobKind `json:"kind"`
	DispatchedAt time.Time     `json:"dispatched_at"`
	Chunk        *ChunkJob     `json:"chunk,omitempty"`
	Document     *DocumentJob  `json:"document,omitempty"`
}

func Encode(job Job) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	env := Envelope{
		MessageID:    uuid.NewString(),
		Kind:         job.Kind(),
		DispatchedAt: time.Now().UTC(),
	}
	switch j := job.(type) {
	case ChunkJob:
		env.Chunk = &j
	case DocumentJob:
		env.Document = &j
	}
	return json.Marshal(env)
}

// Decode parses and validates a wire message.
func Decode(body []byte) (Job, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var job Job
	switch {
	case env.Kind == model.JobKindChunk && env.Chunk != nil && env.Document == nil:
		job = *env.Chunk
	case env.Kind == model.JobKindDocument && env.Document != nil && env.Chunk == nil:
		job = *env.Document
	default:
		return nil, env, fmt.Errorf("%w: kind %q does not match body", ErrInvalidMessage, env.Kind)
	}
	if err := job.Validate(); err != nil {
		return nil, env, err
	}
	return job, env, nil
}

// NewChunkJobRow builds the persisted job for a new chunk.
func NewChunkJobRow(versionID, chunkID uint, maxRetries int) (*model.Job, error) {
	payload, err := json.Marshal(ChunkJob{VersionID: versionID, ChunkID: chunkID})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk job payload failed: %w", err)
	}
	return &model.Job{
		DedupKey:   model.ChunkJobKey(chunkID),
		Kind:       model.JobKindChunk,
		VersionID:  versionID,
		ChunkID:    &chunkID,
		Status:     model.JobStatusQueued,
		MaxRetries: maxRetries,
		Payload:    datatypes.JSON(payload),
	}, nil
}

// NewDocumentJobRow builds the persisted job for a version's final summary.
func NewDocumentJobRow(versionID uint, maxRetries int) (*model.Job, error) {
	payload, err := json.Marshal(DocumentJob{VersionID: versionID})
	if err != nil {
		return nil, fmt.Errorf("marshal document job payload failed: %w", err)
	}
	return &model.Job{
		DedupKey:   model.DocumentJobKey(versionID),
		Kind:       model.JobKindDocument,
		VersionID:  versionID,
		Status:     model.JobStatusQueued,
		MaxRetries: maxRetries,
		Payload:    datatypes.JSON(payload),
	}, nil
}

// FromModel rebuilds the typed message of a persisted job.
func FromModel(row *model.Job) (Job, error) {
	var job Job
	switch row.Kind {
	case model.JobKindChunk:
		var j ChunkJob
		if err := json.Unmarshal(row.Payload, &j); err != nil {
			return nil, fmt.Errorf("%w: job %d payload: %v", ErrInvalidMessage, row.ID, err)
		}
		j.JobID = row.ID
		job = j
	case model.JobKindDocument:
		var j DocumentJob
		if err := json.Unmarshal(row.Payload, &j); err != nil {
			return nil, fmt.Errorf("%w: job %d payload: %v", ErrInvalidMessage, row.ID, err)
		}
		j.JobID = row.ID
		job = j
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidMessage, row.Kind)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}
