package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type JobKind string

const (
	JobKindChunk    JobKind = "chunk"
	JobKindDocument JobKind = "document"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of summarization work. Status transitions happen only
// through conditional updates in the job repository.
type Job struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	DedupKey    string         `gorm:"size:64;not null;uniqueIndex" json:"dedup_key"`
	Kind        JobKind        `gorm:"size:16;not null;index" json:"kind"`
	VersionID   uint           `gorm:"not null;index" json:"version_id"`
	ChunkID     *uint          `gorm:"index" json:"chunk_id,omitempty"`
	Status      JobStatus      `gorm:"size:16;not null;index" json:"status"`
	RetryCount  int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries  int            `gorm:"not null" json:"max_retries"`
	ClaimedBy   string         `gorm:"size:64" json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"index" json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	ResultRef   string         `gorm:"size:128" json:"result_ref,omitempty"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Exhausted reports whether the retry budget is spent.
func (j *Job) Exhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// LastAttempt reports whether the next attempt is the final one allowed.
func (j *Job) LastAttempt() bool {
	return j.RetryCount > 0 && j.RetryCount == j.MaxRetries-1
}

func ChunkJobKey(chunkID uint) string {
	return fmt.Sprintf("chunk:%d", chunkID)
}

func DocumentJobKey(versionID uint) string {
	return fmt.Sprintf("document:%d", versionID)
}
