package model

import "time"

// DocumentChunk stores one chunk of a version's text.
// A chunk with ReusedFromID set copied its summary from a chunk of an
// earlier version at creation time and is never summarized itself.
type DocumentChunk struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	VersionID    uint       `gorm:"not null;uniqueIndex:idx_chunk_version_index;index:idx_chunk_version_hash" json:"version_id"`
	DocumentID   uint       `gorm:"not null;index" json:"document_id"`
	ChunkIndex   int        `gorm:"not null;uniqueIndex:idx_chunk_version_index" json:"chunk_index"`
	ContentHash  string     `gorm:"size:64;not null;index:idx_chunk_version_hash" json:"content_hash"`
	Content      string     `gorm:"type:text;not null" json:"content"`
	Summary      *string    `gorm:"type:text" json:"summary,omitempty"`
	ReusedFromID *uint      `gorm:"index" json:"reused_from_id,omitempty"`
	SummarizedAt *time.Time `json:"summarized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (c *DocumentChunk) IsReused() bool {
	return c.ReusedFromID != nil
}

func (c *DocumentChunk) HasSummary() bool {
	return c.Summary != nil
}
