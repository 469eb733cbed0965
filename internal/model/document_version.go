package model

import "time"

// DocumentVersion is one ingested snapshot of a document's text.
type DocumentVersion struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DocumentID    uint      `gorm:"not null;uniqueIndex:idx_version_document_number" json:"document_id"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_version_document_number" json:"version_number"`
	ContentHash   string    `gorm:"size:64;not null;index" json:"content_hash"`
	ChunkPolicy   string    `gorm:"size:32;not null" json:"chunk_policy"`
	TotalChunks   int       `gorm:"not null" json:"total_chunks"`
	ReusedChunks  int       `gorm:"not null" json:"reused_chunks"`
	NewChunks     int       `gorm:"not null" json:"new_chunks"`
	SourceRef     string    `gorm:"size:512" json:"source_ref,omitempty"`
	SummaryID     *uint     `gorm:"index" json:"summary_id,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// IsSummarized reports whether the finished document summary has been attached.
func (v *DocumentVersion) IsSummarized() bool {
	return v.SummaryID != nil
}
