package model

import "time"

// Document is the user-owned identity that versions attach to.
type Document struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   uint      `gorm:"not null;uniqueIndex:idx_document_owner_title" json:"owner_id"`
	Title     string    `gorm:"size:256;not null;uniqueIndex:idx_document_owner_title" json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
