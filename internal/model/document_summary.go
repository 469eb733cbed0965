package model

import "time"

type DocumentSummary struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	VersionID uint      `gorm:"not null;uniqueIndex" json:"version_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
