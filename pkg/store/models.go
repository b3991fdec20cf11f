package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type OfflineBookModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	BookID           string `gorm:"not null"`
	Title            string `gorm:"not null"`
	Author           string
	CoverRef         string
	ChapterCount     int
	SizeBytes        int64
	Genre            string
	Language         string
	DownloadedAt     time.Time `gorm:"not null"`
	LastAccessedAt   time.Time
	DownloadProgress int
	Status           string `gorm:"not null"`
}

type CachedChapterModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	BookID         string `gorm:"not null;index"`
	ChapterNumber  int    `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	Entities       datatypes.JSON
	WordCount      int
	CachedAt       time.Time `gorm:"not null;index"`
	LastAccessedAt time.Time
}

type CachedAssetModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	AssetKey  string `gorm:"not null"`
	BookID    string `gorm:"index"`
	Data      []byte `gorm:"type:blob"`
	MimeType  string
	SizeBytes int64     `gorm:"not null"`
	CachedAt  time.Time `gorm:"not null;index"`
}

type SyncOperationModel struct {
	ID           string `gorm:"primaryKey"`
	Type         string `gorm:"not null;index"`
	URL          string `gorm:"not null"`
	Method       string `gorm:"not null"`
	Headers      datatypes.JSON
	Body         []byte
	UserID       string `gorm:"not null;index"`
	BookID       string `gorm:"index"`
	Priority     string `gorm:"not null"`
	PriorityRank int       `gorm:"not null;index:idx_sync_drain,priority:2"`
	CreatedAt    time.Time `gorm:"not null;index:idx_sync_drain,priority:3"`
	Retries      int
	MaxRetries   int
	Status       string `gorm:"not null;index:idx_sync_drain,priority:1"`
	LastError    string
}

type ReadingProgressModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	BookID         string `gorm:"not null"`
	Chapter        int
	Position       int
	ScrollFraction float64
	UpdatedAt      time.Time `gorm:"not null"`
	Synced         bool
}

// SchemaMetaModel holds the single schema version row. A version newer than
// the binary supports means another session migrated the database forward;
// the store stops writing rather than guess at the new shape.
type SchemaMetaModel struct {
	ID        int `gorm:"primaryKey"`
	Version   int `gorm:"not null"`
	UpdatedAt time.Time
}
