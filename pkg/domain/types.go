package domain

import (
	"fmt"
	"time"
)

type BookStatus string

const (
	BookDownloading BookStatus = "downloading"
	BookComplete    BookStatus = "complete"
	BookPartial     BookStatus = "partial"
	BookError       BookStatus = "error"
)

type OpType string

const (
	OpProgress        OpType = "progress"
	OpBookmark        OpType = "bookmark"
	OpHighlight       OpType = "highlight"
	OpReadingSession  OpType = "reading_session"
	OpAssetGeneration OpType = "asset_generation"
)

type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpSyncing OpStatus = "syncing"
	OpFailed  OpStatus = "failed"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its drain order; lower drains first. Unknown
// priorities sort after low so malformed rows never starve valid ones.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// CompositeID joins a user id with an entity's natural key. Every persisted
// row is namespaced this way so accounts sharing a device stay isolated.
func CompositeID(userID string, parts ...string) string {
	id := userID
	for _, p := range parts {
		id += ":" + p
	}
	return id
}

type OfflineBook struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	BookID           string     `json:"bookId"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	CoverRef         string     `json:"coverRef,omitempty"`
	ChapterCount     int        `json:"chapterCount"`
	SizeBytes        int64      `json:"sizeBytes"`
	Genre            string     `json:"genre,omitempty"`
	Language         string     `json:"language,omitempty"`
	DownloadedAt     time.Time  `json:"downloadedAt"`
	LastAccessedAt   time.Time  `json:"lastAccessedAt"`
	DownloadProgress int        `json:"downloadProgress"`
	Status           BookStatus `json:"status"`
}

type ChapterEntity struct {
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	ImageRef    string  `json:"imageRef,omitempty"`
	ImageStatus string  `json:"imageStatus,omitempty"`
}

type CachedChapter struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	BookID         string          `json:"bookId"`
	ChapterNumber  int             `json:"chapterNumber"`
	Content        string          `json:"content"`
	Entities       []ChapterEntity `json:"entities,omitempty"`
	WordCount      int             `json:"wordCount"`
	CachedAt       time.Time       `json:"cachedAt"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
}

type CachedAsset struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	AssetKey  string    `json:"assetKey"`
	BookID    string    `json:"bookId"`
	Data      []byte    `json:"-"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int64     `json:"sizeBytes"`
	CachedAt  time.Time `json:"cachedAt"`
}

// Endpoint describes where and how a queued operation is delivered.
type Endpoint struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate rejects descriptors the transport could never deliver.
func (e Endpoint) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("endpoint: url is required")
	}
	switch e.Method {
	case "GET", "POST", "PUT", "DELETE":
		return nil
	}
	return fmt.Errorf("endpoint: unsupported method %q", e.Method)
}

type SyncOperation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	Endpoint   Endpoint  `json:"endpoint"`
	Body       []byte    `json:"body,omitempty"`
	UserID     string    `json:"userId"`
	BookID     string    `json:"bookId,omitempty"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"createdAt"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"maxRetries"`
	Status     OpStatus  `json:"status"`
	LastError  string    `json:"lastError,omitempty"`
}

type ReadingProgress struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	BookID         string    `json:"bookId"`
	Chapter        int       `json:"chapter"`
	Position       int       `json:"position"`
	ScrollFraction float64   `json:"scrollFraction"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Synced         bool      `json:"synced"`
}
