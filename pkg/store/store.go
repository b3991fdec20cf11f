package store

import (
	"context"
	"time"

	"shelfsync/pkg/domain"
)

// Store defines persistence operations for the five offline tables.
type Store interface {
	// offline books
	SaveOfflineBook(ctx context.Context, book domain.OfflineBook) error
	GetOfflineBook(ctx context.Context, userID, bookID string) (domain.OfflineBook, bool, error)
	ListOfflineBooks(ctx context.Context, userID string) ([]domain.OfflineBook, error)
	SetDownloadProgress(ctx context.Context, userID, bookID string, progress int, status domain.BookStatus) error
	DeleteOfflineBook(ctx context.Context, userID, bookID string) error

	// cached chapters
	SaveChapter(ctx context.Context, chapter domain.CachedChapter) error
	GetChapter(ctx context.Context, userID, bookID string, chapterNumber int) (domain.CachedChapter, bool, error)
	DeleteChaptersForBook(ctx context.Context, userID, bookID string) error
	PruneExpiredChapters(ctx context.Context, userID string, cutoff time.Time) (int64, error)

	// cached assets
	PutAsset(ctx context.Context, asset domain.CachedAsset) error
	GetAsset(ctx context.Context, userID, assetKey string) (domain.CachedAsset, bool, error)
	DeleteAsset(ctx context.Context, userID, assetKey string) error
	DeleteAssetsForBook(ctx context.Context, userID, bookID string) ([]string, error)
	DeleteAssetsForUser(ctx context.Context, userID string) ([]string, error)
	DeleteExpiredAssets(ctx context.Context, userID string, cutoff time.Time) ([]string, error)
	AssetBytes(ctx context.Context, userID string) (int64, error)
	ListAssetsOldestFirst(ctx context.Context, userID string) ([]domain.CachedAsset, error)

	// sync operations
	CreateOperation(ctx context.Context, op domain.SyncOperation) error
	DeletePendingProgress(ctx context.Context, userID, bookID string) (int64, error)
	ListPendingOperations(ctx context.Context) ([]domain.SyncOperation, error)
	ListCriticalPending(ctx context.Context) ([]domain.SyncOperation, error)
	MarkSyncing(ctx context.Context, id string) error
	DeleteOperation(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string, retries int, status domain.OpStatus, lastErr string) error
	ResetFailed(ctx context.Context) (int64, error)
	CountOperations(ctx context.Context, userID string, status domain.OpStatus) (int64, error)
	CountAllOperations(ctx context.Context, status domain.OpStatus) (int64, error)
	ListOperations(ctx context.Context, userID string) ([]domain.SyncOperation, error)
	DeleteOperationsForUser(ctx context.Context, userID string) error
	DeleteFailedOperations(ctx context.Context) error
	DeleteAllOperations(ctx context.Context) error

	// reading progress
	SaveProgress(ctx context.Context, progress domain.ReadingProgress) error
	GetProgress(ctx context.Context, userID, bookID string) (domain.ReadingProgress, bool, error)
	MarkProgressSynced(ctx context.Context, userID, bookID string) error

	Close() error
}
