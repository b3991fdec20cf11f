package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"shelfsync/pkg/domain"
)

// schemaVersion is the newest database shape this binary understands.
const schemaVersion = 1

// ErrVersionConflict reports that another session migrated the database to a
// newer schema. The holder must reload; continuing to write would corrupt
// data written by the newer session.
var ErrVersionConflict = errors.New("store: schema version conflict, reload required")

type GormStoreOptions struct {
	Now func() time.Time
}

type GormStoreOption func(*GormStoreOptions)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Now = now
	}
}

// GormStore implements Store using GORM + SQLite.
type GormStore struct {
	db         *gorm.DB
	now        func() time.Time
	conflicted atomic.Bool
}

// NewGormStore opens the database file and runs migrations. A database
// stamped with a schema version newer than this binary supports is refused.
func NewGormStore(path string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(db, opts.Now()); err != nil {
		return nil, err
	}
	// A crash mid-delivery leaves operations stranded in syncing; they go
	// back to pending so the next drain picks them up.
	if err := db.Model(&SyncOperationModel{}).
		Where("status = ?", string(domain.OpSyncing)).
		Update("status", string(domain.OpPending)).Error; err != nil {
		return nil, fmt.Errorf("recover syncing operations: %w", err)
	}
	return &GormStore{db: db, now: opts.Now}, nil
}

// migrate runs schema evolution inside one transaction so a crash mid-way
// leaves the prior shape intact.
func migrate(db *gorm.DB, now time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SchemaMetaModel{}); err != nil {
			return fmt.Errorf("migrate schema meta: %w", err)
		}
		var meta SchemaMetaModel
		err := tx.First(&meta, "id = ?", 1).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			meta = SchemaMetaModel{ID: 1, Version: 0}
		case err != nil:
			return fmt.Errorf("read schema version: %w", err)
		}
		if meta.Version > schemaVersion {
			return ErrVersionConflict
		}
		if err := tx.AutoMigrate(
			&OfflineBookModel{},
			&CachedChapterModel{},
			&CachedAssetModel{},
			&SyncOperationModel{},
			&ReadingProgressModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		meta.Version = schemaVersion
		meta.UpdatedAt = now
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "updated_at"}),
		}).Create(&meta).Error
	})
}

// VerifySchema re-reads the stored schema version. On discovering a newer
// version the store flips into a refuse-writes state and every subsequent
// mutation returns ErrVersionConflict until the process reloads.
func (s *GormStore) VerifySchema(ctx context.Context) error {
	var meta SchemaMetaModel
	if err := s.db.WithContext(ctx).First(&meta, "id = ?", 1).Error; err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if meta.Version > schemaVersion {
		s.conflicted.Store(true)
		return ErrVersionConflict
	}
	return nil
}

func (s *GormStore) guard() error {
	if s.conflicted.Load() {
		return ErrVersionConflict
	}
	return nil
}

// Close releases the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// SaveOfflineBook stores or updates an offline book. A complete book always
// reads back with downloadProgress 100.
func (s *GormStore) SaveOfflineBook(ctx context.Context, book domain.OfflineBook) error {
	if err := s.guard(); err != nil {
		return err
	}
	if book.Status == domain.BookComplete {
		book.DownloadProgress = 100
	}
	if book.ID == "" {
		book.ID = domain.CompositeID(book.UserID, book.BookID)
	}
	model := offlineBookToModel(book)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "cover_ref", "chapter_count", "size_bytes",
			"genre", "language", "last_accessed_at", "download_progress", "status",
		}),
	}).Create(&model).Error
}

// GetOfflineBook retrieves a book and touches its last-accessed time.
func (s *GormStore) GetOfflineBook(ctx context.Context, userID, bookID string) (domain.OfflineBook, bool, error) {
	var model OfflineBookModel
	id := domain.CompositeID(userID, bookID)
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.OfflineBook{}, false, nil
		}
		return domain.OfflineBook{}, false, err
	}
	_ = s.db.WithContext(ctx).Model(&OfflineBookModel{}).
		Where("id = ?", id).
		Update("last_accessed_at", s.now()).Error
	return offlineBookFromModel(model), true, nil
}

// ListOfflineBooks returns a user's offline books, most recently downloaded first.
func (s *GormStore) ListOfflineBooks(ctx context.Context, userID string) ([]domain.OfflineBook, error) {
	var models []OfflineBookModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("downloaded_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OfflineBook, 0, len(models))
	for _, m := range models {
		res = append(res, offlineBookFromModel(m))
	}
	return res, nil
}

// SetDownloadProgress updates download progress and status.
func (s *GormStore) SetDownloadProgress(ctx context.Context, userID, bookID string, progress int, status domain.BookStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	if status == domain.BookComplete {
		progress = 100
	}
	return s.db.WithContext(ctx).Model(&OfflineBookModel{}).
		Where("id = ?", domain.CompositeID(userID, bookID)).
		Updates(map[string]any{
			"download_progress": progress,
			"status":            string(status),
		}).Error
}

// DeleteOfflineBook removes the book row, its cached chapters, and its local
// progress snapshot. Cached assets are the blob cache's to clear because live
// handles must be revoked alongside the rows.
func (s *GormStore) DeleteOfflineBook(ctx context.Context, userID, bookID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&CachedChapterModel{}, "user_id = ? AND book_id = ?", userID, bookID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ReadingProgressModel{}, "id = ?", domain.CompositeID(userID, bookID)).Error; err != nil {
			return err
		}
		return tx.Delete(&OfflineBookModel{}, "id = ?", domain.CompositeID(userID, bookID)).Error
	})
}

// SaveChapter stores or refreshes a cached chapter.
func (s *GormStore) SaveChapter(ctx context.Context, chapter domain.CachedChapter) error {
	if err := s.guard(); err != nil {
		return err
	}
	if chapter.ID == "" {
		chapter.ID = domain.CompositeID(chapter.UserID, chapter.BookID, fmt.Sprintf("%d", chapter.ChapterNumber))
	}
	model, err := chapterToModel(chapter)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "entities", "word_count", "cached_at", "last_accessed_at",
		}),
	}).Create(&model).Error
}

// GetChapter retrieves a cached chapter and touches its last-accessed time.
func (s *GormStore) GetChapter(ctx context.Context, userID, bookID string, chapterNumber int) (domain.CachedChapter, bool, error) {
	var model CachedChapterModel
	id := domain.CompositeID(userID, bookID, fmt.Sprintf("%d", chapterNumber))
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.CachedChapter{}, false, nil
		}
		return domain.CachedChapter{}, false, err
	}
	_ = s.db.WithContext(ctx).Model(&CachedChapterModel{}).
		Where("id = ?", id).
		Update("last_accessed_at", s.now()).Error
	return chapterFromModel(model), true, nil
}

// DeleteChaptersForBook removes all cached chapters of one book.
func (s *GormStore) DeleteChaptersForBook(ctx context.Context, userID, bookID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Delete(&CachedChapterModel{}, "user_id = ? AND book_id = ?", userID, bookID).Error
}

// PruneExpiredChapters deletes chapters cached before the cutoff and reports
// how many rows went away.
func (s *GormStore) PruneExpiredChapters(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).
		Delete(&CachedChapterModel{}, "user_id = ? AND cached_at < ?", userID, cutoff)
	return res.RowsAffected, res.Error
}

// PutAsset stores or replaces a cached binary asset.
func (s *GormStore) PutAsset(ctx context.Context, asset domain.CachedAsset) error {
	if err := s.guard(); err != nil {
		return err
	}
	if asset.ID == "" {
		asset.ID = domain.CompositeID(asset.UserID, asset.AssetKey)
	}
	if asset.SizeBytes == 0 {
		asset.SizeBytes = int64(len(asset.Data))
	}
	model := assetToModel(asset)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"book_id", "data", "mime_type", "size_bytes", "cached_at",
		}),
	}).Create(&model).Error
}

// GetAsset retrieves a cached asset including its bytes.
func (s *GormStore) GetAsset(ctx context.Context, userID, assetKey string) (domain.CachedAsset, bool, error) {
	var model CachedAssetModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", domain.CompositeID(userID, assetKey)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.CachedAsset{}, false, nil
		}
		return domain.CachedAsset{}, false, err
	}
	return assetFromModel(model), true, nil
}

// DeleteAsset removes a single asset row.
func (s *GormStore) DeleteAsset(ctx context.Context, userID, assetKey string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Delete(&CachedAssetModel{}, "id = ?", domain.CompositeID(userID, assetKey)).Error
}

// DeleteAssetsForBook removes a book's assets and returns their keys so the
// caller can revoke any live handles.
func (s *GormStore) DeleteAssetsForBook(ctx context.Context, userID, bookID string) ([]string, error) {
	return s.deleteAssetsWhere(ctx, "user_id = ? AND book_id = ?", userID, bookID)
}

// DeleteAssetsForUser removes every asset of a user and returns their keys.
func (s *GormStore) DeleteAssetsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.deleteAssetsWhere(ctx, "user_id = ?", userID)
}

// DeleteExpiredAssets removes assets cached before the cutoff and returns
// their keys.
func (s *GormStore) DeleteExpiredAssets(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	return s.deleteAssetsWhere(ctx, "user_id = ? AND cached_at < ?", userID, cutoff)
}

func (s *GormStore) deleteAssetsWhere(ctx context.Context, cond string, args ...any) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&CachedAssetModel{}).
			Where(cond, args...).
			Pluck("asset_key", &keys).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		return tx.Where(cond, args...).Delete(&CachedAssetModel{}).Error
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// AssetBytes returns the total cached bytes for a user.
func (s *GormStore) AssetBytes(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&CachedAssetModel{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	return total, err
}

// ListAssetsOldestFirst returns asset metadata (no bytes) ordered by cachedAt
// ascending, for the eviction pass.
func (s *GormStore) ListAssetsOldestFirst(ctx context.Context, userID string) ([]domain.CachedAsset, error) {
	var models []CachedAssetModel
	if err := s.db.WithContext(ctx).
		Select("id", "user_id", "asset_key", "book_id", "mime_type", "size_bytes", "cached_at").
		Where("user_id = ?", userID).
		Order("cached_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CachedAsset, 0, len(models))
	for _, m := range models {
		res = append(res, assetFromModel(m))
	}
	return res, nil
}

// CreateOperation persists a queued operation.
func (s *GormStore) CreateOperation(ctx context.Context, op domain.SyncOperation) error {
	if err := s.guard(); err != nil {
		return err
	}
	model, err := operationToModel(op)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// DeletePendingProgress removes pending progress operations for one
// (user, book) pair so a newer progress update supersedes them.
func (s *GormStore) DeletePendingProgress(ctx context.Context, userID, bookID string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Delete(&SyncOperationModel{},
		"type = ? AND status = ? AND user_id = ? AND book_id = ?",
		string(domain.OpProgress), string(domain.OpPending), userID, bookID)
	return res.RowsAffected, res.Error
}

// ListPendingOperations returns pending operations in drain order: priority
// band first, then FIFO within a band.
func (s *GormStore) ListPendingOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	return s.listOperationsWhere(ctx, "priority_rank ASC, created_at ASC",
		"status = ?", string(domain.OpPending))
}

// ListCriticalPending returns only critical pending operations, FIFO.
func (s *GormStore) ListCriticalPending(ctx context.Context) ([]domain.SyncOperation, error) {
	return s.listOperationsWhere(ctx, "created_at ASC",
		"status = ? AND priority = ?", string(domain.OpPending), string(domain.PriorityCritical))
}

// MarkSyncing transitions an operation to the syncing state.
func (s *GormStore) MarkSyncing(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&SyncOperationModel{}).
		Where("id = ?", id).
		Update("status", string(domain.OpSyncing)).Error
}

// DeleteOperation removes a delivered (or cleared) operation.
func (s *GormStore) DeleteOperation(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&SyncOperationModel{}, "id = ?", id).Error
}

// RecordAttempt stores the outcome of a failed delivery attempt.
func (s *GormStore) RecordAttempt(ctx context.Context, id string, retries int, status domain.OpStatus, lastErr string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&SyncOperationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retries":    retries,
			"status":     string(status),
			"last_error": lastErr,
		}).Error
}

// ResetFailed returns every failed operation to pending with a fresh retry
// budget.
func (s *GormStore) ResetFailed(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&SyncOperationModel{}).
		Where("status = ?", string(domain.OpFailed)).
		Updates(map[string]any{
			"status":     string(domain.OpPending),
			"retries":    0,
			"last_error": "",
		})
	return res.RowsAffected, res.Error
}

// CountOperations counts a user's operations in one status.
func (s *GormStore) CountOperations(ctx context.Context, userID string, status domain.OpStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SyncOperationModel{}).
		Where("user_id = ? AND status = ?", userID, string(status)).
		Count(&count).Error
	return count, err
}

// CountAllOperations counts operations in one status across all users.
func (s *GormStore) CountAllOperations(ctx context.Context, status domain.OpStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SyncOperationModel{}).
		Where("status = ?", string(status)).
		Count(&count).Error
	return count, err
}

// ListOperations returns all of a user's operations in drain order.
func (s *GormStore) ListOperations(ctx context.Context, userID string) ([]domain.SyncOperation, error) {
	return s.listOperationsWhere(ctx, "priority_rank ASC, created_at ASC",
		"user_id = ?", userID)
}

func (s *GormStore) listOperationsWhere(ctx context.Context, order string, cond string, args ...any) ([]domain.SyncOperation, error) {
	var models []SyncOperationModel
	if err := s.db.WithContext(ctx).
		Where(cond, args...).
		Order(order).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SyncOperation, 0, len(models))
	for _, m := range models {
		op, err := operationFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, nil
}

// DeleteOperationsForUser removes every operation of one user.
func (s *GormStore) DeleteOperationsForUser(ctx context.Context, userID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&SyncOperationModel{}, "user_id = ?", userID).Error
}

// DeleteFailedOperations removes every failed operation.
func (s *GormStore) DeleteFailedOperations(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&SyncOperationModel{}, "status = ?", string(domain.OpFailed)).Error
}

// DeleteAllOperations empties the operation table.
func (s *GormStore) DeleteAllOperations(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&SyncOperationModel{}).Error
}

// SaveProgress overwrites the local reading-progress snapshot for a book.
func (s *GormStore) SaveProgress(ctx context.Context, progress domain.ReadingProgress) error {
	if err := s.guard(); err != nil {
		return err
	}
	if progress.ID == "" {
		progress.ID = domain.CompositeID(progress.UserID, progress.BookID)
	}
	model := progressToModel(progress)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"chapter", "position", "scroll_fraction", "updated_at", "synced",
		}),
	}).Create(&model).Error
}

// GetProgress returns the local snapshot for a book.
func (s *GormStore) GetProgress(ctx context.Context, userID, bookID string) (domain.ReadingProgress, bool, error) {
	var model ReadingProgressModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", domain.CompositeID(userID, bookID)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ReadingProgress{}, false, nil
		}
		return domain.ReadingProgress{}, false, err
	}
	return progressFromModel(model), true, nil
}

// MarkProgressSynced flips the snapshot's synced flag once the corresponding
// queued operation delivered.
func (s *GormStore) MarkProgressSynced(ctx context.Context, userID, bookID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&ReadingProgressModel{}).
		Where("id = ?", domain.CompositeID(userID, bookID)).
		Update("synced", true).Error
}

func offlineBookToModel(b domain.OfflineBook) OfflineBookModel {
	return OfflineBookModel{
		ID:               b.ID,
		UserID:           b.UserID,
		BookID:           b.BookID,
		Title:            b.Title,
		Author:           b.Author,
		CoverRef:         b.CoverRef,
		ChapterCount:     b.ChapterCount,
		SizeBytes:        b.SizeBytes,
		Genre:            b.Genre,
		Language:         b.Language,
		DownloadedAt:     b.DownloadedAt,
		LastAccessedAt:   b.LastAccessedAt,
		DownloadProgress: b.DownloadProgress,
		Status:           string(b.Status),
	}
}

func offlineBookFromModel(m OfflineBookModel) domain.OfflineBook {
	return domain.OfflineBook{
		ID:               m.ID,
		UserID:           m.UserID,
		BookID:           m.BookID,
		Title:            m.Title,
		Author:           m.Author,
		CoverRef:         m.CoverRef,
		ChapterCount:     m.ChapterCount,
		SizeBytes:        m.SizeBytes,
		Genre:            m.Genre,
		Language:         m.Language,
		DownloadedAt:     m.DownloadedAt,
		LastAccessedAt:   m.LastAccessedAt,
		DownloadProgress: m.DownloadProgress,
		Status:           domain.BookStatus(m.Status),
	}
}

func chapterToModel(c domain.CachedChapter) (CachedChapterModel, error) {
	var entities []byte
	if len(c.Entities) > 0 {
		raw, err := json.Marshal(c.Entities)
		if err != nil {
			return CachedChapterModel{}, fmt.Errorf("marshal entities: %w", err)
		}
		entities = raw
	}
	return CachedChapterModel{
		ID:             c.ID,
		UserID:         c.UserID,
		BookID:         c.BookID,
		ChapterNumber:  c.ChapterNumber,
		Content:        c.Content,
		Entities:       entities,
		WordCount:      c.WordCount,
		CachedAt:       c.CachedAt,
		LastAccessedAt: c.LastAccessedAt,
	}, nil
}

func chapterFromModel(m CachedChapterModel) domain.CachedChapter {
	var entities []domain.ChapterEntity
	if len(m.Entities) > 0 {
		_ = json.Unmarshal(m.Entities, &entities)
	}
	return domain.CachedChapter{
		ID:             m.ID,
		UserID:         m.UserID,
		BookID:         m.BookID,
		ChapterNumber:  m.ChapterNumber,
		Content:        m.Content,
		Entities:       entities,
		WordCount:      m.WordCount,
		CachedAt:       m.CachedAt,
		LastAccessedAt: m.LastAccessedAt,
	}
}

func assetToModel(a domain.CachedAsset) CachedAssetModel {
	return CachedAssetModel{
		ID:        a.ID,
		UserID:    a.UserID,
		AssetKey:  a.AssetKey,
		BookID:    a.BookID,
		Data:      a.Data,
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
		CachedAt:  a.CachedAt,
	}
}

func assetFromModel(m CachedAssetModel) domain.CachedAsset {
	return domain.CachedAsset{
		ID:        m.ID,
		UserID:    m.UserID,
		AssetKey:  m.AssetKey,
		BookID:    m.BookID,
		Data:      m.Data,
		MimeType:  m.MimeType,
		SizeBytes: m.SizeBytes,
		CachedAt:  m.CachedAt,
	}
}

func operationToModel(op domain.SyncOperation) (SyncOperationModel, error) {
	if err := op.Endpoint.Validate(); err != nil {
		return SyncOperationModel{}, err
	}
	var headers []byte
	if len(op.Endpoint.Headers) > 0 {
		raw, err := json.Marshal(op.Endpoint.Headers)
		if err != nil {
			return SyncOperationModel{}, fmt.Errorf("marshal headers: %w", err)
		}
		headers = raw
	}
	return SyncOperationModel{
		ID:           op.ID,
		Type:         string(op.Type),
		URL:          op.Endpoint.URL,
		Method:       op.Endpoint.Method,
		Headers:      headers,
		Body:         op.Body,
		UserID:       op.UserID,
		BookID:       op.BookID,
		Priority:     string(op.Priority),
		PriorityRank: op.Priority.Rank(),
		CreatedAt:    op.CreatedAt,
		Retries:      op.Retries,
		MaxRetries:   op.MaxRetries,
		Status:       string(op.Status),
		LastError:    op.LastError,
	}, nil
}

func operationFromModel(m SyncOperationModel) (domain.SyncOperation, error) {
	var headers map[string]string
	if len(m.Headers) > 0 {
		if err := json.Unmarshal(m.Headers, &headers); err != nil {
			return domain.SyncOperation{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return domain.SyncOperation{
		ID:   m.ID,
		Type: domain.OpType(m.Type),
		Endpoint: domain.Endpoint{
			URL:     m.URL,
			Method:  m.Method,
			Headers: headers,
		},
		Body:       m.Body,
		UserID:     m.UserID,
		BookID:     m.BookID,
		Priority:   domain.Priority(m.Priority),
		CreatedAt:  m.CreatedAt,
		Retries:    m.Retries,
		MaxRetries: m.MaxRetries,
		Status:     domain.OpStatus(m.Status),
		LastError:  m.LastError,
	}, nil
}

func progressToModel(p domain.ReadingProgress) ReadingProgressModel {
	return ReadingProgressModel{
		ID:             p.ID,
		UserID:         p.UserID,
		BookID:         p.BookID,
		Chapter:        p.Chapter,
		Position:       p.Position,
		ScrollFraction: p.ScrollFraction,
		UpdatedAt:      p.UpdatedAt,
		Synced:         p.Synced,
	}
}

func progressFromModel(m ReadingProgressModel) domain.ReadingProgress {
	return domain.ReadingProgress{
		ID:             m.ID,
		UserID:         m.UserID,
		BookID:         m.BookID,
		Chapter:        m.Chapter,
		Position:       m.Position,
		ScrollFraction: m.ScrollFraction,
		UpdatedAt:      m.UpdatedAt,
		Synced:         m.Synced,
	}
}
