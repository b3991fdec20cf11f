// Package blobcache stores downloaded binary assets in the local store and
// hands out revocable in-memory handles over them. It enforces a per-user
// size budget with oldest-first eviction, a row TTL, and a 30-minute cap on
// handle age so neither storage nor handles grow without bound.
package blobcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shelfsync/internal/metrics"
	"shelfsync/pkg/domain"
	"shelfsync/pkg/store"
)

const (
	defaultBudgetBytes  = 50 * 1024 * 1024
	defaultAssetTTL     = 7 * 24 * time.Hour
	defaultHandleMaxAge = 30 * time.Minute
	defaultSweepSpec    = "@every 5m"

	// Fallback per-entry estimate when a row has no recorded size.
	evictionSizeEstimate = 50 * 1024
)

// HeaderFunc supplies auth headers for asset downloads. The cache attaches
// whatever it is given; it never manages credentials itself.
type HeaderFunc func() map[string]string

type Config struct {
	BudgetBytes  int64
	AssetTTL     time.Duration
	HandleMaxAge time.Duration
	SweepSpec    string
	Headers      HeaderFunc
	Now          func() time.Time
}

// BlobCache caches binary assets in the local store and tracks the transient
// handles minted over them.
type BlobCache struct {
	store   store.Store
	fetcher *fetcher
	budget  int64
	ttl     time.Duration
	maxAge  time.Duration
	now     func() time.Time

	mu sync.Mutex
	// handles is keyed by the composite (user, asset key) id so users
	// sharing an asset key never see each other's bytes.
	handles   map[string]*Handle
	destroyed bool

	sweeper *cron.Cron
}

// New builds a cache over the given store and starts the handle sweep.
func New(st store.Store, cfg Config) (*BlobCache, error) {
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = defaultBudgetBytes
	}
	if cfg.AssetTTL <= 0 {
		cfg.AssetTTL = defaultAssetTTL
	}
	if cfg.HandleMaxAge <= 0 {
		cfg.HandleMaxAge = defaultHandleMaxAge
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	c := &BlobCache{
		store:   st,
		fetcher: newFetcher(cfg.Headers),
		budget:  cfg.BudgetBytes,
		ttl:     cfg.AssetTTL,
		maxAge:  cfg.HandleMaxAge,
		now:     cfg.Now,
		handles: make(map[string]*Handle),
		sweeper: cron.New(),
	}
	if _, err := c.sweeper.AddFunc(cfg.SweepSpec, c.SweepHandles); err != nil {
		return nil, err
	}
	c.sweeper.Start()
	return c, nil
}

// Has reports whether an unexpired entry exists. Discovering an expired row
// revokes any live handle over it and deletes the row asynchronously,
// best-effort.
func (c *BlobCache) Has(ctx context.Context, userID, key string) (bool, error) {
	asset, ok, err := c.store.GetAsset(ctx, userID, key)
	if err != nil || !ok {
		return false, err
	}
	if c.expired(asset) {
		c.Release(userID, key)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.store.DeleteAsset(ctx, userID, key); err != nil {
				slog.Debug("drop expired asset", "key", key, "err", err)
			}
		}()
		return false, nil
	}
	return true, nil
}

// Get returns a reusable handle over the cached bytes, or nil on miss or
// expiry. Calling Get twice for the same key without an intervening Release
// returns the identical handle. The backing row is checked on every call; a
// handle must never outlive its row, so a missing or expired row revokes the
// live handle instead of serving it.
func (c *BlobCache) Get(ctx context.Context, userID, key string) (*Handle, error) {
	asset, ok, err := c.store.GetAsset(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.Release(userID, key)
		return nil, nil
	}
	if c.expired(asset) {
		_ = c.store.DeleteAsset(ctx, userID, key)
		c.Release(userID, key)
		return nil, nil
	}

	id := domain.CompositeID(userID, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, nil
	}
	if h, ok := c.handles[id]; ok {
		return h, nil
	}
	h := &Handle{
		key:      key,
		mimeType: asset.MimeType,
		data:     asset.Data,
		created:  c.now(),
	}
	c.handles[id] = h
	metrics.ActiveHandles.Set(float64(len(c.handles)))
	return h, nil
}

// Release revokes the user's handle for key, if any. Releasing twice is a
// no-op on the second call.
func (c *BlobCache) Release(userID, key string) bool {
	id := domain.CompositeID(userID, key)
	c.mu.Lock()
	h, ok := c.handles[id]
	if ok {
		delete(c.handles, id)
		metrics.ActiveHandles.Set(float64(len(c.handles)))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.revoke()
	metrics.HandleRevocations.Inc()
	return true
}

// Set downloads sourceURL and stores the bytes under key, evicting as needed
// so the user's total stays under budget. Returns false without mutating the
// store when the fetch fails; a cancelled fetch is a no-op, not a failure.
func (c *BlobCache) Set(ctx context.Context, userID, key, sourceURL, bookID string) (bool, error) {
	data, mimeType, err := c.fetcher.fetch(ctx, sourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		slog.Warn("asset fetch failed", "key", key, "url", sourceURL, "err", err)
		return false, nil
	}
	incoming := int64(len(data))
	if existing, ok, err := c.store.GetAsset(ctx, userID, key); err != nil {
		return false, err
	} else if ok {
		// Replacing a row frees its bytes; only the delta needs room.
		incoming -= existing.SizeBytes
	}
	if err := c.ensureSize(ctx, userID, incoming); err != nil {
		return false, err
	}
	asset := domain.CachedAsset{
		UserID:    userID,
		AssetKey:  key,
		BookID:    bookID,
		Data:      data,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		CachedAt:  c.now(),
	}
	if err := c.store.PutAsset(ctx, asset); err != nil {
		return false, err
	}
	// A handle minted over the replaced bytes must not keep serving them.
	c.Release(userID, key)
	return true, nil
}

// Delete removes one asset row and revokes its live handle, if any.
func (c *BlobCache) Delete(ctx context.Context, userID, key string) error {
	c.Release(userID, key)
	return c.store.DeleteAsset(ctx, userID, key)
}

// ClearForBook removes a book's assets and revokes their handles. A handle
// must never outlive its backing row.
func (c *BlobCache) ClearForBook(ctx context.Context, userID, bookID string) error {
	keys, err := c.store.DeleteAssetsForBook(ctx, userID, bookID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		c.Release(userID, key)
	}
	return nil
}

// ClearForUser removes every asset of a user and revokes their handles.
func (c *BlobCache) ClearForUser(ctx context.Context, userID string) error {
	keys, err := c.store.DeleteAssetsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		c.Release(userID, key)
	}
	return nil
}

// ensureSize makes room for incoming bytes: TTL-expired rows go first, then
// oldest rows until the entry fits. Safe to run twice; a second pass finds
// nothing left to evict.
func (c *BlobCache) ensureSize(ctx context.Context, userID string, incoming int64) error {
	total, err := c.store.AssetBytes(ctx, userID)
	if err != nil {
		return err
	}
	if total+incoming <= c.budget {
		return nil
	}

	keys, err := c.store.DeleteExpiredAssets(ctx, userID, c.now().Add(-c.ttl))
	if err != nil {
		return err
	}
	for _, key := range keys {
		c.Release(userID, key)
	}

	total, err = c.store.AssetBytes(ctx, userID)
	if err != nil {
		return err
	}
	if total+incoming <= c.budget {
		return nil
	}

	oldest, err := c.store.ListAssetsOldestFirst(ctx, userID)
	if err != nil {
		return err
	}
	for _, asset := range oldest {
		if total+incoming <= c.budget {
			break
		}
		if err := c.store.DeleteAsset(ctx, userID, asset.AssetKey); err != nil {
			return err
		}
		c.Release(userID, asset.AssetKey)
		size := asset.SizeBytes
		if size == 0 {
			size = evictionSizeEstimate
		}
		total -= size
		metrics.EvictedBytes.Add(float64(size))
	}
	return nil
}

// SweepHandles revokes live handles older than the configured max age.
// Handles are scarcer than storage; they must not accumulate even when
// consumers behave.
func (c *BlobCache) SweepHandles() {
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	var stale []*Handle
	for key, h := range c.handles {
		if h.created.Before(cutoff) {
			delete(c.handles, key)
			stale = append(stale, h)
		}
	}
	metrics.ActiveHandles.Set(float64(len(c.handles)))
	c.mu.Unlock()
	for _, h := range stale {
		h.revoke()
		metrics.HandleRevocations.Inc()
	}
	if len(stale) > 0 {
		slog.Debug("swept stale handles", "count", len(stale))
	}
}

// ActiveHandleCount returns the number of live handles.
func (c *BlobCache) ActiveHandleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Destroy revokes every live handle and halts the sweep. Safe to call more
// than once.
func (c *BlobCache) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[string]*Handle)
	metrics.ActiveHandles.Set(0)
	c.mu.Unlock()

	for _, h := range handles {
		h.revoke()
		metrics.HandleRevocations.Inc()
	}
	c.sweeper.Stop()
}

func (c *BlobCache) expired(asset domain.CachedAsset) bool {
	return c.now().Sub(asset.CachedAt) > c.ttl
}
