package blobcache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shelfsync/pkg/domain"
	"shelfsync/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*BlobCache, *store.GormStore) {
	t.Helper()
	st, err := store.NewGormStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := New(st, cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Destroy)
	return c, st
}

func putAsset(t *testing.T, st *store.GormStore, user, key, book string, size int, cachedAt time.Time) {
	t.Helper()
	err := st.PutAsset(context.Background(), domain.CachedAsset{
		UserID:   user,
		AssetKey: key,
		BookID:   book,
		Data:     bytes.Repeat([]byte{0xAB}, size),
		MimeType: "image/png",
		CachedAt: cachedAt,
	})
	if err != nil {
		t.Fatalf("put asset %s: %v", key, err)
	}
}

func TestGetReturnsSameHandleUntilRelease(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 64, clock.Now())

	h1, err := c.Get(ctx, "u1", "d1")
	if err != nil || h1 == nil {
		t.Fatalf("get: handle=%v err=%v", h1, err)
	}
	h2, err := c.Get(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical handle on repeated get")
	}
	if c.ActiveHandleCount() != 1 {
		t.Fatalf("expected 1 live handle, got %d", c.ActiveHandleCount())
	}
	if len(h1.Bytes()) != 64 {
		t.Fatalf("handle bytes missing")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 16, clock.Now())

	h, err := c.Get(ctx, "u1", "d1")
	if err != nil || h == nil {
		t.Fatalf("get: handle=%v err=%v", h, err)
	}
	if !c.Release("u1", "d1") {
		t.Fatalf("first release should report true")
	}
	if c.Release("u1", "d1") {
		t.Fatalf("second release should report false")
	}
	if !h.Revoked() || h.Bytes() != nil {
		t.Fatalf("released handle should be revoked")
	}
}

func TestGetMissAndExpiry(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, AssetTTL: time.Hour})
	ctx := context.Background()

	if h, err := c.Get(ctx, "u1", "missing"); err != nil || h != nil {
		t.Fatalf("miss should return nil handle, got %v err=%v", h, err)
	}

	putAsset(t, st, "u1", "old", "b1", 16, clock.Now().Add(-2*time.Hour))
	if h, err := c.Get(ctx, "u1", "old"); err != nil || h != nil {
		t.Fatalf("expired row should be a miss, got %v err=%v", h, err)
	}
	if _, ok, _ := st.GetAsset(ctx, "u1", "old"); ok {
		t.Fatalf("expired row should be deleted on get")
	}
}

func TestHasDropsExpiredRowAsync(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, AssetTTL: time.Hour})
	ctx := context.Background()
	putAsset(t, st, "u1", "old", "b1", 16, clock.Now().Add(-2*time.Hour))

	ok, err := c.Has(ctx, "u1", "old")
	if err != nil || ok {
		t.Fatalf("expired entry should report absent, got ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, present, _ := st.GetAsset(ctx, "u1", "old"); !present {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired row was not deleted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetEnforcesBudgetOldestFirst(t *testing.T) {
	const mb = 1024 * 1024
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, BudgetBytes: 10 * mb})
	ctx := context.Background()

	base := clock.Now().Add(-time.Hour)
	for i := 0; i < 9; i++ {
		putAsset(t, st, "u1", "asset-"+string(rune('a'+i)), "b1", mb, base.Add(time.Duration(i)*time.Minute))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(bytes.Repeat([]byte{0xCD}, 2*mb))
	}))
	defer srv.Close()

	ok, err := c.Set(ctx, "u1", "d1", srv.URL, "b1")
	if err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	total, err := st.AssetBytes(ctx, "u1")
	if err != nil {
		t.Fatalf("asset bytes: %v", err)
	}
	if total > 10*mb {
		t.Fatalf("budget exceeded: %d", total)
	}
	if _, present, _ := st.GetAsset(ctx, "u1", "asset-a"); present {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, present, _ := st.GetAsset(ctx, "u1", "asset-b"); !present {
		t.Fatalf("exactly one entry should have been evicted")
	}
}

func TestSetFetchFailureDoesNotMutateStore(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ok, err := c.Set(ctx, "u1", "d1", srv.URL, "b1")
	if err != nil {
		t.Fatalf("set returned error: %v", err)
	}
	if ok {
		t.Fatalf("failed fetch should report false")
	}
	if _, present, _ := st.GetAsset(ctx, "u1", "d1"); present {
		t.Fatalf("failed fetch must not write a row")
	}
}

func TestSweepRevokesStaleHandles(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, HandleMaxAge: 30 * time.Minute})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 16, clock.Now())

	h, err := c.Get(ctx, "u1", "d1")
	if err != nil || h == nil {
		t.Fatalf("get: handle=%v err=%v", h, err)
	}

	clock.Advance(10 * time.Minute)
	c.SweepHandles()
	if c.ActiveHandleCount() != 1 {
		t.Fatalf("fresh handle should survive the sweep")
	}

	clock.Advance(25 * time.Minute)
	c.SweepHandles()
	if c.ActiveHandleCount() != 0 {
		t.Fatalf("stale handle should be revoked")
	}
	if !h.Revoked() {
		t.Fatalf("swept handle should be revoked")
	}
}

func TestClearForBookRevokesHandles(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 16, clock.Now())
	putAsset(t, st, "u1", "d2", "b2", 16, clock.Now())

	h1, _ := c.Get(ctx, "u1", "d1")
	h2, _ := c.Get(ctx, "u1", "d2")
	if h1 == nil || h2 == nil {
		t.Fatalf("expected both handles")
	}

	if err := c.ClearForBook(ctx, "u1", "b1"); err != nil {
		t.Fatalf("clear for book: %v", err)
	}
	if !h1.Revoked() {
		t.Fatalf("handle for cleared book should be revoked")
	}
	if h2.Revoked() {
		t.Fatalf("handle for other book should survive")
	}
	if _, present, _ := st.GetAsset(ctx, "u1", "d1"); present {
		t.Fatalf("cleared row should be gone")
	}
}

func TestExpiryRevokesLiveHandle(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, AssetTTL: time.Hour, HandleMaxAge: 24 * time.Hour})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 16, clock.Now())
	putAsset(t, st, "u1", "d2", "b1", 16, clock.Now())

	h1, _ := c.Get(ctx, "u1", "d1")
	h2, _ := c.Get(ctx, "u1", "d2")
	if h1 == nil || h2 == nil {
		t.Fatalf("expected both handles")
	}

	clock.Advance(2 * time.Hour)

	if h, err := c.Get(ctx, "u1", "d1"); err != nil || h != nil {
		t.Fatalf("expired row should be a miss, got %v err=%v", h, err)
	}
	if !h1.Revoked() {
		t.Fatalf("handle must not outlive its expired row on get")
	}

	if ok, err := c.Has(ctx, "u1", "d2"); err != nil || ok {
		t.Fatalf("expired entry should report absent, got ok=%v err=%v", ok, err)
	}
	if !h2.Revoked() {
		t.Fatalf("handle must not outlive its expired row on has")
	}
}

func TestHandlesScopedPerUser(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()
	putAsset(t, st, "u1", "shared", "b1", 16, clock.Now())
	putAsset(t, st, "u2", "shared", "b1", 32, clock.Now())

	h1, _ := c.Get(ctx, "u1", "shared")
	h2, _ := c.Get(ctx, "u2", "shared")
	if h1 == nil || h2 == nil {
		t.Fatalf("expected a handle per user")
	}
	if h1 == h2 {
		t.Fatalf("users sharing an asset key must not share a handle")
	}
	if len(h1.Bytes()) != 16 || len(h2.Bytes()) != 32 {
		t.Fatalf("handles serve the wrong user's bytes: %d/%d", len(h1.Bytes()), len(h2.Bytes()))
	}

	if !c.Release("u1", "shared") {
		t.Fatalf("release should find u1's handle")
	}
	if h2.Revoked() {
		t.Fatalf("releasing one user's handle must not revoke the other's")
	}
}

func TestSetOverExistingKeyReusesItsBytes(t *testing.T) {
	const mb = 1024 * 1024
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now, BudgetBytes: 10 * mb})
	ctx := context.Background()

	base := clock.Now().Add(-time.Hour)
	putAsset(t, st, "u1", "big", "b1", 6*mb, base)
	putAsset(t, st, "u1", "side", "b1", 3*mb, base.Add(time.Minute))

	old, _ := c.Get(ctx, "u1", "big")
	if old == nil {
		t.Fatalf("expected handle over the original bytes")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(bytes.Repeat([]byte{0xCD}, 6*mb))
	}))
	defer srv.Close()

	ok, err := c.Set(ctx, "u1", "big", srv.URL, "b1")
	if err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	// Replacing 6MB with 6MB needs no room; the neighbor must survive.
	if _, present, _ := st.GetAsset(ctx, "u1", "side"); !present {
		t.Fatalf("replacing a key must not evict other entries")
	}
	if !old.Revoked() {
		t.Fatalf("handle over the replaced bytes should be revoked")
	}
	fresh, err := c.Get(ctx, "u1", "big")
	if err != nil || fresh == nil {
		t.Fatalf("get after replace: handle=%v err=%v", fresh, err)
	}
	if data := fresh.Bytes(); len(data) != 6*mb || data[0] != 0xCD {
		t.Fatalf("fresh handle should serve the replacement bytes")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	c, st := newTestCache(t, Config{Now: clock.Now})
	ctx := context.Background()
	putAsset(t, st, "u1", "d1", "b1", 16, clock.Now())

	h, _ := c.Get(ctx, "u1", "d1")
	if h == nil {
		t.Fatalf("expected handle")
	}
	c.Destroy()
	if !h.Revoked() {
		t.Fatalf("destroy should revoke every handle")
	}
	c.Destroy()

	if got, err := c.Get(ctx, "u1", "d1"); err != nil || got != nil {
		t.Fatalf("destroyed cache should not mint handles, got %v err=%v", got, err)
	}
}
