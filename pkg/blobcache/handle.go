package blobcache

import (
	"sync"
	"time"
)

// Handle is a short-lived, revocable in-memory reference to cached binary
// data, distinct from the persisted cache row. Every Get must be paired with
// a later Release; the staleness sweep revokes whatever consumers forget.
type Handle struct {
	key      string
	mimeType string

	mu      sync.Mutex
	data    []byte
	created time.Time
}

// Key returns the asset key the handle was minted for.
func (h *Handle) Key() string { return h.key }

// MimeType returns the stored content type.
func (h *Handle) MimeType() string { return h.mimeType }

// CreatedAt returns when the handle was minted.
func (h *Handle) CreatedAt() time.Time { return h.created }

// Bytes returns the cached bytes, or nil once the handle has been revoked.
func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Revoked reports whether the handle's resource has been freed.
func (h *Handle) Revoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data == nil
}

func (h *Handle) revoke() {
	h.mu.Lock()
	h.data = nil
	h.mu.Unlock()
}
