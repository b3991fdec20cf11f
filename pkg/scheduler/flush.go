package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"shelfsync/pkg/domain"
	"shelfsync/pkg/syncqueue"
)

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// flushEntry is the minimal durable shape of a snapshotted operation:
// endpoint and body only. The flush is a lossy best-effort optimization, not
// a durability guarantee.
type flushEntry struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// LastChanceFlush snapshots critical pending operations to the side-channel
// file, then attempts one fire-and-forget delivery per entry. It exists only
// to shrink the window in which a teardown loses the most important writes,
// such as the current reading position.
func (s *Scheduler) LastChanceFlush(ctx context.Context) {
	ops, err := s.queue.CriticalPending(ctx)
	if err != nil || len(ops) == 0 {
		return
	}
	entries := make([]flushEntry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, flushEntry{
			URL:     op.Endpoint.URL,
			Method:  op.Endpoint.Method,
			Headers: op.Endpoint.Headers,
			Body:    op.Body,
		})
	}
	if s.snapshotPath != "" {
		if err := writeSnapshot(s.snapshotPath, entries); err != nil {
			slog.Warn("write flush snapshot", "err", err)
		}
	}
	s.sendEntries(ctx, entries)
}

// replaySnapshot attempts delivery of entries left behind by a previous
// teardown, then removes the file. The queue rows themselves are still
// durable; the snapshot only covers the case where they delivered during a
// teardown the process never saw complete.
func (s *Scheduler) replaySnapshot(ctx context.Context) {
	if s.snapshotPath == "" {
		return
	}
	entries, err := readSnapshot(s.snapshotPath)
	if err != nil || len(entries) == 0 {
		return
	}
	slog.Info("replaying flush snapshot", "entries", len(entries))
	s.sendEntries(ctx, entries)
	_ = os.Remove(s.snapshotPath)
}

func (s *Scheduler) sendEntries(ctx context.Context, entries []flushEntry) {
	for _, entry := range entries {
		op := domain.SyncOperation{
			Endpoint: domain.Endpoint{
				URL:     entry.URL,
				Method:  entry.Method,
				Headers: entry.Headers,
			},
			Body: entry.Body,
		}
		// Outcome deliberately ignored; the rows stay queued either way.
		_ = s.deliverer.Deliver(ctx, op)
	}
}

func writeSnapshot(path string, entries []flushEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readSnapshot(path string) ([]flushEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []flushEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// newFlushDeliverer builds a transport with a timeout short enough to finish
// inside a teardown grace period.
func newFlushDeliverer() syncqueue.Deliverer {
	return &flushDeliverer{client: &http.Client{Timeout: 2 * time.Second}}
}

type flushDeliverer struct {
	client *http.Client
}

func (d *flushDeliverer) Deliver(ctx context.Context, op domain.SyncOperation) error {
	req, err := http.NewRequestWithContext(ctx, op.Endpoint.Method, op.Endpoint.URL, bodyReader(op.Body))
	if err != nil {
		return err
	}
	if len(op.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range op.Endpoint.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
