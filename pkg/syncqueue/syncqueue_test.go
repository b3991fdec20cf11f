package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"shelfsync/pkg/domain"
	"shelfsync/pkg/store"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []domain.SyncOperation
	failFirst int
	attempts  int
	gate      chan struct{}
}

func (d *fakeDeliverer) Deliver(ctx context.Context, op domain.SyncOperation) error {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failFirst {
		return errors.New("503 Service Unavailable")
	}
	d.delivered = append(d.delivered, op)
	return nil
}

func (d *fakeDeliverer) deliveredOps() []domain.SyncOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.SyncOperation(nil), d.delivered...)
}

// tickingClock hands out strictly increasing timestamps so FIFO ordering
// within a priority band is deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestQueue(t *testing.T, d Deliverer) (*Queue, *store.GormStore) {
	t.Helper()
	st, err := store.NewGormStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var seq int
	var mu sync.Mutex
	q, err := New(st, Config{
		Deliverer:     d,
		RemoteBaseURL: "https://api.test",
		Now:           tickingClock(),
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("op-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, st
}

func bookmarkRequest(user string, priority domain.Priority) EnqueueRequest {
	return EnqueueRequest{
		Type:     domain.OpBookmark,
		Endpoint: domain.Endpoint{URL: "https://api.test/bookmarks", Method: "POST"},
		Body:     map[string]int{"chapter": 1},
		UserID:   user,
		Priority: priority,
	}
}

func TestProgressEnqueueSupersedesPending(t *testing.T) {
	d := &fakeDeliverer{}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	if _, err := q.QueueProgressUpdate(ctx, "u1", "b1", ProgressUpdate{Chapter: 2, Position: 10, ScrollFraction: 0.10}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.QueueProgressUpdate(ctx, "u1", "b1", ProgressUpdate{Chapter: 2, Position: 45, ScrollFraction: 0.45}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	pending, err := q.PendingCount(ctx, "u1")
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one pending progress op, got %d", pending)
	}

	res, err := q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("expected one delivery, got %+v", res)
	}
	ops := d.deliveredOps()
	if len(ops) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(ops))
	}
	if !strings.Contains(string(ops[0].Body), "45") || strings.Contains(string(ops[0].Body), ":10,") {
		t.Fatalf("delivered body should reflect the newest position: %s", ops[0].Body)
	}
}

func TestDeliveredProgressMarksSnapshotSynced(t *testing.T) {
	d := &fakeDeliverer{}
	q, st := newTestQueue(t, d)
	ctx := context.Background()

	if _, err := q.QueueProgressUpdate(ctx, "u1", "b1", ProgressUpdate{Chapter: 3, Position: 70, ScrollFraction: 0.7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	snapshot, ok, err := st.GetProgress(ctx, "u1", "b1")
	if err != nil || !ok {
		t.Fatalf("get progress: ok=%v err=%v", ok, err)
	}
	if snapshot.Synced {
		t.Fatalf("snapshot should start unsynced")
	}

	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	snapshot, _, _ = st.GetProgress(ctx, "u1", "b1")
	if !snapshot.Synced {
		t.Fatalf("snapshot should be synced after delivery")
	}
}

func TestDrainPriorityOrdering(t *testing.T) {
	d := &fakeDeliverer{}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	var ids []string
	for _, p := range []domain.Priority{
		domain.PriorityLow, domain.PriorityCritical, domain.PriorityNormal, domain.PriorityCritical,
	} {
		id, err := q.Enqueue(ctx, bookmarkRequest("u1", p))
		if err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
		ids = append(ids, id)
	}

	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	ops := d.deliveredOps()
	if len(ops) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(ops))
	}
	want := []string{ids[1], ids[3], ids[2], ids[0]}
	for i := range want {
		if ops[i].ID != want[i] {
			t.Fatalf("delivery order mismatch at %d: got %s want %s", i, ops[i].ID, want[i])
		}
	}
}

func TestRetriesExhaustedParksFailed(t *testing.T) {
	d := &fakeDeliverer{failFirst: 3}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	req := bookmarkRequest("u1", domain.PriorityNormal)
	req.MaxRetries = 3
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.ProcessQueue(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	ops, err := q.ListOperations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != id {
		t.Fatalf("expected the operation to survive, got %+v", ops)
	}
	if ops[0].Status != domain.OpFailed || ops[0].Retries != 3 {
		t.Fatalf("expected failed with 3 retries, got %+v", ops[0])
	}
	if ops[0].LastError == "" {
		t.Fatalf("failed op should record its last error")
	}
	pending, _ := q.PendingCount(ctx, "u1")
	if pending != 0 {
		t.Fatalf("no pending op may sit at the retry limit, pending=%d", pending)
	}

	// RetryFailed resets the budget and the (now healthy) delivery succeeds.
	res, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("expected delivery after reset, got %+v", res)
	}
	if n, _ := q.FailedCount(ctx, "u1"); n != 0 {
		t.Fatalf("failed count should be 0 after successful retry, got %d", n)
	}
}

// cancellingDeliverer cancels the drain context from inside its first
// delivery, the shape of a shutdown racing an in-flight request.
type cancellingDeliverer struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	calls     int
	delivered int
}

func (d *cancellingDeliverer) Deliver(ctx context.Context, op domain.SyncOperation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls == 1 {
		d.cancel()
		return errors.New("connection reset by peer")
	}
	d.delivered++
	return nil
}

func TestCancelledDrainReturnsOpToPending(t *testing.T) {
	drainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &cancellingDeliverer{cancel: cancel}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, bookmarkRequest("u1", domain.PriorityNormal))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.ProcessQueue(drainCtx)
	if err != nil {
		t.Fatalf("cancelled drain: %v", err)
	}
	if res.Requeued != 1 || res.Delivered != 0 {
		t.Fatalf("cancelled delivery should requeue, got %+v", res)
	}

	ops, err := q.ListOperations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != id {
		t.Fatalf("operation should survive the cancelled drain, got %+v", ops)
	}
	if ops[0].Status != domain.OpPending {
		t.Fatalf("cancelled op must return to pending, got %s", ops[0].Status)
	}
	if ops[0].Retries != 0 {
		t.Fatalf("cancellation must not charge a retry, got %d", ops[0].Retries)
	}

	res, err = q.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("fresh drain: %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("fresh drain should deliver the requeued op, got %+v", res)
	}
}

func TestOverlappingDrainsJoin(t *testing.T) {
	d := &fakeDeliverer{gate: make(chan struct{})}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, bookmarkRequest("u1", domain.PriorityNormal)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.ProcessQueue(ctx)
		}()
	}
	// Let both drain calls start, then open the gate.
	time.Sleep(50 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	if got := len(d.deliveredOps()); got != 3 {
		t.Fatalf("joined drains must not double-process: %d deliveries", got)
	}
}

func TestEnqueueRejectsMalformedEndpoint(t *testing.T) {
	d := &fakeDeliverer{}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpBookmark,
		Endpoint: domain.Endpoint{URL: "https://api.test/x", Method: "PATCH"},
		UserID:   "u1",
	})
	if err == nil {
		t.Fatalf("expected error for unsupported method")
	}
	_, err = q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpBookmark,
		Endpoint: domain.Endpoint{Method: "POST"},
		UserID:   "u1",
	})
	if err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestListenerNotifications(t *testing.T) {
	d := &fakeDeliverer{}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []EventKind
	unsubscribe := q.Subscribe(func(evt Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	})

	if _, err := q.Enqueue(ctx, bookmarkRequest("u1", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ProcessQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := q.ClearQueue(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	mu.Lock()
	got := append([]EventKind(nil), kinds...)
	mu.Unlock()
	want := []EventKind{EventEnqueued, EventDelivered, EventCleared}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	unsubscribe()
	if _, err := q.Enqueue(ctx, bookmarkRequest("u1", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue after unsubscribe: %v", err)
	}
	mu.Lock()
	after := len(kinds)
	mu.Unlock()
	if after != len(want) {
		t.Fatalf("unsubscribed listener still notified")
	}
}

func TestClearUserQueueScopesToUser(t *testing.T) {
	d := &fakeDeliverer{}
	q, _ := newTestQueue(t, d)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, bookmarkRequest("u1", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	if _, err := q.Enqueue(ctx, bookmarkRequest("u2", domain.PriorityNormal)); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}

	if err := q.ClearUserQueue(ctx, "u1"); err != nil {
		t.Fatalf("clear user queue: %v", err)
	}
	if n, _ := q.PendingCount(ctx, "u1"); n != 0 {
		t.Fatalf("u1 queue should be empty, got %d", n)
	}
	if n, _ := q.PendingCount(ctx, "u2"); n != 1 {
		t.Fatalf("u2 queue should be untouched, got %d", n)
	}
}
