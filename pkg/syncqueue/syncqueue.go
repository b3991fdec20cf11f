// Package syncqueue persists mutating operations while the client is offline
// and drives their delivery once connectivity returns. Operations are
// deduplicated (one pending progress update per book), drained in priority
// order, and retried up to a bounded attempt budget before being parked as
// failed for user-visible acknowledgement.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"shelfsync/internal/metrics"
	"shelfsync/internal/util"
	"shelfsync/pkg/domain"
	"shelfsync/pkg/store"
)

// defaultMaxRetries is the total delivery attempts an operation gets before
// it is parked as failed.
const defaultMaxRetries = 3

type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventDelivered EventKind = "delivered"
	EventFailed    EventKind = "failed"
	EventCleared   EventKind = "cleared"
	EventRetrying  EventKind = "retrying"
)

// Event notifies subscribers that the queue changed.
type Event struct {
	Kind   EventKind
	UserID string
	OpID   string
	OpType domain.OpType
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered int
	Requeued  int
	Failed    int
}

type Config struct {
	Deliverer Deliverer
	// RemoteBaseURL anchors the endpoints built by the typed wrappers.
	RemoteBaseURL string
	MaxRetries    int
	Now           func() time.Time
	NewID         func() string
}

// Queue is the durable sync queue over the local store's operation table.
type Queue struct {
	store      store.Store
	deliverer  Deliverer
	baseURL    string
	maxRetries int
	now        func() time.Time
	newID      func() string

	flight singleflight.Group

	mu          sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int
	enqueueHook func()
}

func New(st store.Store, cfg Config) (*Queue, error) {
	if cfg.Deliverer == nil {
		return nil, fmt.Errorf("syncqueue: deliverer is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = util.NewOperationID
	}
	return &Queue{
		store:       st,
		deliverer:   cfg.Deliverer,
		baseURL:     strings.TrimRight(cfg.RemoteBaseURL, "/"),
		maxRetries:  cfg.MaxRetries,
		now:         cfg.Now,
		newID:       cfg.NewID,
		subscribers: make(map[int]func(Event)),
	}, nil
}

// EnqueueRequest describes one operation to queue. Priority defaults to
// normal and MaxRetries to the queue default when left zero.
type EnqueueRequest struct {
	Type       domain.OpType
	Endpoint   domain.Endpoint
	Body       any
	UserID     string
	BookID     string
	Priority   domain.Priority
	MaxRetries int
}

// Enqueue persists an operation and returns its id. A progress enqueue first
// removes any pending progress operation for the same (user, book) so only
// the newest position survives. The operation is durable before Enqueue
// returns; delivery is triggered asynchronously through the scheduler hook.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.Endpoint.Validate(); err != nil {
		return "", err
	}
	if req.UserID == "" {
		return "", fmt.Errorf("syncqueue: user id is required")
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = q.maxRetries
	}

	var body []byte
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return "", fmt.Errorf("marshal body: %w", err)
		}
		body = raw
	}

	if req.Type == domain.OpProgress {
		if _, err := q.store.DeletePendingProgress(ctx, req.UserID, req.BookID); err != nil {
			return "", err
		}
	}

	op := domain.SyncOperation{
		ID:         q.newID(),
		Type:       req.Type,
		Endpoint:   req.Endpoint,
		Body:       body,
		UserID:     req.UserID,
		BookID:     req.BookID,
		Priority:   req.Priority,
		CreatedAt:  q.now(),
		MaxRetries: req.MaxRetries,
		Status:     domain.OpPending,
	}
	if err := q.store.CreateOperation(ctx, op); err != nil {
		return "", err
	}
	q.updatePendingGauge(ctx, req.UserID)
	q.notify(Event{Kind: EventEnqueued, UserID: req.UserID, OpID: op.ID, OpType: op.Type})

	q.mu.Lock()
	hook := q.enqueueHook
	q.mu.Unlock()
	if hook != nil {
		hook()
	}
	return op.ID, nil
}

// OnEnqueue registers the scheduler's after-enqueue hook, called once per
// successful Enqueue after the operation is durable.
func (q *Queue) OnEnqueue(fn func()) {
	q.mu.Lock()
	q.enqueueHook = fn
	q.mu.Unlock()
}

// ProcessQueue drains all pending operations in priority order, FIFO within
// a band. Overlapping calls join the in-flight drain instead of processing
// operations twice.
func (q *Queue) ProcessQueue(ctx context.Context) (DrainResult, error) {
	v, err, _ := q.flight.Do("drain", func() (any, error) {
		return q.drain(ctx)
	})
	if err != nil {
		return DrainResult{}, err
	}
	return v.(DrainResult), nil
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	metrics.Drains.Inc()
	ops, err := q.store.ListPendingOperations(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	var res DrainResult
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		outcome, err := q.deliverOne(ctx, op)
		if err != nil {
			return res, err
		}
		switch outcome {
		case domain.OpStatus(""):
			res.Delivered++
		case domain.OpPending:
			res.Requeued++
		case domain.OpFailed:
			res.Failed++
		}
	}
	if len(ops) > 0 {
		slog.Info("queue drained",
			"delivered", res.Delivered, "requeued", res.Requeued, "failed", res.Failed)
	}
	return res, nil
}

// deliverOne attempts one operation. The empty status return means the
// operation delivered and its row is gone.
func (q *Queue) deliverOne(ctx context.Context, op domain.SyncOperation) (domain.OpStatus, error) {
	if err := q.store.MarkSyncing(ctx, op.ID); err != nil {
		return "", err
	}

	deliverErr := q.deliverer.Deliver(ctx, op)
	if deliverErr == nil {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return "", err
		}
		if op.Type == domain.OpProgress {
			if err := q.store.MarkProgressSynced(ctx, op.UserID, op.BookID); err != nil {
				slog.Warn("mark progress synced", "op", op.ID, "err", err)
			}
		}
		metrics.Delivered.Inc()
		q.updatePendingGauge(ctx, op.UserID)
		q.notify(Event{Kind: EventDelivered, UserID: op.UserID, OpID: op.ID, OpType: op.Type})
		return "", nil
	}

	// A cancelled drain is a no-op for the operation: back to pending with
	// no retry charged. The requeue write runs on a detached context; the
	// cancelled one would fail it and leave the row stuck in syncing.
	if ctx.Err() != nil {
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := q.store.RecordAttempt(requeueCtx, op.ID, op.Retries, domain.OpPending, op.LastError); err != nil {
			slog.Warn("requeue cancelled op", "op", op.ID, "err", err)
		}
		return domain.OpPending, nil
	}

	metrics.DeliveryFailures.Inc()
	retries := op.Retries + 1
	status := domain.OpPending
	if retries >= op.MaxRetries {
		status = domain.OpFailed
	}
	if err := q.store.RecordAttempt(ctx, op.ID, retries, status, deliverErr.Error()); err != nil {
		return "", err
	}
	if status == domain.OpFailed {
		slog.Warn("operation failed permanently",
			"op", op.ID, "type", op.Type, "retries", retries, "err", deliverErr)
		q.updatePendingGauge(ctx, op.UserID)
		q.notify(Event{Kind: EventFailed, UserID: op.UserID, OpID: op.ID, OpType: op.Type})
	}
	return status, nil
}

// RetryFailed returns every failed operation to pending with a fresh retry
// budget, then drains.
func (q *Queue) RetryFailed(ctx context.Context) (DrainResult, error) {
	n, err := q.store.ResetFailed(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if n > 0 {
		q.notify(Event{Kind: EventRetrying})
	}
	return q.ProcessQueue(ctx)
}

// PendingCount returns a user's pending operations.
func (q *Queue) PendingCount(ctx context.Context, userID string) (int64, error) {
	return q.store.CountOperations(ctx, userID, domain.OpPending)
}

// HasPending reports whether any user has pending work.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	n, err := q.store.CountAllOperations(ctx, domain.OpPending)
	return n > 0, err
}

// CriticalPending returns critical-priority pending operations, FIFO. The
// delivery scheduler snapshots these during teardown.
func (q *Queue) CriticalPending(ctx context.Context) ([]domain.SyncOperation, error) {
	return q.store.ListCriticalPending(ctx)
}

// FailedCount returns a user's failed operations.
func (q *Queue) FailedCount(ctx context.Context, userID string) (int64, error) {
	return q.store.CountOperations(ctx, userID, domain.OpFailed)
}

// ListOperations returns a user's full operation list in drain order.
func (q *Queue) ListOperations(ctx context.Context, userID string) ([]domain.SyncOperation, error) {
	return q.store.ListOperations(ctx, userID)
}

// ClearUserQueue removes every operation of one user.
func (q *Queue) ClearUserQueue(ctx context.Context, userID string) error {
	if err := q.store.DeleteOperationsForUser(ctx, userID); err != nil {
		return err
	}
	q.updatePendingGauge(ctx, userID)
	q.notify(Event{Kind: EventCleared, UserID: userID})
	return nil
}

// ClearFailed removes every failed operation.
func (q *Queue) ClearFailed(ctx context.Context) error {
	if err := q.store.DeleteFailedOperations(ctx); err != nil {
		return err
	}
	q.notify(Event{Kind: EventCleared})
	return nil
}

// ClearQueue empties the operation table.
func (q *Queue) ClearQueue(ctx context.Context) error {
	if err := q.store.DeleteAllOperations(ctx); err != nil {
		return err
	}
	metrics.PendingOps.Set(0)
	q.notify(Event{Kind: EventCleared})
	return nil
}

// Subscribe registers a queue-changed listener and returns its unsubscribe
// function. Listeners run synchronously; keep them cheap.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

func (q *Queue) notify(evt Event) {
	q.mu.Lock()
	subs := make([]func(Event), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		subs = append(subs, fn)
	}
	q.mu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

func (q *Queue) updatePendingGauge(ctx context.Context, userID string) {
	if n, err := q.store.CountOperations(ctx, userID, domain.OpPending); err == nil {
		metrics.PendingOps.Set(float64(n))
	}
}
