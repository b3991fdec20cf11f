package syncqueue

import (
	"context"
	"fmt"
	"net/http"

	"shelfsync/pkg/domain"
)

// Typed convenience wrappers over Enqueue for the UI layer. Each wrapper
// picks the endpoint, priority band, and payload shape for its operation.

type ProgressUpdate struct {
	Chapter        int     `json:"chapter"`
	Position       int     `json:"position"`
	ScrollFraction float64 `json:"scrollFraction"`
}

type Bookmark struct {
	Chapter  int    `json:"chapter"`
	Position int    `json:"position"`
	Note     string `json:"note,omitempty"`
}

type Highlight struct {
	Chapter int    `json:"chapter"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Color   string `json:"color,omitempty"`
}

// QueueProgressUpdate overwrites the local reading-progress snapshot and
// queues its delivery at critical priority. Reading position is the write
// the last-chance flush protects, hence the band.
func (q *Queue) QueueProgressUpdate(ctx context.Context, userID, bookID string, update ProgressUpdate) (string, error) {
	progress := domain.ReadingProgress{
		UserID:         userID,
		BookID:         bookID,
		Chapter:        update.Chapter,
		Position:       update.Position,
		ScrollFraction: update.ScrollFraction,
		UpdatedAt:      q.now(),
		Synced:         false,
	}
	if err := q.store.SaveProgress(ctx, progress); err != nil {
		return "", err
	}
	return q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpProgress,
		Endpoint: q.endpoint(http.MethodPut, "/api/books/%s/progress", bookID),
		Body:     update,
		UserID:   userID,
		BookID:   bookID,
		Priority: domain.PriorityCritical,
	})
}

// QueueBookmark queues a bookmark creation at high priority.
func (q *Queue) QueueBookmark(ctx context.Context, userID, bookID string, bookmark Bookmark) (string, error) {
	return q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpBookmark,
		Endpoint: q.endpoint(http.MethodPost, "/api/books/%s/bookmarks", bookID),
		Body:     bookmark,
		UserID:   userID,
		BookID:   bookID,
		Priority: domain.PriorityHigh,
	})
}

// QueueHighlight queues a highlight creation.
func (q *Queue) QueueHighlight(ctx context.Context, userID, bookID string, highlight Highlight) (string, error) {
	return q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpHighlight,
		Endpoint: q.endpoint(http.MethodPost, "/api/books/%s/highlights", bookID),
		Body:     highlight,
		UserID:   userID,
		BookID:   bookID,
	})
}

// QueueReadingSession queues a reading-session event (start, pause, end).
func (q *Queue) QueueReadingSession(ctx context.Context, userID, bookID, action string, data map[string]any) (string, error) {
	body := map[string]any{"bookId": bookID, "action": action}
	for k, v := range data {
		body[k] = v
	}
	return q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpReadingSession,
		Endpoint: q.endpoint(http.MethodPost, "/api/reading-sessions"),
		Body:     body,
		UserID:   userID,
		BookID:   bookID,
	})
}

// QueueAssetGeneration queues a request to generate the image for an
// extracted description, at low priority.
func (q *Queue) QueueAssetGeneration(ctx context.Context, userID, bookID, descriptionID string) (string, error) {
	return q.Enqueue(ctx, EnqueueRequest{
		Type:     domain.OpAssetGeneration,
		Endpoint: q.endpoint(http.MethodPost, "/api/books/%s/descriptions/%s/generate", bookID, descriptionID),
		UserID:   userID,
		BookID:   bookID,
		Priority: domain.PriorityLow,
	})
}

func (q *Queue) endpoint(method, format string, args ...any) domain.Endpoint {
	path := format
	if len(args) > 0 {
		path = fmt.Sprintf(format, args...)
	}
	return domain.Endpoint{URL: q.baseURL + path, Method: method}
}
