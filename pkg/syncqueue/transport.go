package syncqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"context"

	"shelfsync/pkg/domain"
)

// HeaderFunc supplies auth headers attached to every delivery. The queue
// never manages credentials; it sends whatever it is handed at drain time.
type HeaderFunc func() map[string]string

// Deliverer sends one queued operation to the remote service.
type Deliverer interface {
	Deliver(ctx context.Context, op domain.SyncOperation) error
}

// HTTPDeliverer delivers operations over plain HTTP using the operation's
// endpoint descriptor.
type HTTPDeliverer struct {
	client  *http.Client
	headers HeaderFunc
}

func NewHTTPDeliverer(headers HeaderFunc) *HTTPDeliverer {
	return &HTTPDeliverer{
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: headers,
	}
}

// Deliver issues the operation's request. Any non-2xx status or transport
// error (timeouts included) is a failure; retry policy lives in the queue.
func (d *HTTPDeliverer) Deliver(ctx context.Context, op domain.SyncOperation) error {
	var body *bytes.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, op.Endpoint.Method, op.Endpoint.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if len(op.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range op.Endpoint.Headers {
		req.Header.Set(k, v)
	}
	if d.headers != nil {
		for k, v := range d.headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("deliver: %s", msg)
	}
	return nil
}
