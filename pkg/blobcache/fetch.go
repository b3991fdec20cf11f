package blobcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
)

const maxFetchAttempts = 3

// fetcher downloads asset bytes over HTTP with bounded in-call retries.
type fetcher struct {
	client  *http.Client
	headers HeaderFunc
}

func newFetcher(headers HeaderFunc) *fetcher {
	return &fetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		headers: headers,
	}
}

func (f *fetcher) fetch(ctx context.Context, url string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := retry.Do(
		func() error {
			var err error
			data, mimeType, err = f.fetchOnce(ctx, url)
			return err
		},
		retry.Attempts(maxFetchAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Delay(500*time.Millisecond),
	)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

func (f *fetcher) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if f.headers != nil {
		for k, v := range f.headers() {
			req.Header.Set(k, v)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch asset: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read asset body: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}
