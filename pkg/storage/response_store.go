// Package storage provides the response stores behind the edge cache.
// Entries are replaced whole so concurrent readers observe either the old or
// the new response, never a partial write.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when no response is stored under a key.
var ErrNotFound = errors.New("cached response not found")

// CachedResponse is a fully buffered HTTP response.
type CachedResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *CachedResponse) Clone() *CachedResponse {
	if c == nil {
		return nil
	}
	out := &CachedResponse{
		StatusCode: c.StatusCode,
		Header:     c.Header.Clone(),
		Body:       append([]byte(nil), c.Body...),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// ResponseStore persists cached responses keyed by request URL.
type ResponseStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
	Close() error
}

func marshalResponse(resp *CachedResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode cached response: %w", err)
	}
	return data, nil
}

func unmarshalResponse(data []byte) (*CachedResponse, error) {
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return &resp, nil
}
