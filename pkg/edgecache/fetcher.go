// Package edgecache fronts upstream HTTP fetches with a stale-while-revalidate
// response cache. Fresh entries are served without touching the upstream;
// stale entries are served immediately while one background refresh replaces
// them.
package edgecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-edge/pkg/background"
	"github.com/polisai/polis-edge/pkg/metrics"
	"github.com/polisai/polis-edge/pkg/storage"
	"github.com/polisai/polis-edge/pkg/telemetry"
)

const (
	// TimestampHeader records when a stored response was fetched, in unix milliseconds.
	TimestampHeader = "Cache-Timestamp"
	// storedCacheControl keeps stored copies around; freshness is decided from TimestampHeader.
	storedCacheControl = "s-maxage=31536000"

	// DefaultTTL applies when neither the call nor the configuration sets one.
	DefaultTTL = 5 * time.Second
)

// Fetcher performs cached upstream fetches.
type Fetcher struct {
	store      storage.ResponseStore
	client     *http.Client
	group      *background.Group
	logger     *slog.Logger
	metrics    *metrics.Metrics
	defaultTTL atomic.Int64
	now        func() time.Time
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithMetrics records cache outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithDefaultTTL sets the TTL used when Fetch is called without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.SetDefaultTTL(ttl) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher builds a Fetcher. The store is required; client defaults to
// http.DefaultClient and group to a fresh background.Group.
func NewFetcher(store storage.ResponseStore, client *http.Client, group *background.Group, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		store:  store,
		client: client,
		group:  group,
		now:    time.Now,
	}
	f.defaultTTL.Store(int64(DefaultTTL))
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.group == nil {
		f.group = background.New(f.logger)
	}
	return f
}

// SetDefaultTTL changes the default TTL. Non-positive values restore DefaultTTL.
func (f *Fetcher) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	f.defaultTTL.Store(int64(ttl))
}

// DefaultTTL reports the TTL used when Fetch is called without one.
func (f *Fetcher) DefaultTTL() time.Duration {
	return time.Duration(f.defaultTTL.Load())
}

// Key returns the cache key for req: its full URL.
func Key(req *http.Request) string {
	return req.URL.String()
}

// Fetch returns the response for req, serving from the cache when possible.
// ttl <= 0 uses the default TTL. Only GET responses are stored; a HEAD is
// answered from a fresh GET entry when one exists and otherwise goes upstream.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error) {
	if ttl <= 0 {
		ttl = f.DefaultTTL()
	}
	req = req.WithContext(ctx)

	span := trace.SpanFromContext(ctx)

	switch req.Method {
	case http.MethodGet:
	case http.MethodHead:
		return f.fetchHead(ctx, req, ttl)
	default:
		f.metrics.RecordCacheLookup(metrics.CacheBypass)
		span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheBypass))
		return f.client.Do(req)
	}

	key := Key(req)
	cached, err := f.store.Get(ctx, key)
	switch {
	case err == nil:
		if f.isStale(cached, ttl) {
			f.metrics.RecordCacheLookup(metrics.CacheStale)
			span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheStale))
			f.scheduleRefresh(ctx, req, key)
		} else {
			f.metrics.RecordCacheLookup(metrics.CacheHit)
			span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheHit))
		}
		return toResponse(cached, req), nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		f.metrics.RecordCacheStoreError("get")
		f.logger.Warn("response store read failed, treating as miss", "key", key, "error", err)
	}

	f.metrics.RecordCacheLookup(metrics.CacheMiss)
	span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheMiss))
	return f.fetchAndStore(ctx, req, key)
}

// fetchHead never writes to the store: the upstream answer to a HEAD has no
// body and would poison the entry later GETs read.
func (f *Fetcher) fetchHead(ctx context.Context, req *http.Request, ttl time.Duration) (*http.Response, error) {
	span := trace.SpanFromContext(ctx)
	key := Key(req)
	cached, err := f.store.Get(ctx, key)
	if err == nil && !f.isStale(cached, ttl) {
		f.metrics.RecordCacheLookup(metrics.CacheHit)
		span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheHit))
		resp := toResponse(cached, req)
		resp.Body = http.NoBody
		return resp, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		f.metrics.RecordCacheStoreError("get")
		f.logger.Warn("response store read failed, treating as miss", "key", key, "error", err)
	}
	f.metrics.RecordCacheLookup(metrics.CacheBypass)
	span.SetAttributes(telemetry.AttrCacheStatus.String(metrics.CacheBypass))
	return f.client.Do(req)
}

func (f *Fetcher) isStale(cached *storage.CachedResponse, ttl time.Duration) bool {
	raw := cached.Header.Get(TimestampHeader)
	if raw == "" {
		return true
	}
	stamp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	age := f.now().Sub(time.UnixMilli(stamp))
	return age > ttl
}

func (f *Fetcher) scheduleRefresh(ctx context.Context, req *http.Request, key string) {
	f.group.Go(ctx, "cache_refresh", func(ctx context.Context) error {
		resp, err := f.fetchAndStore(ctx, req.Clone(ctx), key)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		_ = resp.Body.Close()
		return nil
	})
}

// fetchAndStore calls the upstream, stores a stamped copy when the status is
// cacheable and returns the response as received.
func (f *Fetcher) fetchAndStore(ctx context.Context, req *http.Request, key string) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if !cacheable(resp.StatusCode) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	stored := &storage.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	stored.Header.Del("Content-Length")
	stored.Header.Set(TimestampHeader, strconv.FormatInt(f.now().UnixMilli(), 10))
	stored.Header.Set("Cache-Control", storedCacheControl)

	if err := f.store.Put(ctx, key, stored); err != nil {
		f.metrics.RecordCacheStoreError("put")
		f.logger.Warn("response store write failed", "key", key, "error", err)
	}
	return resp, nil
}

func cacheable(status int) bool {
	return status != http.StatusPartialContent && status < http.StatusInternalServerError
}

func toResponse(cached *storage.CachedResponse, req *http.Request) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cached.StatusCode, http.StatusText(cached.StatusCode)),
		StatusCode:    cached.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}
