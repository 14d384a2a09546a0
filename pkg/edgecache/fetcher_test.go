package edgecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-edge/pkg/background"
	"github.com/polisai/polis-edge/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type origin struct {
	calls  atomic.Int64
	status atomic.Int64
	srv    *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.status.Store(http.StatusOK)
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := o.calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(int(o.status.Load()))
		fmt.Fprintf(w, "version-%d", n)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newFixture(t *testing.T) (*Fetcher, *origin, *storage.MemoryResponseStore, *fakeClock, *background.Group) {
	t.Helper()
	o := newOrigin(t)
	store := storage.NewMemoryResponseStore()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	group := background.New(nil)
	f := NewFetcher(store, o.srv.Client(), group, WithClock(clock.Now))
	return f, o, store, clock, group
}

func fetchBody(t *testing.T, f *Fetcher, rawURL string, ttl time.Duration) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	resp, err := f.Fetch(context.Background(), req, ttl)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestFetchMissStoresStampedCopy(t *testing.T) {
	f, o, store, clock, _ := newFixture(t)
	target := o.srv.URL + "/;exp1=1/pricing"

	resp, body := fetchBody(t, f, target, 0)

	assert.Equal(t, "version-1", body)
	assert.Empty(t, resp.Header.Get(TimestampHeader), "the returned response is the unstamped original")
	assert.Equal(t, int64(1), o.calls.Load())

	stored, err := store.Get(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(clock.Now().UnixMilli()), stored.Header.Get(TimestampHeader))
	assert.Equal(t, "s-maxage=31536000", stored.Header.Get("Cache-Control"))
	assert.Equal(t, "version-1", string(stored.Body))
}

func TestFetchFreshHitMakesNoOriginCall(t *testing.T) {
	f, o, _, clock, group := newFixture(t)
	target := o.srv.URL + "/"

	fetchBody(t, f, target, 5*time.Second)
	clock.Advance(4 * time.Second)
	_, body := fetchBody(t, f, target, 5*time.Second)

	require.NoError(t, group.Wait(context.Background()))
	assert.Equal(t, "version-1", body)
	assert.Equal(t, int64(1), o.calls.Load())
}

func TestFetchStaleServesCachedAndRefreshesOnce(t *testing.T) {
	f, o, store, clock, group := newFixture(t)
	target := o.srv.URL + "/pricing"

	fetchBody(t, f, target, 5*time.Second)
	clock.Advance(6 * time.Second)

	_, body := fetchBody(t, f, target, 5*time.Second)
	assert.Equal(t, "version-1", body, "stale content is served immediately")

	require.NoError(t, group.Wait(context.Background()))
	assert.Equal(t, int64(2), o.calls.Load(), "exactly one background refresh")

	stored, err := store.Get(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "version-2", string(stored.Body))
	assert.Equal(t, fmt.Sprint(clock.Now().UnixMilli()), stored.Header.Get(TimestampHeader))
}

func TestFetchMissingTimestampIsStale(t *testing.T) {
	f, o, store, _, group := newFixture(t)
	target := o.srv.URL + "/legacy"

	require.NoError(t, store.Put(context.Background(), target, &storage.CachedResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("unstamped"),
	}))

	_, body := fetchBody(t, f, target, time.Hour)
	assert.Equal(t, "unstamped", body)

	require.NoError(t, group.Wait(context.Background()))
	assert.Equal(t, int64(1), o.calls.Load())
}

func TestFetchDoesNotStoreUncacheableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusPartialContent, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f, o, store, _, _ := newFixture(t)
			o.status.Store(int64(status))
			target := o.srv.URL + "/page"

			resp, _ := fetchBody(t, f, target, 0)
			assert.Equal(t, status, resp.StatusCode)

			_, err := store.Get(context.Background(), target)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*storage.CachedResponse, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) Put(context.Context, string, *storage.CachedResponse) error {
	return errors.New("connection reset")
}

func (brokenStore) Close() error { return nil }

func TestFetchStoreErrorsDegradeToMiss(t *testing.T) {
	o := newOrigin(t)
	f := NewFetcher(&brokenStore{}, o.srv.Client(), nil)

	_, body := fetchBody(t, f, o.srv.URL+"/", 0)
	assert.Equal(t, "version-1", body)
	_, body = fetchBody(t, f, o.srv.URL+"/", 0)
	assert.Equal(t, "version-2", body)
}

func TestFetchBypassesNonGet(t *testing.T) {
	f, o, store, _, _ := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, o.srv.URL+"/form", nil)
	require.NoError(t, err)
	resp, err := f.Fetch(context.Background(), req, 0)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int64(1), o.calls.Load())
	assert.Zero(t, store.Len())
}

func fetchHead(t *testing.T, f *Fetcher, rawURL string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	require.NoError(t, err)
	resp, err := f.Fetch(context.Background(), req, 0)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp
}

func TestFetchHeadDoesNotStoreEmptyBody(t *testing.T) {
	f, o, store, _, _ := newFixture(t)
	target := o.srv.URL + "/;exp1=1/pricing"

	resp := fetchHead(t, f, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, store.Len(), "a HEAD answer must not be stored")

	_, body := fetchBody(t, f, target, 0)
	assert.Equal(t, "version-2", body)
	assert.Equal(t, int64(2), o.calls.Load())
}

func TestFetchHeadServedFromGetEntry(t *testing.T) {
	f, o, store, _, _ := newFixture(t)
	target := o.srv.URL + "/pricing"

	_, body := fetchBody(t, f, target, 0)
	require.Equal(t, "version-1", body)

	resp := fetchHead(t, f, target)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1), o.calls.Load(), "the fresh GET entry answers the HEAD")

	_, body = fetchBody(t, f, target, 0)
	assert.Equal(t, "version-1", body)
	assert.Equal(t, 1, store.Len())
}

func TestSetDefaultTTL(t *testing.T) {
	f := NewFetcher(storage.NewMemoryResponseStore(), nil, nil, WithDefaultTTL(30*time.Second))
	assert.Equal(t, 30*time.Second, f.DefaultTTL())

	f.SetDefaultTTL(0)
	assert.Equal(t, DefaultTTL, f.DefaultTTL())
}
