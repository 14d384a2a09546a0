package storage

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResponse(body string) *CachedResponse {
	return &CachedResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}
}

func TestMemoryResponseStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResponseStore()
	defer store.Close()

	_, err := store.Get(ctx, "https://example.com/")
	assert.ErrorIs(t, err, ErrNotFound)

	original := sampleResponse("v1")
	require.NoError(t, store.Put(ctx, "https://example.com/", original))

	// Mutating the caller's copy must not leak into the store.
	original.Body[0] = 'x'
	original.Header.Set("Content-Type", "text/plain")

	got, err := store.Get(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Body))
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryResponseStoreConcurrentReplace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryResponseStore()
	require.NoError(t, store.Put(ctx, "k", sampleResponse("old")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Put(ctx, "k", sampleResponse("new"))
		}()
		go func() {
			defer wg.Done()
			got, err := store.Get(ctx, "k")
			if assert.NoError(t, err) {
				assert.Contains(t, []string{"old", "new"}, string(got.Body))
			}
		}()
	}
	wg.Wait()
}

func TestResponseEncoding(t *testing.T) {
	resp := sampleResponse("<html></html>")
	resp.Header.Set("Cache-Timestamp", "1700000000000")

	data, err := marshalResponse(resp)
	require.NoError(t, err)

	decoded, err := unmarshalResponse(data)
	require.NoError(t, err)
	assert.Equal(t, resp.StatusCode, decoded.StatusCode)
	assert.Equal(t, resp.Body, decoded.Body)
	assert.Equal(t, "1700000000000", decoded.Header.Get("Cache-Timestamp"))

	_, err = unmarshalResponse([]byte("not json"))
	assert.Error(t, err)
}

func TestRedisResponseStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := NewRedisResponseStoreWithClient(client, RedisOptions{KeyPrefix: "edge:"})
	defer store.Close()

	_, err := store.Get(context.Background(), "https://example.com/")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	err = store.Put(context.Background(), "https://example.com/", sampleResponse("x"))
	assert.Error(t, err)
	assert.Equal(t, "edge:https://example.com/", store.key("https://example.com/"))
}

func TestRedisResponseStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewRedisResponseStoreWithClient(client, RedisOptions{KeyPrefix: "edge:", Expiration: time.Minute})
	defer store.Close()

	require.NoError(t, store.Ping(ctx))

	_, err := store.Get(ctx, "https://example.com/;exp1=1/pricing")
	assert.ErrorIs(t, err, ErrNotFound)

	resp := sampleResponse("<html>v1</html>")
	resp.Header.Set("Cache-Timestamp", "1700000000000")
	require.NoError(t, store.Put(ctx, "https://example.com/;exp1=1/pricing", resp))

	assert.True(t, server.Exists("edge:https://example.com/;exp1=1/pricing"))
	assert.Equal(t, time.Minute, server.TTL("edge:https://example.com/;exp1=1/pricing"))

	got, err := store.Get(ctx, "https://example.com/;exp1=1/pricing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "<html>v1</html>", string(got.Body))
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
	assert.Equal(t, "1700000000000", got.Header.Get("Cache-Timestamp"))

	require.NoError(t, store.Put(ctx, "https://example.com/;exp1=1/pricing", sampleResponse("<html>v2</html>")))
	got, err = store.Get(ctx, "https://example.com/;exp1=1/pricing")
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(got.Body))

	server.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "https://example.com/;exp1=1/pricing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisResponseStoreCorruptEntry(t *testing.T) {
	server := miniredis.RunT(t)
	require.NoError(t, server.Set("edge:k", "not json"))

	store := NewRedisResponseStoreWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}), RedisOptions{KeyPrefix: "edge:"})
	defer store.Close()

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
