package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `{
	"schemaVersion": 1,
	"engines": {
		"7.0.0": {"url": "https://builds.example.com/7.0.0/engine.pkg", "signature": "abc123"},
		"7.1.0": {"url": "https://builds.example.com/7.1.0/engine.pkg", "signature": "def456"}
	}
}`

func newTestServer(t *testing.T, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestResolve(t *testing.T) {
	server, _ := newTestServer(t, testDocument)
	r := New(server.URL)

	entry, err := r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)
	assert.Equal(t, "7.0.0", entry.Version)
	assert.Equal(t, "https://builds.example.com/7.0.0/engine.pkg", entry.DownloadURL)
	assert.Equal(t, "abc123", entry.Signature)
}

func TestResolve_VersionNotFound(t *testing.T) {
	server, _ := newTestServer(t, testDocument)
	r := New(server.URL)

	_, err := r.Resolve(context.Background(), "9.9.9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestResolve_DocumentReused(t *testing.T) {
	server, requests := newTestServer(t, testDocument)
	r := New(server.URL, WithTTL(time.Hour))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "7.1.0")
	require.NoError(t, err)

	assert.Equal(t, int64(1), requests.Load())
}

func TestResolve_TTLExpiry(t *testing.T) {
	server, requests := newTestServer(t, testDocument)

	current := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	r := New(server.URL, WithTTL(time.Minute), WithClock(clock))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	_, err = r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), requests.Load())
}

func TestResolve_Invalidate(t *testing.T) {
	server, requests := newTestServer(t, testDocument)
	r := New(server.URL, WithTTL(time.Hour))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)

	r.Invalidate()

	_, err = r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), requests.Load())
}

func TestResolve_ServerError(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	r := New(server.URL, WithMaxRetries(1))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	// Transient failures are retried.
	assert.Equal(t, int64(2), requests.Load())
}

func TestResolve_ClientErrorNotRetried(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	r := New(server.URL, WithMaxRetries(3))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), requests.Load())
}

func TestResolve_Unreachable(t *testing.T) {
	r := New("http://127.0.0.1:1/manifest.json", WithMaxRetries(0))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolve_MalformedDocument(t *testing.T) {
	server, requests := newTestServer(t, "{not json")
	r := New(server.URL, WithMaxRetries(3))

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	// Malformed documents will not improve with retries.
	assert.Equal(t, int64(1), requests.Load())
}

func TestResolve_LegacyFlatDocument(t *testing.T) {
	server, _ := newTestServer(t, `{"7.0.0": {"url": "https://builds.example.com/legacy.pkg", "signature": "abc123"}}`)
	r := New(server.URL)

	entry, err := r.Resolve(context.Background(), "7.0.0")
	require.NoError(t, err)
	assert.Equal(t, "https://builds.example.com/legacy.pkg", entry.DownloadURL)
}

func TestResolve_IncompleteEntry(t *testing.T) {
	server, _ := newTestServer(t, `{"schemaVersion": 1, "engines": {"7.0.0": {"url": "", "signature": ""}}}`)
	r := New(server.URL)

	_, err := r.Resolve(context.Background(), "7.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolve_ConcurrentFetchCollapses(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, testDocument)
	}))
	defer server.Close()

	r := New(server.URL, WithTTL(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "7.0.0")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), requests.Load())
}
