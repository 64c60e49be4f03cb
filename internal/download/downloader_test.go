package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	content := []byte("engine package bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs)

	written, err := d.Fetch(context.Background(), server.URL, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), written)

	got, err := util.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetch_Progress(t *testing.T) {
	content := make([]byte, 200*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs, WithProgressInterval(0))

	var calls atomic.Int64
	var lastWritten, lastTotal atomic.Int64
	progress := func(written, total int64) {
		calls.Add(1)
		lastWritten.Store(written)
		lastTotal.Store(total)
	}

	written, err := d.Fetch(context.Background(), server.URL, dest, progress)
	require.NoError(t, err)

	assert.Positive(t, calls.Load())
	// The final report always reflects the completed transfer.
	assert.Equal(t, written, lastWritten.Load())
	assert.Equal(t, int64(len(content)), lastTotal.Load())
}

func TestFetch_ProgressThrottled(t *testing.T) {
	content := make([]byte, 512*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs, WithProgressInterval(time.Hour))

	var calls atomic.Int64
	_, err := d.Fetch(context.Background(), server.URL, dest, func(written, total int64) {
		calls.Add(1)
	})
	require.NoError(t, err)

	// With an hour-long interval only the final report fires.
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetch_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Zero-length body with an explicit Content-Length of 0.
	}))
	defer server.Close()

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs, WithProgressInterval(0))

	lastTotal := atomic.Int64{}
	lastTotal.Store(-5)
	written, err := d.Fetch(context.Background(), server.URL, dest, func(written, total int64) {
		lastTotal.Store(total)
	})
	require.NoError(t, err)
	assert.Zero(t, written)
	// A known-empty package reports total 0, not "size unknown".
	assert.Equal(t, int64(0), lastTotal.Load())

	got, err := util.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetch_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs)

	_, err := d.Fetch(context.Background(), server.URL, dest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial file must not remain")
}

func TestFetch_Unreachable(t *testing.T) {
	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs)

	_, err := d.Fetch(context.Background(), "http://127.0.0.1:1/nothing", dest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetch_Cancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 64*1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	fs := osfs.New("/")
	dest := filepath.Join(t.TempDir(), "pkg")
	d := New(fs, WithProgressInterval(0))

	ctx, cancel := context.WithCancel(context.Background())
	progress := func(written, total int64) {
		cancel()
	}

	_, err := d.Fetch(ctx, server.URL, dest, progress)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial file must not remain after cancellation")
}
