package artifact

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newServer(t *testing.T, handler func(hit int32, w http.ResponseWriter)) *countingServer {
	t.Helper()
	srv := &countingServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handler(srv.hits.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestEnsureDownloadsOnceAndReuses(t *testing.T) {
	payload := strings.Repeat("weights", 1000)
	srv := newServer(t, func(_ int32, w http.ResponseWriter) {
		_, _ = w.Write([]byte(payload))
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.pt")

	fetcher, err := New(Config{URL: srv.URL, Path: path, ChunkSize: 64})
	require.NoError(t, err)

	got, err := fetcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, got)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(raw))

	_, err = fetcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, []string{"model.pt"}, listDir(t, filepath.Join(dir, "nested")))
}

func TestEnsureReusesExistingFileWithoutNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.pt")
	require.NoError(t, os.WriteFile(path, []byte("cached"), 0o644))

	fetcher, err := New(Config{URL: "http://127.0.0.1:1/unreachable", Path: path})
	require.NoError(t, err)
	got, err := fetcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestEnsureFailsOnErrorStatus(t *testing.T) {
	srv := newServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
	})
	dir := t.TempDir()
	fetcher, err := New(Config{URL: srv.URL, Path: filepath.Join(dir, "model.pt"), MaxRetries: 3, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = fetcher.Ensure(context.Background())
	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, transferErr.StatusCode)
	assert.Equal(t, int32(1), srv.hits.Load(), "4xx must not be retried")
	assert.Empty(t, listDir(t, dir))
}

func TestEnsureRetriesServerErrors(t *testing.T) {
	srv := newServer(t, func(hit int32, w http.ResponseWriter) {
		if hit < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	path := filepath.Join(t.TempDir(), "model.pt")
	fetcher, err := New(Config{URL: srv.URL, Path: path, MaxRetries: 3, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = fetcher.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), srv.hits.Load())
}

func TestEnsureGivesUpAfterMaxRetries(t *testing.T) {
	srv := newServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	fetcher, err := New(Config{URL: srv.URL, Path: filepath.Join(t.TempDir(), "model.pt"), MaxRetries: 2, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	_, err = fetcher.Ensure(context.Background())
	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, http.StatusBadGateway, transferErr.StatusCode)
	assert.Equal(t, int32(3), srv.hits.Load())
}

func TestEnsureVerifiesDigest(t *testing.T) {
	payload := []byte("parameter bytes")
	srv := newServer(t, func(_ int32, w http.ResponseWriter) {
		_, _ = w.Write(payload)
	})

	t.Run("match", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.pt")
		fetcher, err := New(Config{URL: srv.URL, Path: path, Digest: digest.FromBytes(payload).String()})
		require.NoError(t, err)
		_, err = fetcher.Ensure(context.Background())
		require.NoError(t, err)

		_, err = fetcher.Ensure(context.Background())
		require.NoError(t, err)
	})

	t.Run("mismatch", func(t *testing.T) {
		dir := t.TempDir()
		fetcher, err := New(Config{URL: srv.URL, Path: filepath.Join(dir, "model.pt"), Digest: digest.FromString("other").String()})
		require.NoError(t, err)
		_, err = fetcher.Ensure(context.Background())
		assert.ErrorIs(t, err, ErrDigestMismatch)
		assert.Empty(t, listDir(t, dir))
	})

	t.Run("tampered file on disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.pt")
		require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
		fetcher, err := New(Config{URL: srv.URL, Path: path, Digest: digest.FromBytes(payload).String()})
		require.NoError(t, err)
		_, err = fetcher.Ensure(context.Background())
		assert.ErrorIs(t, err, ErrDigestMismatch)
	})
}

func TestEnsureTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	fetcher, err := New(Config{URL: srv.URL, Path: filepath.Join(t.TempDir(), "model.pt"), Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = fetcher.Ensure(context.Background())
	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr), "got %v", err)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{URL: "http://example.invalid"})
	require.Error(t, err)

	_, err = New(Config{Path: "model.pt", Digest: "not-a-digest"})
	require.Error(t, err)
}

func TestEnsureWithoutURLFailsWhenMissing(t *testing.T) {
	fetcher, err := New(Config{Path: filepath.Join(t.TempDir(), "model.pt")})
	require.NoError(t, err)
	_, err = fetcher.Ensure(context.Background())
	require.Error(t, err)
}
