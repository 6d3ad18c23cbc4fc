package collab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/faults"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// rangeServer serves content honoring Range requests the way a well-behaved
// origin does.
func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Content-Type", "video/mp4")
			return
		}
		body := content
		if rng := r.Header.Get("Range"); rng != "" {
			var offset int
			_, err := fmt.Sscanf(rng, "bytes=%d-", &offset)
			require.NoError(t, err)
			if offset >= len(content) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			body = content[offset:]
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe(t *testing.T) {
	content := []byte(strings.Repeat("x", 2048))
	srv := rangeServer(t, content)
	f := newTestFetcher()

	info, err := f.Probe(context.Background(), srv.URL+"/clip.mp4")
	assert.NoError(t, err)
	assert.Equal(t, int64(2048), info.TotalBytes)
	assert.Equal(t, "video/mp4", info.Format)
	assert.Equal(t, "clip.mp4", info.Title)
}

func TestFetchFullTransfer(t *testing.T) {
	content := []byte(strings.Repeat("payload-", 512))
	srv := rangeServer(t, content)
	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "out.part")

	var samples []FetchSample
	err := f.Fetch(context.Background(), srv.URL, dest, 0, FetchOptions{ChunkSize: 256}, func(s FetchSample) {
		samples = append(samples, s)
	})
	assert.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	assert.Equal(t, int64(len(content)), last.BytesWritten)
	assert.Equal(t, int64(len(content)), last.TotalBytes)
}

func TestFetchResumesFromOffset(t *testing.T) {
	content := []byte(strings.Repeat("abcdefgh", 256))
	srv := rangeServer(t, content)
	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "out.part")

	// Simulate an interrupted transfer.
	offset := int64(1024)
	require.NoError(t, os.WriteFile(dest, content[:offset], 0o644))

	err := f.Fetch(context.Background(), srv.URL, dest, offset, FetchOptions{ChunkSize: 256}, nil)
	assert.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchRangeIgnoredIsCorruption(t *testing.T) {
	// Server that always replies 200 with the full body, ignoring Range.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("full body every time"))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "out.part")

	err := f.Fetch(context.Background(), srv.URL, dest, 10, FetchOptions{}, nil)
	assert.Equal(t, faults.CodeCorruption, faults.CodeOf(err))
}

func TestFetchStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		code   faults.Code
	}{
		{http.StatusTooManyRequests, faults.CodeRateLimit},
		{http.StatusInsufficientStorage, faults.CodeQuota},
		{http.StatusUnsupportedMediaType, faults.CodeUnsupportedFormat},
		{http.StatusBadGateway, faults.CodeRemoteServer},
		{http.StatusForbidden, faults.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			f := newTestFetcher()
			dest := filepath.Join(t.TempDir(), "out.part")
			err := f.Fetch(context.Background(), srv.URL, dest, 0, FetchOptions{}, nil)
			assert.Equal(t, tc.code, faults.CodeOf(err))
		})
	}
}

func TestFetchCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "out.part")

	done := make(chan error, 1)
	go func() {
		done <- f.Fetch(ctx, srv.URL, dest, 0, FetchOptions{ChunkSize: 4}, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, faults.CodeCancelled, faults.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not stop on cancellation")
	}
}

func TestFetchQualityHeader(t *testing.T) {
	var gotQuality string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuality = r.Header.Get("X-Requested-Quality")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "out.part")
	err := f.Fetch(context.Background(), srv.URL, dest, 0, FetchOptions{Quality: "720p"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "720p", gotQuality)
}
