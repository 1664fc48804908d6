package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{MaxRetries: 2, ProbeAttempts: 2, RetryBackoff: time.Millisecond}
}

func requireNoTempArtifacts(t *testing.T, outputPath string) {
	t.Helper()
	_, err := os.Stat(tempDirFor(outputPath))
	assert.True(t, os.IsNotExist(err), "temp directory must be purged")
}

func TestTransferMultiSegment(t *testing.T) {
	body := testBody(10_000_000)
	var mu sync.Mutex
	inFlight, maxInFlight, gets := 0, 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			gets++
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
			}()
		}
		http.ServeContent(w, r, "data.bin", time.Unix(0, 0), bytes.NewReader(body))
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    10,
		ChunkSize:  1024 * 1024,
	}, fastOptions())
	require.NoError(t, err)

	require.NoError(t, coord.Run(context.Background()))
	assert.Equal(t, StateComplete, coord.State())
	assert.Len(t, coord.Segments(), 10)
	assert.Equal(t, int64(len(body)), coord.Progress().Done)
	assert.NotEqual(t, uuid.Nil, coord.ID())
	assert.Equal(t, int64(len(body)), coord.Info().Size)
	assert.True(t, coord.Info().SupportsRange)

	mu.Lock()
	assert.Equal(t, 10, gets)
	assert.LessOrEqual(t, maxInFlight, 10)
	mu.Unlock()

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferSingleStreamFallback(t *testing.T) {
	body := testBody(300_000)
	var gets atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		gets.Add(1)
		w.Write(body)
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    8,
		ChunkSize:  64 * 1024,
	}, fastOptions())
	require.NoError(t, err)

	require.NoError(t, coord.Run(context.Background()))
	assert.Equal(t, StateComplete, coord.State())
	assert.Equal(t, int32(1), gets.Load(), "no range support means a single unranged request")

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferSegmentFailureAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "200000")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    4,
		ChunkSize:  50_000,
	}, fastOptions())
	require.NoError(t, err)

	err = coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateAborted, coord.State())
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindSegment, kind)

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "no destination file on abort")
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferWaitAllSettlesSegments(t *testing.T) {
	body := testBody(400)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First segment never succeeds; the rest serve normally.
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "data.bin", time.Unix(0, 0), bytes.NewReader(body))
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	opts := fastOptions()
	opts.WaitAll = true
	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    2,
		ChunkSize:  100,
	}, opts)
	require.NoError(t, err)

	err = coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateAborted, coord.State())
	kind, ok := ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindSegment, kind)

	segments := coord.Segments()
	require.Len(t, segments, 4)
	assert.Equal(t, SegmentFailed, segments[0].State())
	for _, seg := range segments[1:] {
		assert.Equal(t, SegmentDone, seg.State(), "segment %d must settle before the abort surfaces", seg.Index)
	}

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "no destination file on abort")
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferEmptyResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "empty.bin", time.Unix(0, 0), bytes.NewReader(nil))
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "empty.bin")
	coord, err := New(TransferRequest{
		URL:        server.URL + "/empty.bin",
		OutputPath: outputPath,
		Workers:    4,
		ChunkSize:  1024,
	}, fastOptions())
	require.NoError(t, err)

	require.NoError(t, coord.Run(context.Background()))
	assert.Equal(t, StateComplete, coord.State())
	assert.Empty(t, coord.Segments())

	info, err := os.Stat(outputPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "100000")
			return
		}
		w.Header().Set("Content-Range", "bytes 0-99999/100000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    2,
		ChunkSize:  100_000,
	}, fastOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err = coord.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, coord.State())

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr))
	requireNoTempArtifacts(t, outputPath)
}

func TestTransferAlreadyComplete(t *testing.T) {
	body := testBody(5000)
	server := rangeServer(body)
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(outputPath, body, 0644))

	coord, err := New(TransferRequest{
		URL:        server.URL + "/data.bin",
		OutputPath: outputPath,
		Workers:    2,
		ChunkSize:  1024,
	}, fastOptions())
	require.NoError(t, err)

	err = coord.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyComplete)

	data, readErr := os.ReadFile(outputPath)
	require.NoError(t, readErr)
	assert.Equal(t, body, data, "existing file untouched")
}

func TestTransferDerivedOutputPath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	body := testBody(2000)
	server := rangeServer(body)
	defer server.Close()

	coord, err := New(TransferRequest{
		URL:       server.URL + "/report.pdf",
		Workers:   2,
		ChunkSize: 1024,
	}, fastOptions())
	require.NoError(t, err)

	require.NoError(t, coord.Run(context.Background()))
	assert.Equal(t, "report.pdf", coord.OutputPath())

	data, err := os.ReadFile("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"zero workers", TransferRequest{URL: "http://example.com/a", Workers: 0, ChunkSize: 1024}},
		{"too many workers", TransferRequest{URL: "http://example.com/a", Workers: MaxWorkerCount + 1, ChunkSize: 1024}},
		{"zero chunk size", TransferRequest{URL: "http://example.com/a", Workers: 4, ChunkSize: 0}},
		{"negative chunk size", TransferRequest{URL: "http://example.com/a", Workers: 4, ChunkSize: -1}},
		{"unsupported scheme", TransferRequest{URL: "ftp://example.com/a", Workers: 4, ChunkSize: 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.req, Options{})
			require.Error(t, err)
			kind, ok := ErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, ErrKindConfig, kind)
		})
	}
}

func TestNewAcceptsBoundaryWorkerCounts(t *testing.T) {
	for _, workers := range []int{1, MaxWorkerCount} {
		_, err := New(TransferRequest{URL: "http://example.com/a", Workers: workers, ChunkSize: 1024}, Options{})
		assert.NoError(t, err)
	}
}
