package dlcore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func rangeServingHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if start < 0 || end >= len(content) || start > end {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}
}

func newTestRegistry(client *http.Client) *PluginRegistry {
	r := NewPluginRegistry()
	r.RegisterResolver(NewHTTPResolver())
	r.RegisterResolver(NewGitHubResolver())
	r.RegisterDriver(NewHTTPDriver(client))
	return r
}

func TestEngineDownloadsMultiFragmentFileEndToEnd(t *testing.T) {
	// MinChunkSize clamps any smaller chunk size up to 1MB, so the content
	// must exceed that to actually exercise multiple fragments per item.
	content := bytes.Repeat([]byte("0123456789"), 250_000) // 2,500,000 bytes
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	eng, err := New(Config{
		OutDir:      outDir,
		Concurrency: 3,
		ChunkSize:   1 * MB,
		Retries:     2,
		Fs:          memFs,
	}, newTestRegistry(srv.Client()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	jobID := eng.AddAndStart(context.Background(), []LinkInput{{Raw: srv.URL + "/archive.bin"}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, jobID); err != nil {
		t.Fatalf("wait job: %v", err)
	}

	status, ok := eng.JobStatusOf(jobID)
	if !ok || status != JobCompleted {
		t.Fatalf("job status = %v (ok=%v), want completed", status, ok)
	}

	finalPath := filepath.Join(outDir, "archive.bin")
	got, err := afero.ReadFile(memFs, finalPath)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("assembled content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

func TestEngineFallsBackToWholeFileWhenRangesNotHonored(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefghij"), 250_000) // would be 3 fragments if ranged
	var plainGets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Accept-Ranges", "bytes") // advertised but not honored
			return
		}
		if r.Header.Get("Range") == "" {
			atomic.AddInt32(&plainGets, 1)
		}
		// Ignore any Range header entirely and return the whole body.
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	eng, err := New(Config{OutDir: outDir, Concurrency: 3, ChunkSize: 1 * MB, Fs: memFs}, newTestRegistry(srv.Client()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	jobID := eng.AddAndStart(context.Background(), []LinkInput{{Raw: srv.URL + "/whole.bin"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, jobID); err != nil {
		t.Fatalf("wait job: %v", err)
	}
	if status, _ := eng.JobStatusOf(jobID); status != JobCompleted {
		t.Fatalf("status = %v, want completed", status)
	}

	got, err := afero.ReadFile(memFs, filepath.Join(outDir, "whole.bin"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(content))
	}
	if n := atomic.LoadInt32(&plainGets); n != 1 {
		t.Fatalf("expected exactly one whole-file GET, got %d", n)
	}
}

func TestEngineResumesOnlyPendingFragments(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 250_000) // 3 fragments at 1 MB
	var phase int32 = 1
	var phase2RangeGets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// First run: the final fragment's range fails terminally, leaving
		// the first two fragments done in the store.
		if atomic.LoadInt32(&phase) == 1 && start >= 2*int(MB) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		isProbe := start == 0 && end == 0
		if atomic.LoadInt32(&phase) == 2 && !isProbe {
			atomic.AddInt32(&phase2RangeGets, 1)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	defer srv.Close()

	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	eng, err := New(Config{OutDir: outDir, Concurrency: 3, ChunkSize: 1 * MB, Fs: memFs}, newTestRegistry(srv.Client()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	input := []LinkInput{{Raw: srv.URL + "/resume.bin"}}

	first := eng.AddAndStart(context.Background(), input)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, first); err != nil {
		t.Fatalf("wait first job: %v", err)
	}
	if status, _ := eng.JobStatusOf(first); status != JobFailed {
		t.Fatalf("first run status = %v, want failed", status)
	}

	atomic.StoreInt32(&phase, 2)

	second := eng.AddAndStart(context.Background(), input)
	if err := eng.WaitJob(ctx, second); err != nil {
		t.Fatalf("wait second job: %v", err)
	}
	if status, _ := eng.JobStatusOf(second); status != JobCompleted {
		t.Fatalf("second run status = %v, want completed", status)
	}

	if n := atomic.LoadInt32(&phase2RangeGets); n != 1 {
		t.Fatalf("expected the resumed run to fetch exactly 1 fragment, got %d range GETs", n)
	}

	got, err := afero.ReadFile(memFs, filepath.Join(outDir, "resume.bin"))
	if err != nil {
		t.Fatalf("read resumed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("resumed content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestEngineJobFailsWhenNoResolverMatches(t *testing.T) {
	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	registry := NewPluginRegistry() // no resolvers registered
	eng, err := New(Config{OutDir: outDir, Fs: memFs}, registry)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	jobID := eng.AddAndStart(context.Background(), []LinkInput{{Raw: "ftp://example.com/x"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, jobID); err != nil {
		t.Fatalf("wait job: %v", err)
	}

	status, _ := eng.JobStatusOf(jobID)
	if status != JobFailed {
		t.Fatalf("status = %v, want failed", status)
	}
}

func TestEngineJobContinuesAfterResolveFailure(t *testing.T) {
	content := []byte("still downloaded")
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	eng, err := New(Config{OutDir: outDir, Fs: memFs}, newTestRegistry(srv.Client()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	sub := eng.Subscribe()
	defer sub.Unsubscribe()

	jobID := eng.AddAndStart(context.Background(), []LinkInput{
		{Raw: "magnet:?xt=nothing-can-resolve-this"},
		{Raw: srv.URL + "/ok.bin"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, jobID); err != nil {
		t.Fatalf("wait job: %v", err)
	}

	// One resolution failed, so the job ends Failed, but the resolvable
	// input must still have been downloaded to completion.
	if status, _ := eng.JobStatusOf(jobID); status != JobFailed {
		t.Fatalf("status = %v, want failed", status)
	}

	got, err := afero.ReadFile(memFs, filepath.Join(outDir, "ok.bin"))
	if err != nil {
		t.Fatalf("read second item: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch")
	}

	var sawResolveError, sawItemDone bool
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventError && ev.Scope == "resolve" {
				sawResolveError = true
			}
			if ev.Kind == EventItemStatusChanged && ev.ItemStatus == ItemDone {
				sawItemDone = true
			}
			if ev.Kind == EventJobStatusChanged && (ev.JobStatus == JobFailed || ev.JobStatus == JobCompleted) {
				done = true
			}
		default:
			done = true
		}
	}
	if !sawResolveError {
		t.Fatal("expected a scoped resolve Error event")
	}
	if !sawItemDone {
		t.Fatal("expected the second item to reach Done")
	}
}

func TestEngineDownloadsSingleSmallFragmentFile(t *testing.T) {
	small := bytes.Repeat([]byte("a"), 100)
	srv := httptest.NewServer(rangeServingHandler(small))
	defer srv.Close()

	memFs := afero.NewMemMapFs()
	outDir := t.TempDir()

	eng, err := New(Config{OutDir: outDir, Concurrency: 1, Fs: memFs}, newTestRegistry(srv.Client()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	jobID := eng.AddAndStart(context.Background(), []LinkInput{{Raw: srv.URL + "/f.bin"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitJob(ctx, jobID); err != nil {
		t.Fatalf("wait job: %v", err)
	}
	if status, _ := eng.JobStatusOf(jobID); status != JobCompleted {
		t.Fatalf("status = %v, want completed", status)
	}

	got, err := afero.ReadFile(memFs, filepath.Join(outDir, "f.bin"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("content mismatch")
	}
}
