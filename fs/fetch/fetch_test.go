package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rclone/httpfs/fs/httpurl"
	"github.com/rclone/httpfs/fs/rangecache"
	"github.com/rclone/httpfs/fs/transport"
)

func newOrchestrator(t *testing.T, handler http.HandlerFunc) (*Orchestrator, *httpurl.State) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := httpurl.NewRegistry(srv.URL+"/file", httpurl.Options{TimeoutSeconds: 5, ResetRetryLimit: 2})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := reg.NewWorker("cafebabe")

	c, err := rangecache.Open(filepath.Join(t.TempDir(), "data"), 1<<20, nil)
	if err != nil {
		t.Fatalf("rangecache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return &Orchestrator{
		Cache:    c,
		Exchange: &transport.Exchanger{Registry: reg, Policy: transport.TLSPolicy{}},
	}, s
}

func TestGetRangeFetchesFromOriginOnMiss(t *testing.T) {
	full := []byte("the quick brown fox")
	orch, s := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=4-8" {
			t.Errorf("Range header = %q", r.Header.Get("Range"))
		}
		chunk := full[4:9]
		sum := md5.Sum(chunk)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "5")
		w.Header().Set("X-MD5", hex.EncodeToString(sum[:]))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	})

	got, err := orch.GetRange(context.Background(), s, 4, 5)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if string(got) != "quick" {
		t.Fatalf("got %q, want quick", got)
	}
}

func TestGetRangeServesFromCacheOnSecondCall(t *testing.T) {
	var hits int32
	full := []byte("cache me if you can")
	orch, s := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		chunk := full[0:5]
		sum := md5.Sum(chunk)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "5")
		w.Header().Set("X-MD5", hex.EncodeToString(sum[:]))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	})

	if _, err := orch.GetRange(context.Background(), s, 0, 5); err != nil {
		t.Fatalf("first GetRange: %v", err)
	}
	if _, err := orch.GetRange(context.Background(), s, 0, 5); err != nil {
		t.Fatalf("second GetRange: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("origin hit %d times, want 1 (second read should be served from cache)", got)
	}
}

func TestGetRangeRetriesOnDigestMismatch(t *testing.T) {
	var calls int32
	chunk := []byte("mismatch")
	orch, s := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "8")
		if n == 1 {
			w.Header().Set("X-MD5", "00000000000000000000000000000000"[:32])
		} else {
			sum := md5.Sum(chunk)
			w.Header().Set("X-MD5", hex.EncodeToString(sum[:]))
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	})

	got, err := orch.GetRange(context.Background(), s, 0, 8)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if string(got) != string(chunk) {
		t.Fatalf("got %q, want %q", got, chunk)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
}

func TestGetRangeZeroSizeReturnsEmpty(t *testing.T) {
	orch, s := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be contacted for a zero-size read")
	})
	got, err := orch.GetRange(context.Background(), s, 0, 0)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}
