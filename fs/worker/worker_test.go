package worker

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rclone/httpfs/fs/fetch"
	"github.com/rclone/httpfs/fs/httpurl"
	"github.com/rclone/httpfs/fs/rangecache"
	"github.com/rclone/httpfs/fs/transport"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)

	reg, err := httpurl.NewRegistry(srv.URL+"/file", httpurl.Options{TimeoutSeconds: 5, ResetRetryLimit: 2})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	c, err := rangecache.Open(filepath.Join(t.TempDir(), "data"), 1<<20, nil)
	if err != nil {
		t.Fatalf("rangecache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	orch := &fetch.Orchestrator{Cache: c, Exchange: &transport.Exchanger{Registry: reg}}
	return NewPool(reg, orch)
}

func TestAcquireReleaseTracksActiveCount(t *testing.T) {
	p := newTestPool(t)

	w1 := p.Acquire()
	w2 := p.Acquire()
	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if w1.ID == w2.ID {
		t.Fatal("expected distinct worker tags")
	}

	if err := p.Release(w1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := p.Len(); got != 1 {
		t.Fatalf("Len() after release = %d, want 1", got)
	}

	if err := p.Release(w2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := p.Len(); got != 0 {
		t.Fatalf("Len() after final release = %d, want 0", got)
	}
}

func TestWorkersAreExclusivelyOwned(t *testing.T) {
	p := newTestPool(t)
	w1 := p.Acquire()
	w2 := p.Acquire()

	w1.State.XMD5 = "one"
	w2.State.XMD5 = "two"

	if w1.State.XMD5 == w2.State.XMD5 {
		t.Fatal("workers should not share State")
	}
}
