// Package worker binds FUSE file handles to their own httpurl.State and
// fetch.Orchestrator socket lifetime, per specification §4.7: each open
// handle gets an exclusively-owned worker identity, tagged with a short
// random name for log correlation, torn down when the handle closes.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rclone/httpfs/fs/fetch"
	"github.com/rclone/httpfs/fs/httpurl"
	"github.com/rclone/httpfs/fs/transport"
)

// Worker is one handle's exclusively-owned view of the remote resource.
type Worker struct {
	ID    string
	State *httpurl.State

	registry *httpurl.Registry
	orch     *fetch.Orchestrator
}

// Pool mints and tracks Workers for one mounted resource.
type Pool struct {
	mu       sync.Mutex
	registry *httpurl.Registry
	orch     *fetch.Orchestrator
	active   map[string]*Worker
}

// NewPool creates a Pool bound to registry and orch, the shared per-mount
// URL registry and fetch orchestrator every worker in the pool will use.
func NewPool(registry *httpurl.Registry, orch *fetch.Orchestrator) *Pool {
	return &Pool{
		registry: registry,
		orch:     orch,
		active:   make(map[string]*Worker),
	}
}

// Acquire mints a fresh Worker tagged with an 8-hex-character random name,
// per specification §3's TNameLen, and tracks it for Len/Release bookkeeping.
func (p *Pool) Acquire() *Worker {
	tname := newTag()
	s := p.registry.NewWorker(tname)

	w := &Worker{
		ID:       tname,
		State:    s,
		registry: p.registry,
		orch:     p.orch,
	}

	p.mu.Lock()
	p.active[tname] = w
	p.mu.Unlock()

	return w
}

// Release closes w's socket and removes it from the pool's bookkeeping.
// It does not error on an already-closed socket.
func (p *Pool) Release(w *Worker) error {
	p.mu.Lock()
	delete(p.active, w.ID)
	p.mu.Unlock()

	_, err := transport.Close(w.State, true)
	return err
}

// Len reports the number of workers currently acquired and not yet
// released, for diagnostics and tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// GetRange reads size bytes at offset through w's cache-then-origin path.
func (w *Worker) GetRange(ctx context.Context, offset, size int64) ([]byte, error) {
	return w.orch.GetRange(ctx, w.State, offset, size)
}

// newTag returns an 8-hex-character worker tag derived from a UUID, short
// enough for log lines but collision-resistant enough across a mount's
// lifetime.
func newTag() string {
	id := uuid.New()
	return fmt.Sprintf("%08x", id[0:4])
}
