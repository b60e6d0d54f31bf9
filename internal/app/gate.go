package app

import (
	"context"
	"sync"

	"pollrelay/internal/storage"
	logx "pollrelay/pkg/logx"
)

// storeGate tracks work that uses the store (a scheduled broadcast, a skip
// audit) so shutdown can close the store only once that work has finished.
// A broadcast runs on a detached context and may outlive the supervisor.
type storeGate struct {
	store storage.Store
	log   logx.Logger

	mu       sync.Mutex
	inflight int
	closing  bool
	closed   bool
	idle     chan struct{}
}

func newStoreGate(store storage.Store, log logx.Logger) *storeGate {
	return &storeGate{store: store, log: log, idle: make(chan struct{})}
}

// enter reports false once shutdown has begun; callers then skip the work.
func (g *storeGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.inflight++
	return true
}

// leave closes the store when it is the last user after Close was requested.
func (g *storeGate) leave() {
	g.mu.Lock()
	g.inflight--
	last := g.closing && g.inflight == 0
	if last {
		close(g.idle)
	}
	closeNow := last && !g.closed
	if closeNow {
		g.closed = true
	}
	g.mu.Unlock()
	if closeNow {
		g.closeStore()
	}
}

// drain stops new work from entering and waits for the running work or ctx.
func (g *storeGate) drain(ctx context.Context) error {
	g.mu.Lock()
	idle := g.shutLocked()
	g.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *storeGate) shutLocked() <-chan struct{} {
	if !g.closing {
		g.closing = true
		if g.inflight == 0 {
			close(g.idle)
		}
	}
	return g.idle
}

// Close closes the store now, or hands that to the last running user.
func (g *storeGate) Close() {
	g.mu.Lock()
	g.shutLocked()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.inflight > 0 {
		g.mu.Unlock()
		g.log.Warn("storage close deferred until the running broadcast finishes")
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.closeStore()
}

func (g *storeGate) closeStore() {
	if g.store == nil {
		return
	}
	if err := g.store.Close(); err != nil {
		g.log.Warn("storage close failed", logx.Err(err))
	}
}
