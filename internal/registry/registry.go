// Package registry owns the set of subscribed chats.
//
// The set lives in three places that are kept in step: an in-memory index, a
// line-delimited local file and a remote blob. Every mutation runs under one lock
// that covers "update memory, write the local file, push the remote blob", so
// readers never observe a torn write.
//
// Local file errors fail the mutation. Remote push errors do not: the local state
// stays authoritative, the registry is marked dirty, and the next successful push
// (from a later mutation or Resync) reconciles the remote copy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pollrelay/internal/backoff"
	"pollrelay/internal/blobstore"
	"pollrelay/internal/eventbus"
	logx "pollrelay/pkg/logx"
)

type AddResult int

const (
	Added AddResult = iota + 1
	AlreadyPresent
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

type RemoveResult int

const (
	Removed RemoveResult = iota + 1
	NotPresent
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case NotPresent:
		return "not_present"
	default:
		return "unknown"
	}
}

// Event types published on the bus.
const (
	EventAdded    = "registry.added"
	EventRemoved  = "registry.removed"
	EventHydrated = "registry.hydrated"
)

// HydrationError reports a failed startup load. Stage is "remote" or "local".
type HydrationError struct {
	Stage string
	Err   error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("registry: hydration failed (%s): %v", e.Stage, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

// Config configures a Registry.
type Config struct {
	// Path is the local working file.
	Path string
	// Key names the remote blob. Defaults to the base name of Path.
	Key string
	// PushRetries is the number of extra remote attempts per mutation.
	PushRetries int
	// PushBackoff spaces remote retries. Defaults to jittered 250ms..5s.
	PushBackoff backoff.Strategy
}

type Registry struct {
	cfg    Config
	remote blobstore.Store
	log    logx.Logger
	bus    eventbus.Bus

	mu    sync.RWMutex
	order []int64
	set   map[int64]struct{}
	dirty bool

	lastPush time.Time
}

func New(cfg Config, remote blobstore.Store, log logx.Logger, bus eventbus.Bus) (*Registry, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry: path is required")
	}
	if remote == nil {
		return nil, errors.New("registry: remote store is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = filepath.Base(cfg.Path)
	}
	if cfg.PushRetries < 0 {
		cfg.PushRetries = 0
	}
	if cfg.PushBackoff == nil {
		cfg.PushBackoff = backoff.NewJittered(250*time.Millisecond, 5*time.Second)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create dir: %w", err)
		}
	}
	return &Registry{
		cfg:    cfg,
		remote: remote,
		log:    log,
		bus:    bus,
		set:    map[int64]struct{}{},
	}, nil
}

// Contains reports membership without side effects.
func (r *Registry) Contains(id int64) bool {
	r.mu.RLock()
	_, ok := r.set[id]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot returns a copy of the members in insertion order.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.order...)
}

// Dirty reports whether the remote blob may lag behind the local state.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// LastPush is the time of the last successful remote write.
func (r *Registry) LastPush() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPush
}

// Add subscribes id. Adding a member is a no-op that performs no I/O.
func (r *Registry) Add(ctx context.Context, id int64) (AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; ok {
		return AlreadyPresent, nil
	}
	if err := appendLine(r.cfg.Path, id); err != nil {
		return 0, fmt.Errorf("registry: append %d: %w", id, err)
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	r.log.Info("chat added", logx.ChatID(id), logx.Int("total", len(r.order)))

	_ = r.pushLocked(ctx)
	r.publish(EventAdded, id)
	return Added, nil
}

// Remove unsubscribes id. Removing a non-member is a no-op that performs no I/O.
func (r *Registry) Remove(ctx context.Context, id int64) (RemoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; !ok {
		return NotPresent, nil
	}
	remaining := make([]int64, 0, len(r.order)-1)
	for _, v := range r.order {
		if v != id {
			remaining = append(remaining, v)
		}
	}
	if err := writeFileAtomic(r.cfg.Path, Encode(remaining)); err != nil {
		return 0, fmt.Errorf("registry: rewrite without %d: %w", id, err)
	}
	delete(r.set, id)
	r.order = remaining
	r.log.Info("chat removed", logx.ChatID(id), logx.Int("total", len(r.order)))

	_ = r.pushLocked(ctx)
	r.publish(EventRemoved, id)
	return Removed, nil
}

// Hydrate replaces local state with the remote blob. A missing blob hydrates as
// empty. When the remote read fails the registry starts empty and a
// *HydrationError is returned; the process is expected to keep running.
func (r *Registry) Hydrate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.remote.Get(ctx, r.cfg.Key)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		r.log.Info("remote registry not found; starting empty", logx.String("key", r.cfg.Key))
		data = nil
	case err != nil:
		r.resetLocked(nil)
		if werr := writeFileAtomic(r.cfg.Path, nil); werr != nil {
			r.log.Warn("local registry reset failed", logx.String("path", r.cfg.Path), logx.Err(werr))
		}
		return &HydrationError{Stage: "remote", Err: err}
	}

	ids, invalid := Decode(data)
	if len(invalid) > 0 {
		r.log.Warn("ignored invalid registry lines", logx.Int("count", len(invalid)), logx.Strings("lines", invalid))
	}
	r.resetLocked(ids)
	r.dirty = false
	r.publish(EventHydrated, len(ids))

	if err := writeFileAtomic(r.cfg.Path, Encode(ids)); err != nil {
		return &HydrationError{Stage: "local", Err: err}
	}
	r.log.Info("registry hydrated", logx.Int("total", len(ids)), logx.String("key", r.cfg.Key))
	return nil
}

// Resync pushes the full state when a previous remote write failed.
func (r *Registry) Resync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return r.pushLocked(ctx)
}

// RunResync calls Resync every interval until ctx is done.
func (r *Registry) RunResync(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Resync(ctx); err != nil {
				r.log.Warn("registry resync failed", logx.Err(err))
			}
		}
	}
}

func (r *Registry) resetLocked(ids []int64) {
	r.order = append([]int64(nil), ids...)
	r.set = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		r.set[id] = struct{}{}
	}
}

func (r *Registry) pushLocked(ctx context.Context) error {
	data := Encode(r.order)
	err := backoff.Retry(ctx, r.cfg.PushRetries, r.cfg.PushBackoff, func(c context.Context) error {
		return r.remote.Put(c, r.cfg.Key, data)
	}, func(attempt int, delay time.Duration, err error) {
		r.log.Debug("remote push retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
	})
	if err != nil {
		wasDirty := r.dirty
		r.dirty = true
		if !wasDirty {
			r.log.Warn("remote push failed; local state kept, will resync", logx.String("key", r.cfg.Key), logx.Err(err))
		} else {
			r.log.Debug("remote push still failing", logx.String("key", r.cfg.Key), logx.Err(err))
		}
		return err
	}
	if r.dirty {
		r.log.Info("remote registry reconciled", logx.Int("total", len(r.order)))
	}
	r.dirty = false
	r.lastPush = time.Now()
	return nil
}

func (r *Registry) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
