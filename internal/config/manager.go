package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pollrelay/internal/backoff"
	logx "pollrelay/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Manager owns the live Config. It parses the file plus environment, and on
// Watch re-reads the file and hands validated changes to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	snapshot []byte // canonical JSON of cfg, for change detection

	subsMu sync.Mutex
	subs   []chan *Config
}

// NewManager returns a manager for path. An empty path means environment-only config.
func NewManager(path string) *Manager {
	return &Manager{path: strings.TrimSpace(path), log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// Parse reads the file (if any), then applies environment overrides and defaults.
// It does not validate or commit.
func (m *Manager) Parse() (*Config, error) {
	cfg := new(Config)
	if m.path != "" {
		data, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeFile(m.path, data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", m.path, err)
		}
	}
	ApplyEnv(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg, canonical(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. An unchanged result is ignored; a changed one is
// validated, committed and published. A rejected config leaves the live one
// in place.
func (m *Manager) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	snap := canonical(cfg)
	m.mu.RLock()
	same := snap != nil && bytes.Equal(snap, m.snapshot)
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.commit(cfg, snap)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path))
	return nil
}

func (m *Manager) commit(cfg *Config, snap []byte) {
	m.mu.Lock()
	m.cfg, m.snapshot = cfg, snap
	m.mu.Unlock()
}

func canonical(cfg *Config) []byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return b
}

// Subscribe returns a channel that receives every committed reload. Only the
// newest pending config is kept for a slow reader.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offer sends v, evicting one stale item if ch is full.
func offer(ch chan *Config, v *Config) bool {
	for range 2 {
		select {
		case ch <- v:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// Watch reloads on file changes until ctx is done. A broken fsnotify watcher
// is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	d := newDebouncer(reloadDebounce, func() {
		if err := m.Reload(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		}
	})
	defer d.stop()

	delays := backoff.NewJittered(250*time.Millisecond, 5*time.Second)
	for attempt := 1; ctx.Err() == nil; attempt++ {
		healthy, err := m.watchOnce(ctx, dir, d)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			attempt = 1
		}
		wait := delays.Delay(attempt)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher over dir. healthy reports whether the
// watcher got as far as receiving events.
func (m *Manager) watchOnce(ctx context.Context, dir string, d *debouncer) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("add %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	// Editors often write a temp file and rename it over the original.
	name := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("events channel closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				d.trigger()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("errors channel closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				d.trigger()
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}

// debouncer collapses bursts of trigger calls into one fn call after delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
