package blobstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Failures can be injected for tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte

	getErr error
	putErr error

	gets int
	puts int
	last []byte
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	cp := append([]byte(nil), data...)
	m.blobs[key] = cp
	m.last = cp
	return nil
}

// Set stores a blob directly, bypassing counters and injected failures.
func (m *Memory) Set(key string, data []byte) {
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), data...)
	m.mu.Unlock()
}

// FailGet makes subsequent Get calls return err (nil clears).
func (m *Memory) FailGet(err error) {
	m.mu.Lock()
	m.getErr = err
	m.mu.Unlock()
}

// FailPut makes subsequent Put calls return err (nil clears).
func (m *Memory) FailPut(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// Puts returns the number of Put calls observed, including failed ones.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// LastPut returns the content of the last successful Put.
func (m *Memory) LastPut() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.last...)
}

var _ Store = (*Memory)(nil)
