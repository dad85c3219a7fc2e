package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/markdave123-py/contextai/internal/core"
)

// MemoryStore is a process-local KVStore. Every context of the process
// shares one instance.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	hub    *Hub[core.Change]
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		hub:  NewHub[core.Change](),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	return bytes.Clone(s.data[key]), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	old := s.data[key]
	s.data[key] = bytes.Clone(value)
	s.hub.Publish(key, core.Change{Key: key, Old: bytes.Clone(old), New: bytes.Clone(value)})
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	ch, ok := s.hub.Subscribe(ctx, key)
	if !ok {
		return nil, core.ErrStoreClosed
	}
	return ch, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

var _ core.KVStore = (*MemoryStore)(nil)
