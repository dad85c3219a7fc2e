package core

import (
	"context"
	"errors"

	"github.com/markdave123-py/contextai/internal/models"
)

var ErrStoreClosed = errors.New("store closed")

// Change is a storage-level change notification carrying the raw bytes of
// the record before and after a write. Old is nil when the key was absent.
type Change struct {
	Key string
	Old []byte
	New []byte
}

// KVStore is the shared, asynchronous, eventually-consistent key-value store
// every context reads and writes. Implementations replace whole values; they
// never merge. Get returns (nil, nil) for a missing key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// Watch delivers a Change for every write to key, including writes made
	// through this same store. The channel is closed when ctx ends or the
	// store is closed.
	Watch(ctx context.Context, key string) (<-chan Change, error)

	Close() error
}

// MessageBus carries one-shot broadcast messages between contexts.
type MessageBus interface {
	Publish(ctx context.Context, msg models.BroadcastMessage) error
	Subscribe(ctx context.Context) (<-chan models.BroadcastMessage, error)
	Close() error
}
