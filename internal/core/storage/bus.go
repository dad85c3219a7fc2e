package storage

import (
	"context"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

const broadcastTopic = "broadcast"

// MemoryBus delivers broadcast messages to subscribers inside this process.
type MemoryBus struct {
	hub *Hub[models.BroadcastMessage]
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{hub: NewHub[models.BroadcastMessage]()}
}

func (b *MemoryBus) Publish(ctx context.Context, msg models.BroadcastMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.Publish(broadcastTopic, msg)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan models.BroadcastMessage, error) {
	ch, ok := b.hub.Subscribe(ctx, broadcastTopic)
	if !ok {
		return nil, core.ErrStoreClosed
	}
	return ch, nil
}

func (b *MemoryBus) Close() error {
	b.hub.Close()
	return nil
}

var _ core.MessageBus = (*MemoryBus)(nil)
