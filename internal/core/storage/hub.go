package storage

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

// Hub delivers values published on a topic to every live subscriber of
// that topic. A slow subscriber loses its oldest pending value, never the
// newest one.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan T
	next   int
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[int]chan T)}
}

// Subscribe registers a subscriber until ctx ends. It reports false once the
// hub is closed.
func (f *Hub[T]) Subscribe(ctx context.Context, topic string) (<-chan T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}

	id := f.next
	f.next++
	ch := make(chan T, subscriberBuffer)
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[int]chan T)
	}
	f.subs[topic][id] = ch

	go func() {
		<-ctx.Done()
		f.unsubscribe(topic, id)
	}()
	return ch, true
}

func (f *Hub[T]) unsubscribe(topic string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[topic][id]; ok {
		delete(f.subs[topic], id)
		close(ch)
	}
}

func (f *Hub[T]) Publish(topic string, v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
			slog.Warn("storage: subscriber lagging, dropped oldest event", "topic", topic)
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Close ends every subscription.
func (f *Hub[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for topic, subs := range f.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(f.subs, topic)
	}
}
