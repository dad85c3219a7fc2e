package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contextai/internal/core"
)

type contextEntry struct {
	ctrl     *SessionController
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen atomic.Int64
}

// ContextRegistry tracks the open contexts (tabs) of this process. Each one
// gets its own SessionController and sync loop.
type ContextRegistry struct {
	base            context.Context
	store           *ConfigStore
	repo            *ChatRepository
	bus             core.MessageBus
	streamer        core.ChatStreamer
	fragmentTimeout time.Duration

	now      func() time.Time
	mu       sync.RWMutex
	contexts map[string]*contextEntry
}

func NewContextRegistry(base context.Context, store *ConfigStore, repo *ChatRepository, bus core.MessageBus, streamer core.ChatStreamer, fragmentTimeout time.Duration) *ContextRegistry {
	return &ContextRegistry{
		base:            base,
		store:           store,
		repo:            repo,
		bus:             bus,
		streamer:        streamer,
		fragmentTimeout: fragmentTimeout,
		now:             time.Now,
		contexts:        make(map[string]*contextEntry),
	}
}

// Open starts a context. Its sync loop subscribes before the initial load
// and only starts applying changes after it, so a write landing in between
// is applied on top of the loaded state.
func (r *ContextRegistry) Open(ctx context.Context) (*SessionController, error) {
	id := uuid.NewString()
	ctrl := NewSessionController(id, r.store, r.repo, r.streamer, r.fragmentTimeout)

	cctx, cancel := context.WithCancel(r.base)
	entry := &contextEntry{ctrl: ctrl, ctx: cctx, cancel: cancel, done: make(chan struct{})}
	entry.touch(r.now())

	syncer := NewCrossContextSync(r.store, r.bus, ctrl)
	changes, msgs, err := syncer.subscribe(cctx)
	if err != nil {
		cancel()
		return nil, err
	}

	// A failed load leaves defaults in place, as a fresh context would.
	_ = ctrl.Load(ctx)

	go func() {
		defer close(entry.done)
		if err := syncer.consume(cctx, changes, msgs); err != nil {
			slog.Error("sync: stopped", "context_id", id, "error", err)
		}
	}()

	r.mu.Lock()
	r.contexts[id] = entry
	r.mu.Unlock()
	slog.Info("context opened", "context_id", id)
	return ctrl, nil
}

func (r *ContextRegistry) Get(id string) (*SessionController, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	e.touch(r.now())
	return e.ctrl, nil
}

// SendAsync runs a send in the background on the context's lifetime.
func (r *ContextRegistry) SendAsync(id string) error {
	r.mu.RLock()
	e, ok := r.contexts[id]
	r.mu.RUnlock()
	if !ok {
		return ErrContextNotFound
	}
	e.touch(r.now())
	go func() {
		outcome := e.ctrl.Send(e.ctx)
		slog.Info("session: send finished", "context_id", id, "outcome", outcome.String())
	}()
	return nil
}

// SetPageText records extracted page text for a context.
func (r *ContextRegistry) SetPageText(contextID, text string) error {
	ctrl, err := r.Get(contextID)
	if err != nil {
		return err
	}
	ctrl.SetPageText(text)
	return nil
}

func (r *ContextRegistry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()
	if !ok {
		return ErrContextNotFound
	}
	e.shutdown()
	slog.Info("context closed", "context_id", id)
	return nil
}

// CloseAll shuts every context down and waits for their sync loops.
func (r *ContextRegistry) CloseAll() {
	r.mu.Lock()
	entries := r.contexts
	r.contexts = make(map[string]*contextEntry)
	r.mu.Unlock()
	for _, e := range entries {
		e.shutdown()
	}
}

// ReapIdle closes contexts with no view subscriber that have not been used
// for longer than idle. A context with a subscriber counts as used.
func (r *ContextRegistry) ReapIdle(idle time.Duration) int {
	now := r.now()
	cutoff := now.Add(-idle).UnixNano()

	r.mu.Lock()
	var stale []*contextEntry
	for id, e := range r.contexts {
		if e.ctrl.Subscribers() > 0 || e.ctrl.State().busy() {
			e.touch(now)
			continue
		}
		if e.lastSeen.Load() < cutoff {
			delete(r.contexts, id)
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.shutdown()
		slog.Info("context reaped", "context_id", e.ctrl.ID())
	}
	return len(stale)
}

// RunReaper calls ReapIdle every interval until ctx ends.
func (r *ContextRegistry) RunReaper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.ReapIdle(idle); n > 0 {
				slog.Debug("idle contexts reaped", "count", n)
			}
		}
	}
}

func (e *contextEntry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

func (e *contextEntry) shutdown() {
	e.cancel()
	e.ctrl.Close()
	<-e.done
}

func (r *ContextRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
