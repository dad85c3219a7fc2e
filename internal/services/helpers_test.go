package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/core/storage"
	"github.com/markdave123-py/contextai/internal/models"
)

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRepo(store *ConfigStore) *ChatRepository {
	repo := NewChatRepository(store)
	repo.now = newStepClock().Now
	var (
		mu sync.Mutex
		n  int
	)
	repo.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("chat-%d", n)
	}
	return repo
}

// seed writes a raw config record.
func seed(t *testing.T, kv core.KVStore, raw string) {
	t.Helper()
	require.NoError(t, kv.Set(context.Background(), models.ConfigKey, []byte(raw)))
}

func readConfig(t *testing.T, store *ConfigStore) models.Config {
	t.Helper()
	cfg, err := store.Get(context.Background())
	require.NoError(t, err)
	return cfg
}

func newMemoryStore(t *testing.T) (*storage.MemoryStore, *ConfigStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })
	return kv, NewConfigStore(kv)
}

// fakeStreamer replays canned fragments. When hold is set, streaming waits
// for it to be closed.
type fakeStreamer struct {
	mu       sync.Mutex
	requests []core.ChatRequest

	frags    []string
	err      error
	startErr error
	hold     chan struct{}
	silent   bool
}

func (f *fakeStreamer) StreamChat(ctx context.Context, req core.ChatRequest) (<-chan core.Fragment, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	frags, streamErr, hold, silent := f.frags, f.err, f.hold, f.silent
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}

	out := make(chan core.Fragment)
	go func() {
		defer close(out)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		if silent {
			<-ctx.Done()
			return
		}
		for _, t := range frags {
			select {
			case out <- core.Fragment{Text: t}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			select {
			case out <- core.Fragment{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (f *fakeStreamer) calls() []core.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ChatRequest(nil), f.requests...)
}

func newController(t *testing.T, store *ConfigStore, streamer core.ChatStreamer) *SessionController {
	t.Helper()
	c := NewSessionController("ctx-test", store, newTestRepo(store), streamer, time.Second)
	require.NoError(t, c.Load(context.Background()))
	return c
}

func waitState(t *testing.T, c *SessionController, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}
