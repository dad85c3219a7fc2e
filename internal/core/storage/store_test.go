package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

const testKey = "config"

func nextChange(t *testing.T, ch <-chan core.Change) core.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return core.Change{}
	}
}

// exerciseStore runs the behaviour every KVStore backend must share.
func exerciseStore(t *testing.T, s core.KVStore) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, v, "missing key reads as nil")

	changes, err := s.Watch(ctx, testKey)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, testKey, []byte(`{"a":1}`)))
	c := nextChange(t, changes)
	assert.Equal(t, testKey, c.Key)
	assert.Nil(t, c.Old)
	assert.JSONEq(t, `{"a":1}`, string(c.New))

	require.NoError(t, s.Set(ctx, testKey, []byte(`{"a":2}`)))
	c = nextChange(t, changes)
	assert.JSONEq(t, `{"a":1}`, string(c.Old))
	assert.JSONEq(t, `{"a":2}`, string(c.New))

	v, err = s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(v))

	// Writes to other keys do not reach this watcher.
	require.NoError(t, s.Set(ctx, "other", []byte(`{}`)))
	require.NoError(t, s.Set(ctx, testKey, []byte(`{"a":3}`)))
	c = nextChange(t, changes)
	assert.Equal(t, testKey, c.Key)
	assert.JSONEq(t, `{"a":3}`, string(c.New))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, core.ErrStoreClosed)
	_, err = s.Watch(context.Background(), testKey)
	assert.ErrorIs(t, err, core.ErrStoreClosed)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, testKey, []byte("abc")))

	v, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	v[0] = 'z'

	again, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestWatchClosesWithContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, testKey)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextai.db")
	s, err := NewBoltStore(path, "contextai")
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewBoltStore(path, "contextai")
	require.NoError(t, err)
	defer reopened.Close()
	v, err := reopened.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3}`, string(v))
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore(t *testing.T) {
	rdb := newTestRedis(t)
	exerciseStore(t, NewRedisStore(rdb, "contextai"))

	n, err := rdb.Exists(context.Background(), "contextai:kv:config").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedisStoreNamespacesAreIsolated(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	a := NewRedisStore(rdb, "a")
	b := NewRedisStore(rdb, "b")

	require.NoError(t, a.Set(ctx, testKey, []byte("x")))
	v, err := b.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "redis://localhost:6379/notanumber")
	require.Error(t, err)
}

func TestBuses(t *testing.T) {
	rdb := newTestRedis(t)
	buses := map[string]core.MessageBus{
		"memory": NewMemoryBus(),
		"redis":  NewRedisBus(rdb, "contextai"),
	}
	for name, bus := range buses {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sub, err := bus.Subscribe(ctx)
			require.NoError(t, err)

			msg := models.BroadcastMessage{
				Type:   models.MessageConfigUpdated,
				Config: &models.Config{GeminiAPIKey: "k", ExtensionEnabled: true},
			}
			require.NoError(t, bus.Publish(ctx, msg))

			select {
			case got := <-sub:
				assert.Equal(t, models.MessageConfigUpdated, got.Type)
				require.NotNil(t, got.Config)
				assert.Equal(t, "k", got.Config.GeminiAPIKey)
				assert.True(t, got.Config.ExtensionEnabled)
			case <-time.After(2 * time.Second):
				t.Fatal("broadcast not delivered")
			}
		})
	}
}

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealedStore(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, testHexKey)
	require.NoError(t, err)
	exerciseStore(t, s)

	raw, err := inner.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"a"`, "plaintext leaked to inner store")
}

func TestSealedStoreBindsKeyName(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, testHexKey)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "one", []byte("secret")))
	raw, err := inner.Get(ctx, "one")
	require.NoError(t, err)
	require.NoError(t, inner.Set(ctx, "two", raw))

	_, err = s.Get(ctx, "two")
	require.Error(t, err)
}

func TestNewSealedStoreRejectsBadKey(t *testing.T) {
	for _, k := range []string{"", "zz", strings.Repeat("ab", 16)} {
		_, err := NewSealedStore(NewMemoryStore(), k)
		assert.ErrorIs(t, err, ErrBadKey, k)
	}
}

func TestHubDropsOldestWhenLagging(t *testing.T) {
	f := NewHub[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, ok := f.Subscribe(ctx, "t")
	require.True(t, ok)

	for i := 0; i < subscriberBuffer+10; i++ {
		f.Publish("t", i)
	}

	var got []int
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, 10, got[0])
	assert.Equal(t, subscriberBuffer+9, got[len(got)-1])

	f.Close()
	_, ok = f.Subscribe(ctx, "t")
	assert.False(t, ok)
}
