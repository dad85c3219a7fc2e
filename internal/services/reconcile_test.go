package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contextai/internal/core/storage"
	"github.com/markdave123-py/contextai/internal/models"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func chatWith(id string, updated time.Time, msgs ...string) models.Chat {
	c := models.Chat{ID: id, CreatedAt: t0, UpdatedAt: updated, Title: models.DefaultChatTitle, Messages: []models.Message{}}
	for i, m := range msgs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		c.Messages = append(c.Messages, models.Message{Role: role, Content: m})
	}
	return c
}

func TestReconcileCopiesSettings(t *testing.T) {
	local := DefaultLocalState()
	local.Input = "half typed"

	got := Reconcile(local, models.Config{
		GeminiAPIKey:     "key",
		ExtensionEnabled: true,
		GeminiModel:      "gemini-1.5-pro",
		Theme:            models.ThemeDark,
		ChatDimensions:   &models.ChatDimensions{Width: 500, Height: 800},
	})

	assert.Equal(t, "key", got.APIKey)
	assert.True(t, got.Enabled)
	assert.Equal(t, "gemini-1.5-pro", got.Model)
	assert.Equal(t, models.ThemeDark, got.Theme)
	assert.Equal(t, models.ChatDimensions{Width: 500, Height: 800}, got.Dimensions)
	assert.Equal(t, "half typed", got.Input)
}

func TestReconcileKeepsLocalValuesForAbsentFields(t *testing.T) {
	local := DefaultLocalState()
	local.Model = "gemini-1.5-pro"
	local.Theme = models.ThemeDark
	local.History = []models.Chat{chatWith("a", t0)}

	got := Reconcile(local, models.Config{GeminiAPIKey: "k"})
	assert.Equal(t, "gemini-1.5-pro", got.Model)
	assert.Equal(t, models.ThemeDark, got.Theme)
	assert.Equal(t, local.Dimensions, got.Dimensions)
	assert.Equal(t, local.History, got.History)
}

func TestReconcileSwitchesToNewPointer(t *testing.T) {
	a := chatWith("a", t0, "hi", "hello")
	b := chatWith("b", t0.Add(time.Minute), "other")
	b.PageContentIncluded = true

	local := DefaultLocalState()
	local.History = []models.Chat{a, b}
	local.CurrentChatID = "a"
	local.Messages = a.Messages

	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{a, b}, CurrentChatID: "b"})
	assert.Equal(t, "b", got.CurrentChatID)
	assert.Equal(t, b.Messages, got.Messages)
	assert.True(t, got.PageContentIncluded)
}

func TestReconcileSamePointerUnchangedChatKeepsLocalView(t *testing.T) {
	a := chatWith("a", t0, "hi", "hello")
	local := DefaultLocalState()
	local.History = []models.Chat{a}
	local.CurrentChatID = "a"
	// A canned notice shown locally but never persisted.
	local.Messages = append(append([]models.Message{}, a.Messages...),
		models.Message{Role: models.RoleUser, Content: "x"},
		models.Message{Role: models.RoleAssistant, Content: MissingKeyNotice})

	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{a}, CurrentChatID: "a", Theme: models.ThemeDark})
	assert.Equal(t, local.Messages, got.Messages)
	assert.Equal(t, models.ThemeDark, got.Theme)
}

func TestReconcileSamePointerPicksUpRemoteAppend(t *testing.T) {
	a := chatWith("a", t0, "hi", "hello")
	local := DefaultLocalState()
	local.History = []models.Chat{a}
	local.CurrentChatID = "a"
	local.Messages = a.Messages
	local.Input = "draft"

	remote := chatWith("a", t0.Add(time.Minute), "hi", "hello", "more", "sure")
	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{remote}, CurrentChatID: "a"})
	assert.Equal(t, remote.Messages, got.Messages)
	assert.Equal(t, "draft", got.Input)
}

func TestReconcileIgnoresPointerToMissingChat(t *testing.T) {
	a := chatWith("a", t0, "hi")
	local := DefaultLocalState()
	local.History = []models.Chat{a}
	local.CurrentChatID = "a"
	local.Messages = a.Messages

	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{a}, CurrentChatID: "ghost"})
	assert.Equal(t, "a", got.CurrentChatID)
}

func TestReconcileEmptyPointerKeepsLocal(t *testing.T) {
	a := chatWith("a", t0, "hi")
	local := DefaultLocalState()
	local.History = []models.Chat{a}
	local.CurrentChatID = "a"
	local.Messages = a.Messages

	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{a}})
	assert.Equal(t, "a", got.CurrentChatID)
	assert.Equal(t, a.Messages, got.Messages)
}

func TestReconcilePinsPointerWhileInFlight(t *testing.T) {
	a := chatWith("a", t0, "hi")
	b := chatWith("b", t0, "yo")
	local := DefaultLocalState()
	local.History = []models.Chat{a}
	local.CurrentChatID = "a"
	local.Messages = append(append([]models.Message{}, a.Messages...), models.Message{Role: models.RoleUser, Content: "pending"})
	local.InFlight = true

	got := Reconcile(local, models.Config{ChatHistory: []models.Chat{a, b}, CurrentChatID: "b", GeminiAPIKey: "k"})
	assert.Equal(t, "a", got.CurrentChatID)
	assert.Equal(t, local.Messages, got.Messages)
	assert.Len(t, got.History, 2)
	assert.Equal(t, "k", got.APIKey)
}

func TestReconcileIsIdempotent(t *testing.T) {
	a := chatWith("a", t0, "hi", "hello")
	b := chatWith("b", t0.Add(time.Hour), "x", "y")
	bRemote := chatWith("b", t0.Add(2*time.Hour), "x", "y", "z", "w")

	starts := []LocalState{
		DefaultLocalState(),
		{CurrentChatID: "a", History: []models.Chat{a, b}, Messages: a.Messages, Input: "typing"},
		{CurrentChatID: "b", History: []models.Chat{a, b}, Messages: b.Messages, Theme: models.ThemeDark},
	}
	configs := []models.Config{
		{GeminiAPIKey: "k", ExtensionEnabled: true, ChatHistory: []models.Chat{a, bRemote}, CurrentChatID: "b"},
		{Theme: models.ThemeLight, ChatHistory: []models.Chat{a, b}, CurrentChatID: "a"},
		{GeminiModel: "m", ChatDimensions: &models.ChatDimensions{Width: 1, Height: 2}},
	}
	for _, start := range starts {
		for _, cfg := range configs {
			once := Reconcile(start, cfg)
			twice := Reconcile(once, cfg)
			assert.Equal(t, once, twice)
		}
	}
}

func TestReconcileDoesNotAliasInput(t *testing.T) {
	a := chatWith("a", t0, "hi")
	cfg := models.Config{ChatHistory: []models.Chat{a}, CurrentChatID: "a"}
	got := Reconcile(DefaultLocalState(), cfg)
	got.Messages[0].Content = "changed"
	got.History[0].ID = "changed"
	assert.Equal(t, "hi", cfg.ChatHistory[0].Messages[0].Content)
	assert.Equal(t, "a", cfg.ChatHistory[0].ID)
}

type recordingReconciler struct {
	mu  sync.Mutex
	got []models.Config
}

func (r *recordingReconciler) ApplyConfig(cfg models.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, cfg)
}

func (r *recordingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestCrossContextSyncFeedsBothSources(t *testing.T) {
	_, store := newMemoryStore(t)
	bus := storage.NewMemoryBus()
	target := &recordingReconciler{}
	syncer := NewCrossContextSync(store, bus, target)

	ctx, cancel := context.WithCancel(context.Background())
	changes, msgs, err := syncer.subscribe(ctx)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- syncer.consume(ctx, changes, msgs) }()

	_, err = store.Set(ctx, ConfigPatch{GeminiAPIKey: ptr("k")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return target.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, models.BroadcastMessage{Type: "OTHER"}))
	require.NoError(t, bus.Publish(ctx, models.BroadcastMessage{
		Type:   models.MessageConfigUpdated,
		Config: &models.Config{ExtensionEnabled: true},
	}))
	require.Eventually(t, func() bool { return target.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	target.mu.Lock()
	assert.Equal(t, "k", target.got[0].GeminiAPIKey)
	assert.True(t, target.got[1].ExtensionEnabled)
	target.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not stop")
	}
}
