package services

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contextai/internal/models"
)

func TestCreateChat(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)

	chat, cfg, err := repo.CreateChat(context.Background(), models.ChatDefaults{PageContentIncluded: true})
	require.NoError(t, err)

	assert.Equal(t, models.DefaultChatTitle, chat.Title)
	assert.True(t, chat.PageContentIncluded)
	assert.False(t, chat.SearchToolEnabled)
	assert.Equal(t, chat.CreatedAt, chat.UpdatedAt)
	assert.Empty(t, chat.Messages)
	assert.Equal(t, chat.ID, cfg.CurrentChatID)

	stored := readConfig(t, store)
	require.Len(t, stored.ChatHistory, 1)
	assert.Equal(t, chat.ID, stored.CurrentChatID)
	assert.True(t, models.ChatsEqual(chat, stored.ChatHistory[0]))
}

func TestSwitchToMissingChatIsNoop(t *testing.T) {
	kv, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	a, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	before, err := kv.Get(ctx, models.ConfigKey)
	require.NoError(t, err)

	_, _, err = repo.SwitchTo(ctx, "nope")
	assert.ErrorIs(t, err, ErrChatNotFound)

	after, err := kv.Get(ctx, models.ConfigKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, a.ID, readConfig(t, store).CurrentChatID)
}

func TestSwitchTo(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	a, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	_, _, err = repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	got, cfg, err := repo.SwitchTo(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.ID, cfg.CurrentChatID)
}

func TestDeleteCurrentPicksLatestUpdatedSurvivor(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	a, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	b, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	c, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	// a becomes the most recently updated survivor.
	_, err = repo.Rename(ctx, a.ID, "touched")
	require.NoError(t, err)

	res, err := repo.Delete(ctx, c.ID, c.ID, models.ChatDefaults{})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.False(t, res.Created)
	assert.Equal(t, a.ID, res.Current.ID)
	assert.Equal(t, a.ID, res.Config.CurrentChatID)
	assert.Len(t, res.Config.ChatHistory, 2)
	assert.Equal(t, -1, models.FindChat(res.Config.ChatHistory, c.ID))
	assert.NotEqual(t, -1, models.FindChat(res.Config.ChatHistory, b.ID))
}

func TestDeleteLastChatCreatesExactlyOne(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	only, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	res, err := repo.Delete(ctx, only.ID, only.ID, models.ChatDefaults{PageContentIncluded: true, SearchToolEnabled: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Current.PageContentIncluded)
	assert.True(t, res.Current.SearchToolEnabled)
	require.Len(t, res.Config.ChatHistory, 1)
	assert.NotEqual(t, only.ID, res.Current.ID)
	assert.Equal(t, res.Current.ID, res.Config.CurrentChatID)
	assert.Equal(t, models.DefaultChatTitle, res.Current.Title)
}

func TestDeleteNonCurrentKeepsPointer(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	a, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	b, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	res, err := repo.Delete(ctx, a.ID, b.ID, models.ChatDefaults{})
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, b.ID, res.Config.CurrentChatID)

	_, err = repo.Delete(ctx, "missing", b.ID, models.ChatDefaults{})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestCreateDeleteSequencesKeepOneCurrent(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 200; step++ {
		cfg := readConfig(t, store)
		if len(cfg.ChatHistory) == 0 || rng.Intn(2) == 0 {
			_, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
			require.NoError(t, err)
		} else {
			victim := cfg.ChatHistory[rng.Intn(len(cfg.ChatHistory))].ID
			_, err := repo.Delete(ctx, victim, cfg.CurrentChatID, models.ChatDefaults{})
			require.NoError(t, err)
		}

		cfg = readConfig(t, store)
		if len(cfg.ChatHistory) == 0 {
			assert.Empty(t, cfg.CurrentChatID)
			continue
		}
		require.NotEmpty(t, cfg.CurrentChatID, "step %d", step)
		assert.NotEqual(t, -1, models.FindChat(cfg.ChatHistory, cfg.CurrentChatID), "step %d", step)
	}
}

func TestAppendExchangeDerivesTitle(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short message verbatim", "Summarize this", "Summarize this"},
		{"exactly thirty", strings.Repeat("x", 30), strings.Repeat("x", 30)},
		{"long message truncated", "Explain the difference between TCP and UDP please", "Explain the difference between..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, store := newMemoryStore(t)
			repo := newTestRepo(store)
			ctx := context.Background()

			chat, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
			require.NoError(t, err)

			got, _, err := repo.AppendExchange(ctx, chat.ID,
				models.Message{Role: models.RoleUser, Content: tt.message},
				models.Message{Role: models.RoleAssistant, Content: "ok"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Title)
			assert.Len(t, got.Messages, 2)
			assert.True(t, got.UpdatedAt.After(chat.UpdatedAt))
		})
	}
}

func TestAppendExchangeKeepsCustomTitle(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	chat, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	_, err = repo.Rename(ctx, chat.ID, "  My notes  ")
	require.NoError(t, err)

	got, _, err := repo.AppendExchange(ctx, chat.ID,
		models.Message{Role: models.RoleUser, Content: "first"},
		models.Message{Role: models.RoleAssistant, Content: "reply"})
	require.NoError(t, err)
	assert.Equal(t, "  My notes  ", got.Title)

	got, _, err = repo.AppendExchange(ctx, chat.ID,
		models.Message{Role: models.RoleUser, Content: "second"},
		models.Message{Role: models.RoleAssistant, Content: "reply"})
	require.NoError(t, err)
	assert.Equal(t, "  My notes  ", got.Title)
	assert.Len(t, got.Messages, 4)
}

func TestAppendExchangeLaterExchangesKeepDerivedTitle(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	chat, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	for _, msg := range []string{"first question", "second question"} {
		_, _, err = repo.AppendExchange(ctx, chat.ID,
			models.Message{Role: models.RoleUser, Content: msg},
			models.Message{Role: models.RoleAssistant, Content: "a"})
		require.NoError(t, err)
	}
	cfg := readConfig(t, store)
	assert.Equal(t, "first question", cfg.ChatHistory[0].Title)
}

func TestAppendExchangeMissingChat(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	_, _, err := repo.AppendExchange(context.Background(), "gone", models.Message{}, models.Message{})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestSetToggle(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	chat, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	cfg, err := repo.SetToggle(ctx, chat.ID, ToggleSearchTool, true)
	require.NoError(t, err)
	got := cfg.ChatHistory[0]
	assert.True(t, got.SearchToolEnabled)
	assert.False(t, got.PageContentIncluded)
	assert.True(t, got.UpdatedAt.After(chat.UpdatedAt))

	cfg, err = repo.SetToggle(ctx, chat.ID, TogglePageContent, true)
	require.NoError(t, err)
	assert.True(t, cfg.ChatHistory[0].PageContentIncluded)

	_, err = repo.SetToggle(ctx, chat.ID, "dark_mode", true)
	assert.ErrorIs(t, err, ErrUnknownToggle)
}

func TestRenameRejectsBlank(t *testing.T) {
	kv, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	chat, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	before, err := kv.Get(ctx, models.ConfigKey)
	require.NoError(t, err)

	for _, title := range []string{"", "   ", "\t\n"} {
		_, err := repo.Rename(ctx, chat.ID, title)
		assert.ErrorIs(t, err, ErrEmptyTitle)
	}
	after, err := kv.Get(ctx, models.ConfigKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestListNewestFirst(t *testing.T) {
	_, store := newMemoryStore(t)
	repo := newTestRepo(store)
	ctx := context.Background()

	a, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)
	b, _, err := repo.CreateChat(ctx, models.ChatDefaults{})
	require.NoError(t, err)

	chats, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, b.ID, chats[0].ID)

	_, err = repo.Rename(ctx, a.ID, "bumped")
	require.NoError(t, err)
	chats, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, chats[0].ID)
}
