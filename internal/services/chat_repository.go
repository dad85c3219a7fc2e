package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contextai/internal/models"
)

const (
	TogglePageContent = "page_content_included"
	ToggleSearchTool  = "search_tool_enabled"
)

// ChatRepository derives the chat collection from the config record. Every
// operation fetches a fresh snapshot, modifies it and writes it back.
type ChatRepository struct {
	store *ConfigStore
	now   func() time.Time
	newID func() string
}

func NewChatRepository(store *ConfigStore) *ChatRepository {
	return &ChatRepository{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func (r *ChatRepository) newChat(defaults models.ChatDefaults) models.Chat {
	now := r.now()
	return models.Chat{
		ID:                  r.newID(),
		Messages:            []models.Message{},
		PageContentIncluded: defaults.PageContentIncluded,
		SearchToolEnabled:   defaults.SearchToolEnabled,
		CreatedAt:           now,
		UpdatedAt:           now,
		Title:               models.DefaultChatTitle,
	}
}

// List returns the chats newest first.
func (r *ChatRepository) List(ctx context.Context) ([]models.Chat, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return models.SortChats(cfg.ChatHistory), nil
}

// CreateChat appends a new chat and makes it current.
func (r *ChatRepository) CreateChat(ctx context.Context, defaults models.ChatDefaults) (models.Chat, models.Config, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return models.Chat{}, models.Config{}, err
	}
	chat := r.newChat(defaults)
	history := append(slices.Clone(cfg.ChatHistory), chat)

	written, err := r.store.Set(ctx, ConfigPatch{
		ChatHistory:   &history,
		CurrentChatID: &chat.ID,
	})
	if err != nil {
		return models.Chat{}, models.Config{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, written, nil
}

// SwitchTo makes chatID current. A missing chat leaves the record untouched.
func (r *ChatRepository) SwitchTo(ctx context.Context, chatID string) (models.Chat, models.Config, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return models.Chat{}, models.Config{}, err
	}
	i := models.FindChat(cfg.ChatHistory, chatID)
	if i < 0 {
		return models.Chat{}, cfg, ErrChatNotFound
	}

	written, err := r.store.Set(ctx, ConfigPatch{CurrentChatID: &chatID})
	if err != nil {
		return models.Chat{}, models.Config{}, fmt.Errorf("switch chat: %w", err)
	}
	return cfg.ChatHistory[i], written, nil
}

// DeleteResult describes the record after a delete.
type DeleteResult struct {
	// Current is the chat the caller should show when Replaced is set.
	Current  models.Chat
	Replaced bool
	// Created is set when the last chat was deleted and a fresh one made.
	Created bool
	Config  models.Config
}

// Delete removes chatID. When it is the caller's current chat (currentID) or
// the stored pointer, the pointer moves to the most recently updated
// survivor, or to a freshly created chat with the given defaults when none
// survive.
func (r *ChatRepository) Delete(ctx context.Context, chatID, currentID string, defaults models.ChatDefaults) (DeleteResult, error) {
	var res DeleteResult
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return res, err
	}
	i := models.FindChat(cfg.ChatHistory, chatID)
	if i < 0 {
		return res, ErrChatNotFound
	}
	history := slices.Delete(slices.Clone(cfg.ChatHistory), i, i+1)

	patch := ConfigPatch{ChatHistory: &history}
	callerCurrent := chatID == currentID
	if callerCurrent || cfg.CurrentChatID == chatID {
		next, ok := models.LatestUpdated(history)
		if !ok {
			next = r.newChat(defaults)
			history = append(history, next)
			res.Created = true
		}
		patch.CurrentChatID = &next.ID
		if callerCurrent {
			res.Current, res.Replaced = next, true
		}
	}

	written, err := r.store.Set(ctx, patch)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete chat: %w", err)
	}
	res.Config = written
	return res, nil
}

// updateChat applies fn to chatID in a fresh snapshot, bumps updated_at and
// writes the history back.
func (r *ChatRepository) updateChat(ctx context.Context, chatID string, fn func(*models.Chat)) (models.Chat, models.Config, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return models.Chat{}, models.Config{}, err
	}
	i := models.FindChat(cfg.ChatHistory, chatID)
	if i < 0 {
		return models.Chat{}, cfg, ErrChatNotFound
	}

	history := slices.Clone(cfg.ChatHistory)
	chat := history[i].Clone()
	fn(&chat)
	chat.UpdatedAt = r.now()
	history[i] = chat

	written, err := r.store.Set(ctx, ConfigPatch{ChatHistory: &history})
	if err != nil {
		return models.Chat{}, models.Config{}, err
	}
	return chat, written, nil
}

// AppendExchange appends a user message and its reply. The first exchange
// of a chat still carrying the default title names the chat after the user
// message.
func (r *ChatRepository) AppendExchange(ctx context.Context, chatID string, user, assistant models.Message) (models.Chat, models.Config, error) {
	chat, cfg, err := r.updateChat(ctx, chatID, func(c *models.Chat) {
		if len(c.Messages) == 0 && c.HasDefaultTitle() {
			c.Title = models.DeriveTitle(user.Content)
		}
		c.Messages = append(c.Messages, user, assistant)
	})
	if err != nil {
		return chat, cfg, fmt.Errorf("append exchange: %w", err)
	}
	return chat, cfg, nil
}

// SetToggle sets one of the per-chat flags.
func (r *ChatRepository) SetToggle(ctx context.Context, chatID, field string, value bool) (models.Config, error) {
	var apply func(*models.Chat)
	switch field {
	case TogglePageContent:
		apply = func(c *models.Chat) { c.PageContentIncluded = value }
	case ToggleSearchTool:
		apply = func(c *models.Chat) { c.SearchToolEnabled = value }
	default:
		return models.Config{}, fmt.Errorf("%w: %q", ErrUnknownToggle, field)
	}
	_, cfg, err := r.updateChat(ctx, chatID, apply)
	if err != nil {
		return cfg, fmt.Errorf("set %s: %w", field, err)
	}
	return cfg, nil
}

// Rename sets the title verbatim. Blank titles are rejected without a write.
func (r *ChatRepository) Rename(ctx context.Context, chatID, title string) (models.Config, error) {
	if models.Blank(title) {
		return models.Config{}, ErrEmptyTitle
	}
	_, cfg, err := r.updateChat(ctx, chatID, func(c *models.Chat) { c.Title = title })
	if err != nil {
		return cfg, fmt.Errorf("rename chat: %w", err)
	}
	return cfg, nil
}
