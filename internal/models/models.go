package models

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	ThemeLight = "light"
	ThemeDark  = "dark"

	DefaultChatTitle  = "New Chat"
	DefaultModel      = "gemini-2.0-flash"
	DefaultChatWidth  = 384
	DefaultChatHeight = 600

	// ConfigKey is the single namespaced record every context reads and writes.
	ConfigKey = "config"

	MessageConfigUpdated = "CONFIG_UPDATED"
)

// Message is one entry of a chat log.
type Message struct {
	Role    string `json:"role"`    // "user", "assistant" or "system"
	Content string `json:"content"` // markdown when role is assistant
}

// Chat represents one persisted conversation thread.
type Chat struct {
	ID                  string    `json:"id"`
	Messages            []Message `json:"messages"`
	PageContentIncluded bool      `json:"page_content_included"`
	SearchToolEnabled   bool      `json:"search_tool_enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Title               string    `json:"title,omitempty"`
}

// ChatDimensions is the persisted size of the chat panel in pixels.
type ChatDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config is the sole persisted aggregate shared by every context.
//
// A nil ChatHistory means the field was absent from the record; an empty,
// non-nil slice means the record holds no chats.
type Config struct {
	GeminiAPIKey     string          `json:"geminiApiKey"`
	GeminiModel      string          `json:"geminiModel,omitempty"`
	ExtensionEnabled bool            `json:"extensionEnabled"`
	Theme            string          `json:"theme,omitempty"`
	ChatDimensions   *ChatDimensions `json:"chatDimensions,omitempty"`
	ChatHistory      []Chat          `json:"chat_history"`
	CurrentChatID    string          `json:"current_chat_id,omitempty"`
}

// BroadcastMessage is the point-to-point message the settings surface sends
// to every open content context after it mutates storage.
type BroadcastMessage struct {
	Type   string  `json:"type"`
	Config *Config `json:"config,omitempty"`
}

// ChatDefaults are the per-chat toggles a new chat starts with.
type ChatDefaults struct {
	PageContentIncluded bool `json:"page_content_included"`
	SearchToolEnabled   bool `json:"search_tool_enabled"`
}
