package models

import (
	"slices"
	"strings"
)

const titleMaxRunes = 30

// NormalizeRole coerces unrecognised roles to "user".
func NormalizeRole(role string) string {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return role
	default:
		return RoleUser
	}
}

// DeriveTitle builds a chat title from the first user message: the first
// 30 characters plus "..." when longer, the message verbatim otherwise.
func DeriveTitle(content string) string {
	r := []rune(content)
	if len(r) > titleMaxRunes {
		return string(r[:titleMaxRunes]) + "..."
	}
	return content
}

// HasDefaultTitle reports whether the chat title was never customised.
func (c *Chat) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultChatTitle
}

// DisplayTitle is the label shown in chat lists.
func DisplayTitle(c Chat) string {
	if c.Title != "" {
		return c.Title
	}
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return DeriveTitle(m.Content)
		}
	}
	if c.CreatedAt.IsZero() {
		return DefaultChatTitle
	}
	return DefaultChatTitle + " (" + c.CreatedAt.Local().Format("Jan 2, 2006 3:04 PM") + ")"
}

// Clone returns a deep copy of the chat.
func (c Chat) Clone() Chat {
	c.Messages = slices.Clone(c.Messages)
	return c
}

// FindChat returns the index of the chat with the given id, or -1.
func FindChat(chats []Chat, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(chats, func(c Chat) bool { return c.ID == id })
}

// SortChats returns a copy ordered by UpdatedAt, newest first. Ties keep
// insertion order.
func SortChats(chats []Chat) []Chat {
	out := slices.Clone(chats)
	slices.SortStableFunc(out, func(a, b Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

// LatestUpdated returns the chat with the most recent UpdatedAt. The first
// one wins on ties.
func LatestUpdated(chats []Chat) (Chat, bool) {
	if len(chats) == 0 {
		return Chat{}, false
	}
	best := chats[0]
	for _, c := range chats[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best, true
}

// MessagesEqual compares two message logs element by element.
func MessagesEqual(a, b []Message) bool {
	return slices.Equal(a, b)
}

// ChatsEqual compares two chats field by field, including messages.
func ChatsEqual(a, b Chat) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.PageContentIncluded == b.PageContentIncluded &&
		a.SearchToolEnabled == b.SearchToolEnabled &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		MessagesEqual(a.Messages, b.Messages)
}

// Blank reports whether s is empty after trimming whitespace.
func Blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
