package services

import (
	"errors"
	"log/slog"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrEmptyTitle      = errors.New("chat title is empty")
	ErrContextNotFound = errors.New("context not found")
	ErrEmptyAPIKey     = errors.New("api key is empty")
	ErrUnknownToggle   = errors.New("unknown toggle")
)

// logStorageError records a failed store read or write. Callers keep their
// local state and carry on.
func logStorageError(op string, err error, args ...any) {
	slog.Error("storage: "+op+" failed", append([]any{"error", err}, args...)...)
}
