package services

import (
	"context"
	"log/slog"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

// SettingsService is the popup surface: it writes the enabled flag and the
// API key, then tells every open context about the new record.
type SettingsService struct {
	store *ConfigStore
	bus   core.MessageBus
}

func NewSettingsService(store *ConfigStore, bus core.MessageBus) *SettingsService {
	return &SettingsService{store: store, bus: bus}
}

func (s *SettingsService) Get(ctx context.Context) (models.Config, error) {
	return s.store.Get(ctx)
}

func (s *SettingsService) SetEnabled(ctx context.Context, enabled bool) (models.Config, error) {
	return s.save(ctx, ConfigPatch{ExtensionEnabled: &enabled})
}

// SetAPIKey stores key as given. Blank keys are rejected without a write.
func (s *SettingsService) SetAPIKey(ctx context.Context, key string) (models.Config, error) {
	if models.Blank(key) {
		return models.Config{}, ErrEmptyAPIKey
	}
	return s.save(ctx, ConfigPatch{GeminiAPIKey: &key})
}

func (s *SettingsService) save(ctx context.Context, patch ConfigPatch) (models.Config, error) {
	cfg, err := s.store.Set(ctx, patch)
	if err != nil {
		logStorageError("save settings", err)
		return models.Config{}, err
	}

	msg := models.BroadcastMessage{Type: models.MessageConfigUpdated, Config: &cfg}
	if err := s.bus.Publish(ctx, msg); err != nil {
		slog.Warn("settings: broadcast failed", "error", err)
	}
	return cfg, nil
}
