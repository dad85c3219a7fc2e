package handlers

import (
	"net/http"

	"github.com/markdave123-py/contextai/internal/models"
	"github.com/markdave123-py/contextai/internal/services"
)

// SettingsHandler is the popup surface.
type SettingsHandler struct {
	settings *services.SettingsService
}

func NewSettingsHandler(settings *services.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

type settingsView struct {
	Enabled   bool   `json:"enabled"`
	APIKeySet bool   `json:"api_key_set"`
	Model     string `json:"model"`
}

func toSettingsView(cfg models.Config) settingsView {
	model := cfg.GeminiModel
	if model == "" {
		model = models.DefaultModel
	}
	return settingsView{Enabled: cfg.ExtensionEnabled, APIKeySet: cfg.GeminiAPIKey != "", Model: model}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsView(cfg))
}

type updateSettingsRequest struct {
	Enabled *bool   `json:"enabled"`
	APIKey  *string `json:"api_key"`
}

// Update applies the enabled flag, then the key. Each write is broadcast.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil && req.APIKey == nil {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}
	if req.APIKey != nil && models.Blank(*req.APIKey) {
		writeError(w, services.ErrEmptyAPIKey)
		return
	}

	var (
		cfg models.Config
		err error
	)
	if req.Enabled != nil {
		if cfg, err = h.settings.SetEnabled(r.Context(), *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.APIKey != nil {
		if cfg, err = h.settings.SetAPIKey(r.Context(), *req.APIKey); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toSettingsView(cfg))
}
