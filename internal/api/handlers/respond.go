package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/contextai/internal/core/ingestion_engine"
	"github.com/markdave123-py/contextai/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, services.ErrChatNotFound), errors.Is(err, services.ErrContextNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrEmptyTitle), errors.Is(err, services.ErrUnknownToggle),
		errors.Is(err, services.ErrEmptyAPIKey):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ingestion_engine.ErrQueueFull):
		status, msg = http.StatusServiceUnavailable, err.Error()
	default:
		slog.Error("http: request failed", "error", err)
	}
	http.Error(w, msg, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
