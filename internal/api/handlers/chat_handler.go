package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func (h *ContextHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View().Chats)
}

func (h *ContextHandler) NewChat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.NewChat(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ctrl.View())
}

func (h *ContextHandler) SwitchChat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.SwitchChat(r.Context(), urlParam(r, "chatID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

func (h *ContextHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	if err := ctrl.DeleteChat(r.Context(), urlParam(r, "chatID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *ContextHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ctrl.RenameChat(r.Context(), urlParam(r, "chatID"), req.Title); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}
