package handlers

import (
	"io"
	"net/http"

	middleware "github.com/markdave123-py/contextai/internal/api/middlewares"
	"github.com/markdave123-py/contextai/internal/core/ingestion_engine"
	"github.com/markdave123-py/contextai/internal/models"
	"github.com/markdave123-py/contextai/internal/services"
)

const maxPageBytes = 5 << 20

// TokenIssuer signs context tokens.
type TokenIssuer interface {
	Issue(contextID string) (string, error)
}

// PageQueue accepts host page snapshots for background extraction.
type PageQueue interface {
	Enqueue(job ingestion_engine.PageJob) error
}

// ContextHandler serves the chat panel of one context (tab).
type ContextHandler struct {
	registry *services.ContextRegistry
	tokens   TokenIssuer
	pages    PageQueue
}

func NewContextHandler(registry *services.ContextRegistry, tokens TokenIssuer, pages PageQueue) *ContextHandler {
	return &ContextHandler{registry: registry, tokens: tokens, pages: pages}
}

// controller resolves the context named by the request token.
func (h *ContextHandler) controller(w http.ResponseWriter, r *http.Request) (*services.SessionController, bool) {
	id, ok := middleware.ContextID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	ctrl, err := h.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return ctrl, true
}

func (h *ContextHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.registry.Open(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.tokens.Issue(ctrl.ID())
	if err != nil {
		_ = h.registry.Close(ctrl.ID())
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"context_id": ctrl.ID(),
		"token":      token,
	})
}

func (h *ContextHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.ContextID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.registry.Close(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ContextHandler) View(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

type inputRequest struct {
	Text string `json:"text"`
}

func (h *ContextHandler) SetInput(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if !decode(w, r, &req) {
		return
	}
	ctrl.SetInput(req.Text)
	writeJSON(w, http.StatusOK, ctrl.View())
}

// Send starts a send in the background; progress arrives on the event stream.
func (h *ContextHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.ContextID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.registry.SendAsync(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type panelRequest struct {
	Open bool `json:"open"`
}

func (h *ContextHandler) SetPanel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req panelRequest
	if !decode(w, r, &req) {
		return
	}
	ctrl.SetPanelOpen(req.Open)
	writeJSON(w, http.StatusOK, ctrl.View())
}

type toggleRequest struct {
	Value bool `json:"value"`
}

func (h *ContextHandler) SetToggle(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ctrl.SetToggle(r.Context(), urlParam(r, "field"), req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

func (h *ContextHandler) ToggleTheme(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	theme, err := ctrl.ToggleTheme(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": theme})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (h *ContextHandler) SetModel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req modelRequest
	if !decode(w, r, &req) {
		return
	}
	if models.Blank(req.Model) {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if err := ctrl.SetModel(r.Context(), req.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

func (h *ContextHandler) SetDimensions(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.controller(w, r)
	if !ok {
		return
	}
	var req models.ChatDimensions
	if !decode(w, r, &req) {
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		http.Error(w, "dimensions must be positive", http.StatusBadRequest)
		return
	}
	if err := ctrl.SetDimensions(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.View())
}

// SetPage queues the host page body for text extraction.
func (h *ContextHandler) SetPage(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.ContextID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPageBytes))
	if err != nil {
		http.Error(w, "page too large", http.StatusRequestEntityTooLarge)
		return
	}
	job := ingestion_engine.PageJob{ContextID: id, Body: body, ContentType: r.Header.Get("Content-Type")}
	if err := h.pages.Enqueue(job); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
