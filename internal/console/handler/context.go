package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// ContextReader - доступ админки к общему контексту агента.
type ContextReader interface {
	Summary(ctx context.Context, agentID string, recent int) (*domain.ContextSummary, error)
	Clear(ctx context.Context, agentID string) error
}

type ContextHandler struct {
	agents   Lifecycle
	contexts ContextReader
}

func NewContextHandler(agents Lifecycle, contexts ContextReader) *ContextHandler {
	return &ContextHandler{agents: agents, contexts: contexts}
}

// Get - GET /v1/agents/{id}/context?recent=
func (h *ContextHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.agents.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	recent, err := queryInt(r, "recent", 10)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := h.contexts.Summary(r.Context(), id, recent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Clear - DELETE /v1/agents/{id}/context
func (h *ContextHandler) Clear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.agents.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.contexts.Clear(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
