package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// CommunicationLogProvider - чтение журнала коммуникаций, который пишет AgentFS.
type CommunicationLogProvider interface {
	Communications(ctx context.Context, agentID string, limit int) ([]domain.CommunicationLog, error)
}

type AuditHandler struct {
	agents Lifecycle
	logs   CommunicationLogProvider
}

func NewAuditHandler(agents Lifecycle, logs CommunicationLogProvider) *AuditHandler {
	return &AuditHandler{agents: agents, logs: logs}
}

// GetLogs возвращает обмен сообщениями агента.
// GET /v1/agents/{id}/communications?limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.agents.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logs, err := h.logs.Communications(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "communications": logs, "count": len(logs)})
}
