package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// DirectoryWriter - запись привязки пользователя к агенту.
type DirectoryWriter interface {
	BindUser(ctx context.Context, e domain.DirectoryEntry) error
}

type bindRequest struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	AgentID  string `json:"agent_id"`
}

type DirectoryHandler struct {
	agents    Lifecycle
	directory DirectoryWriter
}

func NewDirectoryHandler(agents Lifecycle, directory DirectoryWriter) *DirectoryHandler {
	return &DirectoryHandler{agents: agents, directory: directory}
}

// Bind - PUT /v1/directory: закрепляет пользователя платформы за агентом.
// Следующее сообщение пользователя без подсказки уйдет этому агенту.
func (h *DirectoryHandler) Bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.AgentID == "" {
		writeError(w, r, fmt.Errorf("%w: user_id and agent_id are required", domain.ErrValidation))
		return
	}
	ct, err := domain.ParseChannelType(req.Platform)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.agents.Get(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	entry := domain.DirectoryEntry{
		UserID:   req.UserID,
		Platform: string(ct),
		AgentID:  agent.ID,
		VendorID: agent.VendorID,
	}
	if err := h.directory.BindUser(r.Context(), entry); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
