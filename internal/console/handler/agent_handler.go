package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap"
)

// Lifecycle - операции жизненного цикла, которые отдает API.
type Lifecycle interface {
	Create(ctx context.Context, spec domain.AgentSpec) (*domain.Agent, error)
	Get(ctx context.Context, id string) (*domain.Agent, error)
	List(ctx context.Context, f engine.AgentFilter) ([]*domain.Agent, error)
	Update(ctx context.Context, id string, upd domain.AgentUpdate) (*domain.Agent, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) (*domain.Agent, error)
	Stop(ctx context.Context, id string) (*domain.Agent, error)
	Pause(ctx context.Context, id string) (*domain.Agent, error)
	Resume(ctx context.Context, id string) (*domain.Agent, error)
	Status(ctx context.Context, id string) (*domain.AgentStatusView, error)
	ProvisioningStatus(ctx context.Context, id string) (*domain.ProvisioningSnapshot, error)
	ProvisioningLogs(ctx context.Context, id string, limit int) ([]domain.ProvisioningLogEntry, error)
	ApplyChannelEvent(ctx context.Context, ev engine.ChannelEvent) (*domain.Agent, error)
}

type AgentHandler struct {
	agents Lifecycle
	logger *zap.Logger
}

func NewAgentHandler(agents Lifecycle, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: logger.Named("agents-api")}
}

// Create - POST /v1/agents. Провижининг каналов выполняется синхронно,
// ответ содержит итоговый статус (active или error).
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec domain.AgentSpec
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.agents.Create(r.Context(), spec)
	if err != nil {
		h.fail(w, r, "create", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// List - GET /v1/agents?status=&vendor_id=&offset=&limit=
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	agents, err := h.agents.List(r.Context(), engine.AgentFilter{
		Status:   domain.AgentStatus(q.Get("status")),
		VendorID: q.Get("vendor_id"),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		h.fail(w, r, "list", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.agents.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// Update - PATCH /v1/agents/{id}
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd domain.AgentUpdate
	if err := decodeBody(w, r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.agents.Update(r.Context(), id, upd)
	if err != nil {
		h.fail(w, r, "update", id, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.agents.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "start", h.agents.Start)
}

func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "stop", h.agents.Stop)
}

func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "pause", h.agents.Pause)
}

func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycleOp(w, r, "resume", h.agents.Resume)
}

func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.agents.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, "status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Provisioning - GET /v1/agents/{id}/provisioning, снимок прогресса.
func (h *AgentHandler) Provisioning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.agents.ProvisioningStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, "provisioning_status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ProvisioningLogs - GET /v1/agents/{id}/provisioning/logs?limit=
func (h *AgentHandler) ProvisioningLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := h.agents.ProvisioningLogs(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, "provisioning_logs", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "logs": logs, "count": len(logs)})
}

func (h *AgentHandler) lifecycleOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*domain.Agent, error)) {
	id := chi.URLParam(r, "id")
	agent, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, op, id, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) fail(w http.ResponseWriter, r *http.Request, op, agentID string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("agent_id", agentID),
		zap.String("trace_id", engine.TraceID(r.Context())),
		zap.String("error_kind", domain.Kind(err)),
		zap.Error(err),
	}
	if statusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("agent operation failed", fields...)
	} else {
		h.logger.Debug("agent operation rejected", fields...)
	}
	writeError(w, r, err)
}
