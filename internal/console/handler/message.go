package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// MessageRouter - маршрутизация входящего сообщения к агенту.
type MessageRouter interface {
	Route(ctx context.Context, msg domain.InboundMessage) (*domain.RouteResult, error)
}

type routeResponse struct {
	*domain.RouteResult
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

type MessageHandler struct {
	router MessageRouter
}

func NewMessageHandler(router MessageRouter) *MessageHandler {
	return &MessageHandler{router: router}
}

// Route - POST /v1/messages
func (h *MessageHandler) Route(w http.ResponseWriter, r *http.Request) {
	var msg domain.InboundMessage
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.router.Route(r.Context(), msg)
	if err != nil {
		// Подробности уже в логе роутера
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{RouteResult: res, ProcessingTimeMs: res.Elapsed.Milliseconds()})
}
