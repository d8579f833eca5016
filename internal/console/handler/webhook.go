package handler

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap"
)

// webhookResult - исход обработки одного сообщения из пачки вебхука.
type webhookResult struct {
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id,omitempty"`
	VendorID string `json:"vendor_id,omitempty"`
	Status   string `json:"status"` // routed | failed
	Error    string `json:"error,omitempty"`
}

// WebhookHandler принимает вебхуки мессенджеров Meta и колбэки бэкендов.
type WebhookHandler struct {
	router      MessageRouter
	agents      Lifecycle
	verifyToken string
	logger      *zap.Logger
}

func NewWebhookHandler(router MessageRouter, agents Lifecycle, verifyToken string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		router:      router,
		agents:      agents,
		verifyToken: verifyToken,
		logger:      logger.Named("webhooks"),
	}
}

// Verify - GET /webhooks/{platform}/{vendorID}, подтверждение подписки Meta.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if q.Get("hub.mode") != "subscribe" || challenge == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if h.verifyToken != "" && subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(h.verifyToken)) != 1 {
		h.logger.Warn("webhook verify token mismatch", zap.String("platform", chi.URLParam(r, "platform")))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// Receive - POST /webhooks/{platform}/{vendorID}. Каждое текстовое сообщение
// маршрутизируется отдельно, vendorID из пути служит подсказкой.
// Платформа всегда получает 200, иначе она будет повторять доставку.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	vendorID := chi.URLParam(r, "vendorID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: reading webhook body: %v", domain.ErrValidation, err))
		return
	}
	msgs, err := ParseWebhook(platform, body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := make([]webhookResult, 0, len(msgs))
	for _, msg := range msgs {
		msg.Hint = vendorID
		res := webhookResult{UserID: msg.UserID, Status: "routed"}
		routed, err := h.router.Route(r.Context(), msg)
		if err != nil {
			h.logger.Error("webhook message not routed",
				zap.String("platform", msg.Platform),
				zap.String("vendor_id", vendorID),
				zap.String("user_id", msg.UserID),
				zap.String("trace_id", engine.TraceID(r.Context())),
				zap.String("error_kind", domain.Kind(err)),
				zap.Error(err),
			)
			res.Status, res.Error = "failed", domain.Kind(err)
		} else {
			res.AgentID, res.VendorID = routed.AgentID, routed.VendorID
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "processed": len(results), "results": results})
}

// BackendEvent - POST /webhooks/backends/{family}: асинхронный статус канала
// от телефонии или conversational бэкенда.
func (h *WebhookHandler) BackendEvent(w http.ResponseWriter, r *http.Request) {
	family := domain.Family(chi.URLParam(r, "family"))
	if family != domain.FamilyTelephony && family != domain.FamilyConversational {
		writeError(w, r, fmt.Errorf("%w: unknown backend family %q", domain.ErrValidation, family))
		return
	}
	var ev engine.ChannelEvent
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	ct, err := domain.ParseChannelType(string(ev.Channel))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ct.Family() != family {
		writeError(w, r, fmt.Errorf("%w: channel %s does not belong to %s backend", domain.ErrValidation, ct, family))
		return
	}
	st, err := domain.ParseChannelStatus(string(ev.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev.Channel, ev.Status = ct, st

	agent, err := h.agents.ApplyChannelEvent(r.Context(), ev)
	if err != nil {
		h.logger.Warn("backend event rejected",
			zap.String("agent_id", ev.AgentID),
			zap.String("channel_type", string(ct)),
			zap.String("error_kind", domain.Kind(err)),
			zap.Error(err),
		)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ParseWebhook разбирает тело вебхука Meta в нормализованные сообщения.
// Сообщения без текста (медиа, статусы доставки) пропускаются.
func ParseWebhook(platform string, body []byte) ([]domain.InboundMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: webhook body is not valid JSON", domain.ErrValidation)
	}
	ct, err := domain.ParseChannelType(platform)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	switch ct {
	case domain.ChannelWhatsApp:
		return parseChanges(root, whatsAppMessage), nil
	case domain.ChannelInstagram:
		return parseChanges(root, instagramMessage), nil
	case domain.ChannelFacebook:
		return parseMessenger(root), nil
	default:
		return nil, fmt.Errorf("%w: webhooks are not supported for %s", domain.ErrValidation, ct)
	}
}

// parseChanges обходит entry[].changes[] с field == "messages".
func parseChanges(root gjson.Result, convert func(gjson.Result) (domain.InboundMessage, bool)) []domain.InboundMessage {
	var out []domain.InboundMessage
	root.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			if change.Get("field").String() != "messages" {
				return true
			}
			change.Get("value.messages").ForEach(func(_, m gjson.Result) bool {
				if msg, ok := convert(m); ok {
					out = append(out, msg)
				}
				return true
			})
			return true
		})
		return true
	})
	return out
}

func whatsAppMessage(m gjson.Result) (domain.InboundMessage, bool) {
	text := m.Get("text.body").String()
	if text == "" {
		// Ответы на кнопки и списки
		text = m.Get("interactive.button_reply.title").String()
	}
	if text == "" {
		text = m.Get("interactive.list_reply.title").String()
	}
	from := m.Get("from").String()
	if text == "" || from == "" {
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{
		Platform: string(domain.ChannelWhatsApp),
		UserID:   from,
		Text:     text,
		Metadata: map[string]any{
			"message_id": m.Get("id").String(),
			"timestamp":  m.Get("timestamp").String(),
			"from":       from,
		},
	}, true
}

func instagramMessage(m gjson.Result) (domain.InboundMessage, bool) {
	text := m.Get("text")
	if text.Type != gjson.String {
		text = m.Get("text.body")
	}
	from := m.Get("from.id").String()
	if text.String() == "" || from == "" {
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{
		Platform: "instagram_dm",
		UserID:   from,
		Text:     text.String(),
		Metadata: map[string]any{
			"message_id": m.Get("id").String(),
			"timestamp":  m.Get("timestamp").String(),
		},
	}, true
}

// parseMessenger обходит entry[].messaging[] формата Messenger Platform.
func parseMessenger(root gjson.Result) []domain.InboundMessage {
	var out []domain.InboundMessage
	root.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("messaging").ForEach(func(_, ev gjson.Result) bool {
			text := ev.Get("message.text").String()
			sender := ev.Get("sender.id").String()
			if text == "" || sender == "" {
				return true
			}
			out = append(out, domain.InboundMessage{
				Platform: "facebook_messenger",
				UserID:   sender,
				Text:     text,
				Metadata: map[string]any{
					"message_id":   ev.Get("message.mid").String(),
					"recipient_id": ev.Get("recipient.id").String(),
					"timestamp":    ev.Get("timestamp").String(),
				},
			})
			return true
		})
		return true
	})
	return out
}
