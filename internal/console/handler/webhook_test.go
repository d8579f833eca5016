package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap/zaptest"
)

const whatsAppPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [
      {"field": "statuses", "value": {"statuses": [{"id": "s1"}]}},
      {"field": "messages", "value": {"messages": [
        {"from": "+15550001", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "hello"}},
        {"from": "+15550002", "id": "wamid.2", "type": "interactive", "interactive": {"button_reply": {"id": "b1", "title": "Yes"}}},
        {"from": "+15550003", "id": "wamid.3", "type": "interactive", "interactive": {"list_reply": {"id": "l1", "title": "Pizza"}}},
        {"from": "+15550004", "id": "wamid.4", "type": "image", "image": {"id": "media"}}
      ]}}
    ]
  }]
}`

const instagramPayload = `{
  "object": "instagram",
  "entry": [{"changes": [{"field": "messages", "value": {"messages": [
    {"from": {"id": "ig-user-1"}, "id": "m1", "text": "hi there"},
    {"from": {"id": "ig-user-2"}, "id": "m2"}
  ]}}]}]
}`

const messengerPayload = `{
  "object": "page",
  "entry": [{"messaging": [
    {"sender": {"id": "psid-1"}, "recipient": {"id": "page-1"}, "timestamp": 1700000000, "message": {"mid": "mid.1", "text": "order status?"}},
    {"sender": {"id": "psid-2"}, "recipient": {"id": "page-1"}, "delivery": {"mids": ["mid.0"]}}
  ]}]
}`

func TestParseWebhook_WhatsApp(t *testing.T) {
	msgs, err := ParseWebhook("whatsapp", []byte(whatsAppPayload))
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "+15550001", msgs[0].UserID)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "whatsapp", msgs[0].Platform)
	assert.Equal(t, "wamid.1", msgs[0].Metadata["message_id"])
	assert.Equal(t, "1700000000", msgs[0].Metadata["timestamp"])
	assert.Equal(t, "Yes", msgs[1].Text)
	assert.Equal(t, "Pizza", msgs[2].Text)
}

func TestParseWebhook_InstagramAndMessenger(t *testing.T) {
	ig, err := ParseWebhook("instagram", []byte(instagramPayload))
	require.NoError(t, err)
	require.Len(t, ig, 1)
	assert.Equal(t, "ig-user-1", ig[0].UserID)
	assert.Equal(t, "instagram_dm", ig[0].Platform)
	assert.Equal(t, "hi there", ig[0].Text)

	fb, err := ParseWebhook("facebook", []byte(messengerPayload))
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, "psid-1", fb[0].UserID)
	assert.Equal(t, "facebook_messenger", fb[0].Platform)
	assert.Equal(t, "mid.1", fb[0].Metadata["message_id"])
	assert.Equal(t, "page-1", fb[0].Metadata["recipient_id"])

	// Нормализованные платформы принимаются роутером
	for _, m := range append(ig, fb...) {
		_, err := m.Normalize()
		assert.NoError(t, err)
	}
}

func TestParseWebhook_Rejects(t *testing.T) {
	_, err := ParseWebhook("whatsapp", []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseWebhook("voice", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseWebhook("pager", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	msgs, err := ParseWebhook("whatsapp", []byte(`{"entry": []}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type fakeRouter struct {
	mu   sync.Mutex
	seen []domain.InboundMessage
	fail map[string]error
}

func (f *fakeRouter) Route(_ context.Context, msg domain.InboundMessage) (*domain.RouteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, msg)
	if err := f.fail[msg.UserID]; err != nil {
		return nil, err
	}
	return &domain.RouteResult{Reply: "ok", AgentID: "agent-" + msg.Hint, VendorID: msg.Hint, Via: domain.ResolvedByHint}, nil
}

// fakeLifecycle реализует только колбэки бэкендов.
type fakeLifecycle struct {
	Lifecycle
	events []engine.ChannelEvent
}

func (f *fakeLifecycle) ApplyChannelEvent(_ context.Context, ev engine.ChannelEvent) (*domain.Agent, error) {
	if ev.AgentID == "missing" {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, ev.AgentID)
	}
	f.events = append(f.events, ev)
	return &domain.Agent{ID: ev.AgentID, Status: domain.StatusActive}, nil
}

func webhookRouter(t *testing.T, h *WebhookHandler) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Use(engine.TracingMiddleware)
	r.Post("/webhooks/backends/{family}", h.BackendEvent)
	r.Get("/webhooks/{platform}/{vendorID}", h.Verify)
	r.Post("/webhooks/{platform}/{vendorID}", h.Receive)
	return r
}

func TestWebhook_Verify(t *testing.T) {
	srv := webhookRouter(t, NewWebhookHandler(&fakeRouter{}, &fakeLifecycle{}, "s3cret", zaptest.NewLogger(t)))

	cases := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"ok", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"no challenge", "hub.mode=subscribe&hub.verify_token=s3cret", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusForbidden, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp/store-a?"+tc.query, nil))
			assert.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestWebhook_ReceiveRoutesEachMessage(t *testing.T) {
	router := &fakeRouter{fail: map[string]error{
		"+15550002": fmt.Errorf("%w: backend down", domain.ErrUpstream),
	}}
	srv := webhookRouter(t, NewWebhookHandler(router, &fakeLifecycle{}, "", zaptest.NewLogger(t)))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/store-a", strings.NewReader(whatsAppPayload)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Processed int             `json:"processed"`
		Results   []webhookResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Processed)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "routed", body.Results[0].Status)
	assert.Equal(t, "agent-store-a", body.Results[0].AgentID)
	assert.Equal(t, "failed", body.Results[1].Status)
	assert.Equal(t, "upstream", body.Results[1].Error)

	require.Len(t, router.seen, 3)
	for _, m := range router.seen {
		assert.Equal(t, "store-a", m.Hint)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/store-a", strings.NewReader("garbage")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_BackendEvent(t *testing.T) {
	agents := &fakeLifecycle{}
	srv := webhookRouter(t, NewWebhookHandler(&fakeRouter{}, agents, "", zaptest.NewLogger(t)))

	post := func(family, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/backends/"+family, strings.NewReader(body)))
		return rec
	}

	rec := post("telephony", `{"agent_id":"a1","channel_type":"call","status":"FAILED","reason":"number released"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, agents.events, 1)
	assert.Equal(t, domain.ChannelVoice, agents.events[0].Channel)
	assert.Equal(t, domain.ChannelFailed, agents.events[0].Status)

	// Канал чужого семейства
	assert.Equal(t, http.StatusBadRequest, post("telephony", `{"agent_id":"a1","channel_type":"whatsapp","status":"active"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("fax", `{"agent_id":"a1","channel_type":"sms","status":"active"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("conversational", `{"agent_id":"a1","channel_type":"whatsapp","status":"exploded"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("conversational", `{"agent_id":"missing","channel_type":"whatsapp","status":"active"}`).Code)
	assert.Len(t, agents.events, 1)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: x", domain.ErrValidation):      http.StatusBadRequest,
		fmt.Errorf("%w: x", domain.ErrAgentNotFound):   http.StatusNotFound,
		fmt.Errorf("%w: x", domain.ErrNotFound):        http.StatusNotFound,
		fmt.Errorf("%w: x", domain.ErrConflict):        http.StatusConflict,
		fmt.Errorf("%w: x", domain.ErrUpstreamTimeout): http.StatusGatewayTimeout,
		fmt.Errorf("%w: x", domain.ErrUpstream):        http.StatusBadGateway,
		fmt.Errorf("boom"):                              http.StatusInternalServerError,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(err), err.Error())
	}
}
