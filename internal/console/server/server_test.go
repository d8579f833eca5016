package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/voca-engine/internal/audit"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/contextstore"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"github.com/xela07ax/voca-engine/internal/infra/auth"
	"github.com/xela07ax/voca-engine/internal/repository/memory"
	"github.com/xela07ax/voca-engine/internal/routing"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stack struct {
	srv  *Server
	repo *memory.Store
	conv *connectors.MockConversational
}

func newStack(t *testing.T, validator auth.TokenValidator) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	repo := memory.New()
	tel := &connectors.MockTelephony{}
	conv := &connectors.MockConversational{}
	contexts := contextstore.New(contextstore.NewMemoryBackend(), nil, 20, logger)
	auditor := audit.NewAgentFS(repo, audit.Options{FlushInterval: 10 * time.Millisecond, Fill: metrics.AuditBufferFill}, logger)
	auditor.Start()
	t.Cleanup(auditor.Stop)

	coord := engine.NewCoordinator(tel, conv, repo, engine.CoordinatorConfig{WebhookBaseURL: "https://voca.test/webhooks"}, metrics, logger)
	mgr := engine.NewManager(engine.ManagerDeps{
		Store:       repo,
		Coordinator: coord,
		Contexts:    contexts,
		Metrics:     metrics,
		Logger:      logger,
	})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	router := routing.NewRouter(routing.Deps{
		Resolvers: []routing.Resolver{
			routing.HintResolver{Agents: repo},
			routing.NewDirectoryResolver(repo, repo, time.Second),
		},
		Telephony:      tel,
		Conversational: conv,
		Channels:       repo,
		History:        contexts,
		Auditor:        auditor,
		Metrics:        metrics,
		Logger:         logger,
	})

	srv := New(Deps{
		Agents:    mgr,
		Contexts:  contexts,
		Router:    router,
		Directory: repo,
		Journal:   repo,
		Validator: validator,
		Gatherer:  reg,
		Logger:    logger,
	})
	return &stack{srv: srv, repo: repo, conv: conv}
}

func (s *stack) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_AgentLifecycleAndRouting(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		Name:         "Store A",
		VendorID:     "store-a",
		BusinessType: "retail",
		Channels:     []domain.ChannelType{domain.ChannelWhatsApp, domain.ChannelVoice},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decode[domain.Agent](t, rec)
	assert.Equal(t, domain.StatusActive, agent.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	rec = s.do(t, http.MethodGet, "/v1/agents?status=active", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[domain.AgentStatusView](t, rec)
	assert.Len(t, view.Channels, 2)

	rec = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/provisioning", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[domain.ProvisioningSnapshot](t, rec)
	assert.Equal(t, domain.SnapshotCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)

	rec = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/provisioning/logs?limit=3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 3, logs.Count)

	rec = s.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"platform": "whatsapp", "user_id": "+15550001", "message": "hello", "vendor_id": "store-a",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	routed := decode[map[string]any](t, rec)
	assert.Equal(t, agent.ID, routed["agent_id"])
	assert.Equal(t, "hint", routed["resolved_by"])
	assert.Contains(t, routed["response"], "hello")
	assert.Contains(t, routed, "processing_time_ms")

	rec = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/context?recent=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[domain.ContextSummary](t, rec)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Conversations[domain.ChannelWhatsApp])

	// Журнал коммуникаций пишется асинхронно пачками
	assert.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/v1/agents/"+agent.ID+"/communications", nil, "")
		var page struct {
			Count int `json:"count"`
		}
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &page) == nil && page.Count == 2
	}, 2*time.Second, 20*time.Millisecond)

	rec = s.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/pause", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPaused, decode[domain.Agent](t, rec).Status)

	// Агент на паузе не принимает сообщения
	rec = s.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"platform": "whatsapp", "user_id": "+15550001", "message": "still there?", "vendor_id": "store-a",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Error)

	rec = s.do(t, http.MethodDelete, "/v1/agents/"+agent.ID+"/context", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/agents/"+agent.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/v1/agents/"+agent.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// errorBody повторяет тело ошибки API.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

func TestServer_ErrorMapping(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/agents", map[string]any{"name": "", "business_type": "retail", "channels": []string{"whatsapp"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "validation", body.Error)
	assert.NotEmpty(t, body.TraceID)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents", strings.NewReader("{broken"))
	rr := httptest.NewRecorder()
	s.srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = s.do(t, http.MethodPost, "/v1/messages", map[string]any{"platform": "whatsapp", "user_id": "+1", "message": "hi"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "agent_not_found", decode[errorBody](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/v1/agents/nope/start", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/agents?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/agents/nope/context", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AuthAndPublicRoutes(t *testing.T) {
	v, err := auth.NewBaseValidator(testSecret)
	require.NoError(t, err)
	s := newStack(t, v)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, "").Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voca_audit_buffer_utilization")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/agents", nil, "").Code)

	reader, err := v.IssueToken("svc-ro", "", []string{ScopeAgentsRead}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/agents", nil, reader).Code)
	spec := domain.AgentSpec{Name: "Store B", VendorID: "store-b", BusinessType: "retail", Channels: []domain.ChannelType{domain.ChannelSMS}}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/agents", spec, reader).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v1/messages", map[string]any{}, reader).Code)

	writer, err := v.IssueToken("svc-rw", "", []string{ScopeAgentsWrite}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/agents", spec, writer).Code)

	// Вебхуки открыты, у платформ нет bearer-токенов
	rec = s.do(t, http.MethodGet, "/webhooks/whatsapp/store-b?hub.mode=subscribe&hub.challenge=abc", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
}

func TestServer_WebhookDeliversToAgent(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		Name: "Store C", VendorID: "store-c", BusinessType: "retail",
		Channels: []domain.ChannelType{domain.ChannelWhatsApp},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	payload := `{"entry":[{"changes":[{"field":"messages","value":{"messages":[{"from":"+15550009","id":"wamid.9","text":{"body":"menu"}}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/store-c", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	s.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"routed"`)
	assert.Equal(t, 1, s.conv.Calls("handle"))
}

func TestServer_DirectoryBinding(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(t, http.MethodPost, "/v1/agents", domain.AgentSpec{
		Name: "Store D", VendorID: "store-d", BusinessType: "retail",
		Channels: []domain.ChannelType{domain.ChannelInstagram},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	agent := decode[domain.Agent](t, rec)

	rec = s.do(t, http.MethodPut, "/v1/directory", map[string]any{"user_id": "ig-77", "platform": "instagram_dm", "agent_id": agent.ID}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "instagram", decode[domain.DirectoryEntry](t, rec).Platform)

	rec = s.do(t, http.MethodPost, "/v1/messages", map[string]any{"platform": "instagram", "user_id": "ig-77", "message": "hi"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	routed := decode[map[string]any](t, rec)
	assert.Equal(t, agent.ID, routed["agent_id"])
	assert.Equal(t, "directory", routed["resolved_by"])

	rec = s.do(t, http.MethodPut, "/v1/directory", map[string]any{"user_id": "ig-77", "platform": "instagram", "agent_id": "ghost"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPut, "/v1/directory", map[string]any{"user_id": "", "platform": "instagram", "agent_id": agent.ID}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
