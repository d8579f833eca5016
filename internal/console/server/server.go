package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/voca-engine/internal/console/handler"
	"github.com/xela07ax/voca-engine/internal/engine"
	"github.com/xela07ax/voca-engine/internal/infra/auth"
	"go.uber.org/zap"
)

// Scopes вызывающих сервисов
const (
	ScopeAgentsRead    = "agents.read"
	ScopeAgentsWrite   = "agents.write"
	ScopeMessagesRoute = "messages.route"
)

// Pinger - проверка готовности хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Agents      handler.Lifecycle
	Contexts    handler.ContextReader
	Router      handler.MessageRouter
	Directory   handler.DirectoryWriter
	Journal     handler.CommunicationLogProvider
	Store       Pinger              // Может быть nil
	Validator   auth.TokenValidator // nil - API без аутентификации
	Gatherer    prometheus.Gatherer // nil - /metrics не публикуется
	VerifyToken string
	Logger      *zap.Logger
}

// Server - HTTP фасад движка: API агентов, маршрутизация и вебхуки.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps

	agentHandler   *handler.AgentHandler     // /v1/agents
	contextHandler *handler.ContextHandler   // /v1/agents/{id}/context
	messageHandler *handler.MessageHandler   // /v1/messages
	webhookHandler *handler.WebhookHandler   // /webhooks
	dirHandler     *handler.DirectoryHandler // /v1/directory
	auditHandler   *handler.AuditHandler     // /v1/agents/{id}/communications
}

func New(d Deps) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         d.Logger.Named("http"),
		deps:           d,
		agentHandler:   handler.NewAgentHandler(d.Agents, d.Logger),
		contextHandler: handler.NewContextHandler(d.Agents, d.Contexts),
		messageHandler: handler.NewMessageHandler(d.Router),
		webhookHandler: handler.NewWebhookHandler(d.Router, d.Agents, d.VerifyToken, d.Logger),
		dirHandler:     handler.NewDirectoryHandler(d.Agents, d.Directory),
		auditHandler:   handler.NewAuditHandler(d.Agents, d.Journal),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.ready)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Вебхуки подписаны самими платформами, bearer-токенов у них нет
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/backends/{family}", s.webhookHandler.BackendEvent)
		r.Get("/{platform}/{vendorID}", s.webhookHandler.Verify)
		r.Post("/{platform}/{vendorID}", s.webhookHandler.Receive)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		if s.deps.Validator != nil {
			r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))
		}

		r.With(auth.RequireScope(ScopeMessagesRoute)).Post("/v1/messages", s.messageHandler.Route)
		if s.deps.Directory != nil {
			r.With(auth.RequireScope(ScopeAgentsWrite)).Put("/v1/directory", s.dirHandler.Bind)
		}

		r.Route("/v1/agents", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeAgentsRead)).Get("/", s.agentHandler.List)
			r.With(auth.RequireScope(ScopeAgentsWrite)).Post("/", s.agentHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopeAgentsRead))
					r.Get("/", s.agentHandler.Get)
					r.Get("/status", s.agentHandler.Status)
					r.Get("/provisioning", s.agentHandler.Provisioning)
					r.Get("/provisioning/logs", s.agentHandler.ProvisioningLogs)
					r.Get("/context", s.contextHandler.Get)
					if s.deps.Journal != nil {
						r.Get("/communications", s.auditHandler.GetLogs)
					}
				})
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopeAgentsWrite))
					r.Patch("/", s.agentHandler.Update)
					r.Delete("/", s.agentHandler.Delete)
					r.Post("/start", s.agentHandler.Start)
					r.Post("/stop", s.agentHandler.Stop)
					r.Post("/pause", s.agentHandler.Pause)
					r.Post("/resume", s.agentHandler.Resume)
					r.Delete("/context", s.contextHandler.Clear)
				})
			})
		})
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// accessLog пишет одну строку zap на запрос.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("trace_id", engine.TraceID(r.Context())),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
