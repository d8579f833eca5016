package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/voca-engine/internal/audit"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/console/handler"
	"github.com/xela07ax/voca-engine/internal/console/server"
	"github.com/xela07ax/voca-engine/internal/contextstore"
	"github.com/xela07ax/voca-engine/internal/engine"
	"github.com/xela07ax/voca-engine/internal/infra"
	"github.com/xela07ax/voca-engine/internal/infra/auth"
	"github.com/xela07ax/voca-engine/internal/repository/memory"
	"github.com/xela07ax/voca-engine/internal/repository/postgres"
	"github.com/xela07ax/voca-engine/internal/repository/sqlite"
	"github.com/xela07ax/voca-engine/internal/routing"
)

// repository - все, что движок берет у хранилища.
type repository interface {
	engine.Store
	routing.DirectoryStore
	audit.StorageInterface
	handler.CommunicationLogProvider
}

type backends struct {
	telephony        connectors.TelephonyProvisioner
	telephonyHandler connectors.MessageHandler
	conversational   connectors.ConversationalAgentManager
	convHandler      connectors.MessageHandler
	close            func()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fs := pflag.NewFlagSet("voca-engine", pflag.ExitOnError)
	fs.String("config", "", "path to config file")
	fs.Int("server.port", 8008, "HTTP port")
	fs.String("database.driver", "memory", "storage driver: memory, sqlite, postgres")
	fs.String("provisioning.policy", "require_all", "channel provisioning policy: require_all, best_effort")
	fs.String("backends.mode", "mock", "backend adapters: mock, live")
	fs.String("logger.level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine failed", zap.Error(err))
	}
	logger.Info("voca engine exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	repo, closeRepo, err := openRepository(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	be, err := openBackends(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// 2. Control Plane: пауза и стоп агентов видны всем инстансам
	suspension := engine.NewSuspensionManager(rdb, repo, logger)
	if err := suspension.Init(appCtx); err != nil {
		return fmt.Errorf("init suspension manager: %w", err)
	}
	go suspension.StartListener(appCtx)

	// Журнал коммуникаций пишется пачками
	auditor := audit.NewAgentFS(repo, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		Fill:          metrics.AuditBufferFill,
	}, logger)
	auditor.Start()
	defer auditor.Stop()

	// 3. Контекст и маршрутизация
	var ctxBackend contextstore.Backend = contextstore.NewMemoryBackend()
	var directory routing.DirectoryStore = repo
	var ctxLocker, agentLocker, convLocker engine.Locker
	if rdb != nil {
		ctxBackend = contextstore.NewRedisBackend(rdb)
		directory = routing.NewCachedDirectory(repo, rdb, cfg.Routing.DirectoryTTL, logger)
		ctxLocker = engine.NewRedisLocker(rdb, infra.ContextLockKey, 10*time.Second)
		agentLocker = engine.NewRedisLocker(rdb, infra.AgentLockKey, 30*time.Second)
		convLocker = engine.NewRedisLocker(rdb, infra.ConversationLockKey, 2*cfg.Routing.DispatchTimeout)
	}
	contexts := contextstore.New(ctxBackend, ctxLocker, cfg.Context.HistoryLimit, logger)

	resolvers := []routing.Resolver{
		routing.HintResolver{Agents: repo},
		routing.NewDirectoryResolver(directory, repo, cfg.Routing.DirectoryTimeout),
	}
	if cfg.Routing.InferenceEnabled {
		resolvers = append(resolvers, routing.InferenceResolver{Inferrer: routing.MetadataInferrer{}, Agents: repo})
	}
	router := routing.NewRouter(routing.Deps{
		Resolvers:       resolvers,
		Telephony:       be.telephonyHandler,
		Conversational:  be.convHandler,
		Channels:        repo,
		History:         contexts,
		Gate:            suspension,
		Auditor:         auditor,
		Locker:          convLocker,
		Metrics:         metrics,
		Logger:          logger,
		DispatchTimeout: cfg.Routing.DispatchTimeout,
	})

	// 4. Core: провижининг и жизненный цикл агентов
	coord := engine.NewCoordinator(be.telephony, be.conversational, repo, engine.CoordinatorConfig{
		ChannelTimeout: cfg.Provisioning.ChannelTimeout,
		MaxParallel:    cfg.Provisioning.MaxParallel,
		WebhookBaseURL: cfg.Provisioning.WebhookBaseURL,
	}, metrics, logger)
	manager := engine.NewManager(engine.ManagerDeps{
		Store:       repo,
		Coordinator: coord,
		Contexts:    contexts,
		Locker:      agentLocker,
		Notifier:    suspension,
		Policy:      cfg.Policy(),
		Metrics:     metrics,
		Logger:      logger,
	})

	// 5. HTTP Server
	var validator auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewBaseValidator(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = v
	} else {
		logger.Warn("auth.jwt_secret is empty, API is open")
	}
	deps := server.Deps{
		Agents:      manager,
		Contexts:    contexts,
		Router:      router,
		Directory:   directory,
		Journal:     repo,
		Validator:   validator,
		Gatherer:    reg,
		VerifyToken: cfg.Webhooks.VerifyToken,
		Logger:      logger,
	}
	if p, ok := repo.(server.Pinger); ok {
		deps.Store = p
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		logger.Info("voca engine started",
			zap.String("addr", srv.Addr),
			zap.String("database", cfg.Database.Driver),
			zap.String("backends", cfg.Backends.Mode),
			zap.String("policy", string(cfg.Policy())),
			zap.Bool("redis", rdb != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("voca engine stopping...")

		// Даем 10 секунд на завершение запросов и провижининга
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		manager.Shutdown(shutdownCtx)
		return err
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (repository, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("database unreachable: %w", err)
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Database.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing sqlite", zap.Error(err))
			}
		}, nil
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		return memory.New(), func() {}, nil
	}
}

// openBackends собирает адаптеры бэкендов. Каждый бэкенд защищен своим лимитером и предохранителем.
func openBackends(cfg *infra.Config, metrics *engine.Metrics, logger *zap.Logger) (*backends, error) {
	rc := engine.ReliabilityConfig{
		RateLimit:   cfg.Backends.RateLimit,
		Burst:       cfg.Backends.Burst,
		MaxRequests: cfg.Backends.CBMaxRequests,
		Interval:    cfg.Backends.CBInterval,
		Timeout:     cfg.Backends.CBTimeout,
		Failures:    cfg.Backends.CBFailures,
	}
	telW := engine.NewReliabilityWrapper("telephony", rc, metrics)
	convW := engine.NewReliabilityWrapper("vocaos", rc, metrics)

	if cfg.Backends.Mode == "mock" {
		logger.Warn("using mock backends")
		tel := &connectors.MockTelephony{}
		conv := &connectors.MockConversational{}
		return &backends{
			telephony:        engine.GuardTelephony(tel, telW),
			telephonyHandler: engine.GuardHandler(tel, telW),
			conversational:   engine.GuardConversational(conv, convW),
			convHandler:      engine.GuardHandler(conv, convW),
			close:            func() {},
		}, nil
	}

	conn, err := connectors.DialTelephony(cfg.Backends.TelephonyAddr)
	if err != nil {
		return nil, err
	}
	tel := connectors.NewTelephonyGRPC(conn)
	conv := connectors.NewVocaOSClient(cfg.Backends.VocaOSURL, &http.Client{Timeout: cfg.Routing.DispatchTimeout})
	return &backends{
		telephony:        engine.GuardTelephony(tel, telW),
		telephonyHandler: engine.GuardHandler(tel, telW),
		conversational:   engine.GuardConversational(conv, convW),
		convHandler:      engine.GuardHandler(conv, convW),
		close: func() {
			if err := conn.Close(); err != nil {
				logger.Warn("closing telephony connection", zap.Error(err))
			}
		},
	}, nil
}
