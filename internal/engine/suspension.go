package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/infra"
	"go.uber.org/zap"
)

// SuspensionSource - источник истины: агенты на паузе или остановленные.
type SuspensionSource interface {
	SuspendedAgents(ctx context.Context) ([]string, error)
}

// SuspensionManager держит в памяти (L1) набор агентов, которым нельзя доставлять
// сообщения, и синхронизирует его между инстансами через Redis (L2 + Pub/Sub).
// Без Redis работает только локально.
type SuspensionManager struct {
	repo      SuspensionSource
	rdb       *redis.Client
	logger    *zap.Logger
	mu        sync.RWMutex
	suspended map[string]struct{}
}

func NewSuspensionManager(rdb *redis.Client, repo SuspensionSource, logger *zap.Logger) *SuspensionManager {
	return &SuspensionManager{
		repo:      repo,
		rdb:       rdb,
		logger:    logger.With(zap.String("mod", "suspension")),
		suspended: make(map[string]struct{}),
	}
}

// Init загружает состояние из БД при старте и прогревает Redis.
func (m *SuspensionManager) Init(ctx context.Context) error {
	ids, err := m.repo.SuspendedAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch suspended agents from DB: %w", err)
	}

	m.mu.Lock()
	m.suspended = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.suspended[id] = struct{}{}
	}
	m.mu.Unlock()

	if m.rdb == nil {
		return nil
	}
	return m.warmup(ctx, ids)
}

// warmup перезаливает множество в Redis. Только один инстанс делает это одновременно.
func (m *SuspensionManager) warmup(ctx context.Context, ids []string) error {
	ok, err := m.rdb.SetNX(ctx, infra.RedisKeyLockWarmupSuspended, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}
	defer m.rdb.Del(context.WithoutCancel(ctx), infra.RedisKeyLockWarmupSuspended)

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, infra.RedisKeySuspendedAgents)
	for _, id := range ids {
		pipe.SAdd(ctx, infra.RedisKeySuspendedAgents, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("suspension warmup: %w", err)
	}
	m.logger.Info("suspension cache warmed up", zap.Int("count", len(ids)))
	return nil
}

// StartListener подписывается на сигналы других инстансов. Блокирует до отмены ctx.
func (m *SuspensionManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	listenSignals(ctx, m.rdb, m.logger, infra.RedisChanSuspension,
		func() error { return m.Init(ctx) }, // Переподключение: могли пропустить сигналы
		m.apply,
	)
}

func (m *SuspensionManager) apply(agentID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.suspended[agentID] = struct{}{}
	} else {
		delete(m.suspended, agentID)
	}
}

// IsSuspended - быстрый метод для проверки в Hot Path маршрутизатора.
func (m *SuspensionManager) IsSuspended(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.suspended[agentID]
	return ok
}

// AgentStatusChanged реализует StatusNotifier: обновляет L1 сразу,
// затем транслирует сигнал остальным инстансам.
func (m *SuspensionManager) AgentStatusChanged(ctx context.Context, agentID string, status domain.AgentStatus) {
	on := status.Suspended()
	m.apply(agentID, on)
	if m.rdb == nil {
		return
	}

	signal := "off"
	if on {
		signal = "on"
	}

	pipe := m.rdb.TxPipeline()
	if on {
		pipe.SAdd(ctx, infra.RedisKeySuspendedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeySuspendedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanSuspension, agentID+":"+signal)
	if _, err := pipe.Exec(ctx); err != nil {
		// Другие инстансы догонят состояние при переподключении
		m.logger.Warn("runtime signal delivery failed",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// listenSignals - "живучая" подписка на сигналы Redis формата "agentID:on|off".
// Переподключается с паузой, после каждой успешной подписки вызывает onReconnect.
func listenSignals(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, on bool),
) {
	backoff := time.Second
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				id, state, found := strings.Cut(msg.Payload, ":")
				if !found || id == "" {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, state == "on" || state == "true")
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
