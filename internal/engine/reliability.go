package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/domain"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	RateLimit   float64
	Burst       int
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	Failures    uint32        // Подряд идущих ошибок до размыкания
}

// ReliabilityWrapper защищает вызовы одного бэкенда: лимитер + предохранитель.
// Ретраев здесь нет: провижининг и доставка сообщений повторяются только вызывающим.
type ReliabilityWrapper struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(name string, cfg ReliabilityConfig, metrics *Metrics) *ReliabilityWrapper {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		// Ошибки вызывающего не говорят о здоровье бэкенда
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ReliabilityWrapper{
		name:    name,
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return connectors.Classify(w.name, "rate-limit", ctx.Err())
		}
		// Ожидание токена не уложится в дедлайн
		return fmt.Errorf("%w: %s rate limit: %v", domain.ErrUpstreamTimeout, w.name, err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstream, w.name, err)
	}
	return err
}

func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

// RetryIdempotent повторяет идемпотентную операцию (освобождение ресурсов, чтение справочника)
// с экспоненциальной задержкой. ThrottleError задает паузу сам.
func RetryIdempotent(ctx context.Context, attempts uint, fn func(ctx context.Context) error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.Retryable),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если коннектор вернул ThrottleError (например, считал Retry-After заголовок)
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
				return tErr.RetryAfter
			}
			// В остальных случаях (сетевой лаг, 500-ка) - стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(func() error { return fn(ctx) })
}

// Защищенные обертки бэкендов.

type guardedTelephony struct {
	next connectors.TelephonyProvisioner
	w    *ReliabilityWrapper
}

func GuardTelephony(next connectors.TelephonyProvisioner, w *ReliabilityWrapper) connectors.TelephonyProvisioner {
	return &guardedTelephony{next: next, w: w}
}

func (g *guardedTelephony) Provision(ctx context.Context, spec connectors.ChannelSpec, rec connectors.StepRecorder) (res connectors.TelephonyResources, err error) {
	err = g.w.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = g.next.Provision(ctx, spec, rec)
		return callErr
	})
	return res, err
}

func (g *guardedTelephony) Deprovision(ctx context.Context, instanceID string) error {
	return g.w.Execute(ctx, func(ctx context.Context) error {
		return g.next.Deprovision(ctx, instanceID)
	})
}

type guardedConversational struct {
	next connectors.ConversationalAgentManager
	w    *ReliabilityWrapper
}

func GuardConversational(next connectors.ConversationalAgentManager, w *ReliabilityWrapper) connectors.ConversationalAgentManager {
	return &guardedConversational{next: next, w: w}
}

func (g *guardedConversational) CreateAgent(ctx context.Context, spec connectors.ChannelSpec) (id string, err error) {
	err = g.w.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		id, callErr = g.next.CreateAgent(ctx, spec)
		return callErr
	})
	return id, err
}

func (g *guardedConversational) ConfigurePlatform(ctx context.Context, externalAgentID string, channel domain.ChannelType, webhookURL string) error {
	return g.w.Execute(ctx, func(ctx context.Context) error {
		return g.next.ConfigurePlatform(ctx, externalAgentID, channel, webhookURL)
	})
}

func (g *guardedConversational) StopAgent(ctx context.Context, externalAgentID string) error {
	return g.w.Execute(ctx, func(ctx context.Context) error {
		return g.next.StopAgent(ctx, externalAgentID)
	})
}

type guardedHandler struct {
	next connectors.MessageHandler
	w    *ReliabilityWrapper
}

func GuardHandler(next connectors.MessageHandler, w *ReliabilityWrapper) connectors.MessageHandler {
	return &guardedHandler{next: next, w: w}
}

func (g *guardedHandler) Handle(ctx context.Context, d connectors.Dispatch) (reply string, err error) {
	err = g.w.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		reply, callErr = g.next.Handle(ctx, d)
		return callErr
	})
	return reply, err
}
