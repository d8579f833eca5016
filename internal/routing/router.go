// Package routing разрешает входящее сообщение в агента и доставляет его в бэкенд семейства канала.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/voca-engine/internal/audit"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap"
)

// ChannelLookup - откуда роутер берет внешнюю ссылку канала агента.
type ChannelLookup interface {
	GetChannel(ctx context.Context, agentID string, t domain.ChannelType) (*domain.Channel, error)
}

// HistoryWriter - запись обмена в контекст агента.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, agentID string, channel domain.ChannelType, entry domain.HistoryEntry) (domain.HistoryEntry, error)
}

// SuspensionGate сообщает, что агент на паузе или остановлен.
type SuspensionGate interface {
	IsSuspended(agentID string) bool
}

type Deps struct {
	Resolvers      []Resolver // Порядок - порядок цепочки
	Telephony      connectors.MessageHandler
	Conversational connectors.MessageHandler
	Channels       ChannelLookup
	History        HistoryWriter  // Может быть nil
	Gate           SuspensionGate // Может быть nil
	Auditor        audit.Auditor  // Может быть nil
	Locker         engine.Locker  // nil - KeyedMutex в памяти процесса
	Metrics        *engine.Metrics
	Logger         *zap.Logger

	DispatchTimeout time.Duration
}

type Router struct {
	deps Deps
}

func NewRouter(d Deps) *Router {
	if d.Locker == nil {
		d.Locker = engine.NewKeyedMutex()
	}
	if d.Metrics == nil {
		d.Metrics = engine.NewMetrics(nil)
	}
	if d.DispatchTimeout <= 0 {
		d.DispatchTimeout = 30 * time.Second
	}
	d.Logger = d.Logger.Named("router")
	return &Router{deps: d}
}

// Route разрешает агента, доставляет сообщение и записывает обмен в контекст.
// Сообщения одного разговора (агент, пользователь, канал) обрабатываются строго по очереди.
func (r *Router) Route(ctx context.Context, msg domain.InboundMessage) (*domain.RouteResult, error) {
	started := time.Now()
	ch, err := msg.Normalize()
	if err != nil {
		r.observe("", "", started, err)
		return nil, err
	}
	logger := r.deps.Logger.With(
		zap.String("trace_id", engine.TraceID(ctx)),
		zap.String("channel_type", string(ch)),
		zap.String("user_id", msg.UserID),
	)

	target, err := r.resolve(ctx, &msg, ch)
	if err != nil {
		logger.Warn("routing resolution failed", zap.String("step", "resolve"), zap.Error(err))
		r.observe(ch, "", started, err)
		return nil, err
	}
	logger = logger.With(zap.String("agent_id", target.AgentID), zap.String("resolved_by", string(target.Via)))

	if r.suspended(target) {
		err := fmt.Errorf("%w: agent %s is not accepting messages", domain.ErrConflict, target.AgentID)
		logger.Info("message rejected: agent suspended")
		r.observe(ch, target.Via, started, err)
		return nil, err
	}

	unlock, err := r.deps.Locker.Lock(ctx, conversationKey(target, msg.UserID, ch))
	if err != nil {
		r.observe(ch, target.Via, started, err)
		return nil, fmt.Errorf("%w: conversation lock: %w", domain.ErrInternal, err)
	}
	defer unlock()

	r.remember(ctx, logger, target, ch, domain.HistoryEntry{
		UserID:    msg.UserID,
		Direction: domain.DirectionInbound,
		Text:      msg.Text,
		Metadata:  msg.Metadata,
	})

	reply, err := r.dispatch(ctx, target, &msg, ch)
	elapsed := time.Since(started)
	r.audit(ctx, target, &msg, ch, reply, elapsed, err)
	if err != nil {
		logger.Error("dispatch failed",
			zap.String("step", "dispatch"),
			zap.String("error_kind", domain.Kind(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		r.observe(ch, target.Via, started, err)
		return nil, err
	}

	r.remember(ctx, logger, target, ch, domain.HistoryEntry{
		UserID:    msg.UserID,
		Direction: domain.DirectionOutbound,
		Text:      reply,
	})
	r.observe(ch, target.Via, started, nil)
	logger.Debug("message routed", zap.Duration("elapsed", elapsed))

	return &domain.RouteResult{
		Reply:    reply,
		AgentID:  target.AgentID,
		VendorID: target.VendorID,
		Via:      target.Via,
		Elapsed:  elapsed,
	}, nil
}

// resolve проходит цепочку до первого совпадения. Сбой справочника не прерывает цепочку,
// но если никто не нашел агента, возвращается он, а не AgentNotFound.
func (r *Router) resolve(ctx context.Context, msg *domain.InboundMessage, ch domain.ChannelType) (*domain.Target, error) {
	var degraded error
	for _, res := range r.deps.Resolvers {
		target, ok, err := res.Resolve(ctx, msg, ch)
		if err != nil {
			if errors.Is(err, domain.ErrInternal) {
				return nil, err
			}
			r.deps.Logger.Warn("resolver failed, trying next",
				zap.String("trace_id", engine.TraceID(ctx)),
				zap.String("error_kind", domain.Kind(err)),
				zap.Error(err))
			degraded = err
			continue
		}
		if ok {
			return target, nil
		}
	}
	if degraded != nil {
		return nil, degraded
	}
	return nil, fmt.Errorf("%w: no agent for user %s on %s", domain.ErrAgentNotFound, msg.UserID, ch)
}

func (r *Router) suspended(t *domain.Target) bool {
	if t.Agent != nil && t.Agent.Status.Suspended() {
		return true
	}
	return r.deps.Gate != nil && r.deps.Gate.IsSuspended(t.AgentID)
}

// dispatch - один вызов обработчика семейства, ограниченный по времени.
func (r *Router) dispatch(ctx context.Context, t *domain.Target, msg *domain.InboundMessage, ch domain.ChannelType) (string, error) {
	handler := r.deps.Conversational
	if ch.Family() == domain.FamilyTelephony {
		handler = r.deps.Telephony
	}
	if handler == nil {
		return "", fmt.Errorf("%w: %s handler is not configured", domain.ErrUpstream, ch.Family())
	}

	d := connectors.Dispatch{
		TraceID:     engine.TraceID(ctx),
		AgentID:     t.AgentID,
		VendorID:    t.VendorID,
		Channel:     ch,
		UserID:      msg.UserID,
		Text:        msg.Text,
		Metadata:    msg.Metadata,
		ExternalRef: r.externalRef(ctx, t, ch),
	}

	dctx, cancel := context.WithTimeout(ctx, r.deps.DispatchTimeout)
	defer cancel()
	reply, err := handler.Handle(dctx, d)
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
		errors.Is(err, domain.ErrUpstreamTimeout):
		return "", fmt.Errorf("%w: %s handler exceeded %s: %v", domain.ErrUpstreamTimeout, ch.Family(), r.deps.DispatchTimeout, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Дедлайн вызывающего наступил раньше нашего: это все равно таймаут ожидания бэкенда
		return "", fmt.Errorf("%w: %s handler: caller deadline: %w", domain.ErrUpstreamTimeout, ch.Family(), ctx.Err())
	case ctx.Err() != nil:
		return "", fmt.Errorf("%w: %s handler: %w", domain.ErrUpstream, ch.Family(), ctx.Err())
	default:
		return "", fmt.Errorf("%w: %s handler: %v", domain.ErrUpstream, ch.Family(), err)
	}
}

// externalRef - идентификатор ресурса канала в бэкенде; без канала доставляем по vendor_id.
func (r *Router) externalRef(ctx context.Context, t *domain.Target, ch domain.ChannelType) string {
	if t.Agent != nil && r.deps.Channels != nil {
		if c, err := r.deps.Channels.GetChannel(ctx, t.AgentID, ch); err == nil {
			if ch.Family() == domain.FamilyTelephony && c.ExternalInstanceID != "" {
				return c.ExternalInstanceID
			}
			if c.ExternalAgentID != "" {
				return c.ExternalAgentID
			}
		}
	}
	return t.VendorID
}

// remember пишет реплику в контекст. Только для агентов, известных ядру.
func (r *Router) remember(ctx context.Context, logger *zap.Logger, t *domain.Target, ch domain.ChannelType, e domain.HistoryEntry) {
	if r.deps.History == nil || t.Agent == nil {
		return
	}
	if _, err := r.deps.History.AppendHistory(context.WithoutCancel(ctx), t.AgentID, ch, e); err != nil {
		logger.Error("failed to append conversation history", zap.String("step", "context"), zap.Error(err))
	}
}

func (r *Router) audit(ctx context.Context, t *domain.Target, msg *domain.InboundMessage, ch domain.ChannelType, reply string, elapsed time.Duration, err error) {
	if r.deps.Auditor == nil {
		return
	}
	base := domain.CommunicationLog{
		TraceID:  engine.TraceID(ctx),
		AgentID:  t.AgentID,
		VendorID: t.VendorID,
		Channel:  string(ch),
		UserID:   msg.UserID,
	}

	in := base
	in.Direction = domain.DirectionInbound
	in.Content = map[string]any{"text": msg.Text, "metadata": msg.Metadata, "resolved_by": string(t.Via)}
	in.Status = "received"
	r.deps.Auditor.Log(in)

	out := base
	out.Direction = domain.DirectionOutbound
	out.DurationMs = elapsed.Milliseconds()
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
	} else {
		out.Status = "delivered"
		out.Content = map[string]any{"text": reply}
	}
	r.deps.Auditor.Log(out)
}

func (r *Router) observe(ch domain.ChannelType, via domain.ResolvedBy, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = domain.Kind(err)
		r.deps.Metrics.ErrorTotal.WithLabelValues("router", status).Inc()
	}
	r.deps.Metrics.RouteDuration.WithLabelValues(string(ch), string(via), status).Observe(time.Since(started).Seconds())
}

func conversationKey(t *domain.Target, userID string, ch domain.ChannelType) string {
	return t.AgentID + "|" + userID + "|" + string(ch)
}
