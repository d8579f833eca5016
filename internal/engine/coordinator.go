package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Время на освобождение ресурсов, когда исходный контекст уже отменен.
const teardownTimeout = 30 * time.Second

type CoordinatorConfig struct {
	ChannelTimeout time.Duration
	MaxParallel    int
	WebhookBaseURL string
}

// CoordinatorStore - часть хранилища, нужная координатору.
type CoordinatorStore interface {
	ChannelRepository
	ProvisioningLog
}

// Coordinator параллельно выделяет ресурсы каналов агента в бэкендах своего семейства.
// Каналы независимы: отказ или зависание одного не отменяет соседей.
type Coordinator struct {
	telephony      connectors.TelephonyProvisioner       // nil - семейство не настроено
	conversational connectors.ConversationalAgentManager // nil - семейство не настроено
	store          CoordinatorStore
	cfg            CoordinatorConfig
	metrics        *Metrics
	logger         *zap.Logger
}

func NewCoordinator(
	telephony connectors.TelephonyProvisioner,
	conversational connectors.ConversationalAgentManager,
	store CoordinatorStore,
	cfg CoordinatorConfig,
	metrics *Metrics,
	logger *zap.Logger,
) *Coordinator {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 2 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		telephony:      telephony,
		conversational: conversational,
		store:          store,
		cfg:            cfg,
		metrics:        metrics,
		logger:         logger.Named("coordinator"),
	}
}

// Provision запускает провижининг всех запрошенных каналов и сводит результат по политике.
// Отмена ctx помечает незавершенные каналы как отмененные и освобождает то, что бэкенд успел создать.
func (c *Coordinator) Provision(ctx context.Context, agent *domain.Agent, types []domain.ChannelType, policy domain.ProvisioningPolicy) (*domain.ProvisioningResult, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: no channels to provision", domain.ErrValidation)
	}
	started := time.Now()

	results := make([]domain.ChannelResult, len(types))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for i, t := range types {
		g.Go(func() error {
			results[i] = c.provisionChannel(ctx, agent, t)
			return nil // Ошибка канала - это результат, а не повод остановить соседей
		})
	}
	_ = g.Wait()

	res := &domain.ProvisioningResult{
		AgentID:  agent.ID,
		Policy:   policy,
		Results:  results,
		Duration: time.Since(started),
	}
	res.Success = policy.Decide(res.Statuses()) == domain.StatusActive
	return res, nil
}

func (c *Coordinator) provisionChannel(ctx context.Context, agent *domain.Agent, t domain.ChannelType) domain.ChannelResult {
	// Записи журнала и сохранение канала должны пережить отмену
	persistCtx := context.WithoutCancel(ctx)
	logger := c.logger.With(
		zap.String("agent_id", agent.ID),
		zap.String("channel_type", string(t)),
		zap.String("trace_id", TraceID(ctx)),
	)
	started := time.Now()

	ch, err := c.store.GetChannel(persistCtx, agent.ID, t)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ch = nil
	case err != nil:
		logger.Error("failed to load channel", zap.String("step", domain.StepProvision), zap.Error(err))
		return domain.ChannelResult{Type: t, Outcome: domain.OutcomeFailed, Reason: "store: " + err.Error()}
	}

	// Повторный провижининг активного канала возвращает существующую запись
	if ch != nil && ch.Status == domain.ChannelActive {
		c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogCompleted, map[string]any{
			"channel_type": string(t),
			"existing":     true,
		})
		return domain.ChannelResult{Type: t, Outcome: domain.OutcomeSuccess, Existing: true, Channel: ch.Clone()}
	}

	now := time.Now().UTC()
	if ch == nil {
		ch = &domain.Channel{ID: uuid.NewString(), AgentID: agent.ID, Type: t, CreatedAt: now}
	}

	if !c.configured(t.Family()) {
		reason := fmt.Sprintf("%s backend is not configured", t.Family())
		ch.Status, ch.Reason, ch.UpdatedAt = domain.ChannelFailed, reason, now
		c.saveChannel(persistCtx, logger, ch)
		c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogSkipped, map[string]any{
			"channel_type": string(t),
			"reason":       reason,
		})
		c.observe(t, domain.OutcomeSkipped, started)
		return domain.ChannelResult{Type: t, Outcome: domain.OutcomeSkipped, Reason: reason, Channel: ch.Clone()}
	}

	// Канал после стопа или отказа: сначала освобождаем старые ресурсы, id сохраняется
	if ch.HasExternalResources() {
		if err := c.release(persistCtx, agent.ID, ch, domain.StepDeprovision); err != nil {
			reason := "release stale resources: " + err.Error()
			ch.Status, ch.Reason, ch.UpdatedAt = domain.ChannelFailed, reason, time.Now().UTC()
			c.saveChannel(persistCtx, logger, ch)
			c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogFailed, map[string]any{
				"channel_type": string(t),
				"reason":       reason,
				"error_kind":   domain.Kind(err),
			})
			c.observe(t, domain.OutcomeFailed, started)
			return domain.ChannelResult{Type: t, Outcome: domain.OutcomeFailed, Reason: reason, Channel: ch.Clone()}
		}
	}

	ch.Status, ch.Reason, ch.UpdatedAt = domain.ChannelProvisioning, "", time.Now().UTC()
	c.saveChannel(persistCtx, logger, ch)
	c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogStarted, map[string]any{
		"channel_type": string(t),
		"family":       string(t.Family()),
	})

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ChannelTimeout)
	err = c.callBackend(callCtx, agent, ch)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case ctx.Err() != nil:
		// Родитель отменен (удаление агента): все, что успели создать, освобождаем
		c.teardownQuietly(persistCtx, logger, agent.ID, ch)
		ch.Status, ch.Reason, ch.UpdatedAt = domain.ChannelFailed, "canceled", time.Now().UTC()
		c.saveChannel(persistCtx, logger, ch)
		c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogCancelled, map[string]any{
			"channel_type": string(t),
			"reason":       "canceled",
		})
		logger.Warn("channel provisioning canceled", zap.String("step", domain.StepProvision))
		c.observe(t, domain.OutcomeFailed, started)
		return domain.ChannelResult{Type: t, Outcome: domain.OutcomeFailed, Reason: "canceled", Channel: ch.Clone()}

	case err != nil:
		reason := err.Error()
		if timedOut {
			reason = fmt.Sprintf("timeout after %s: %v", c.cfg.ChannelTimeout, err)
		}
		kind := domain.Kind(err)
		if timedOut {
			kind = domain.Kind(domain.ErrUpstreamTimeout)
		}
		// Частично созданные ресурсы не должны остаться сиротами
		c.teardownQuietly(persistCtx, logger, agent.ID, ch)
		ch.Status, ch.Reason, ch.UpdatedAt = domain.ChannelFailed, reason, time.Now().UTC()
		c.saveChannel(persistCtx, logger, ch)

		details := map[string]any{
			"channel_type": string(t),
			"reason":       reason,
			"error_kind":   kind,
		}
		if code := connectors.UpstreamStatus(err); code != 0 {
			details["upstream_status"] = code
		}
		c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogFailed, details)
		logger.Error("channel provisioning failed",
			zap.String("step", domain.StepProvision),
			zap.String("error_kind", kind),
			zap.Int("upstream_status", connectors.UpstreamStatus(err)),
			zap.Error(err))
		c.observe(t, domain.OutcomeFailed, started)
		return domain.ChannelResult{Type: t, Outcome: domain.OutcomeFailed, Reason: reason, Channel: ch.Clone()}
	}

	ch.Status, ch.UpdatedAt = domain.ChannelActive, time.Now().UTC()
	c.saveChannel(persistCtx, logger, ch)
	c.appendLog(persistCtx, agent.ID, ch.ID, domain.StepProvision, domain.LogCompleted, externalRefs(ch))
	logger.Info("channel provisioned", zap.Duration("elapsed", time.Since(started)))
	c.observe(t, domain.OutcomeSuccess, started)
	return domain.ChannelResult{Type: t, Outcome: domain.OutcomeSuccess, Channel: ch.Clone()}
}

// callBackend выполняет упорядоченные шаги бэкенда и записывает ссылки на ресурсы в канал,
// даже если вызов завершился ошибкой.
func (c *Coordinator) callBackend(ctx context.Context, agent *domain.Agent, ch *domain.Channel) error {
	persistCtx := context.WithoutCancel(ctx)
	rec := connectors.StepFunc(func(name string, details map[string]any) {
		c.appendLog(persistCtx, agent.ID, ch.ID, name, domain.LogCompleted, details)
	})
	spec := c.channelSpec(agent, ch)

	switch ch.Type.Family() {
	case domain.FamilyTelephony:
		res, err := c.telephony.Provision(ctx, spec, rec)
		ch.ExternalInstanceID = res.InstanceID
		ch.RoutingID = res.RoutingID
		ch.PhoneNumber = res.PhoneNumber
		ch.IntegrationRef = res.IntegrationRef
		return err

	default:
		extID, err := c.conversational.CreateAgent(ctx, spec)
		if err != nil {
			return err
		}
		ch.ExternalAgentID = extID
		rec.Step("create_agent", map[string]any{"external_agent_id": extID})

		if err := c.conversational.ConfigurePlatform(ctx, extID, ch.Type, spec.WebhookURL); err != nil {
			return err
		}
		rec.Step("configure_platform", map[string]any{"platform": string(ch.Type), "webhook_url": spec.WebhookURL})
		return nil
	}
}

func (c *Coordinator) channelSpec(agent *domain.Agent, ch *domain.Channel) connectors.ChannelSpec {
	return connectors.ChannelSpec{
		AgentID:         agent.ID,
		ChannelID:       ch.ID,
		VendorID:        agent.VendorID,
		Type:            ch.Type,
		AgentName:       agent.Name,
		Description:     agent.Description,
		BusinessType:    agent.BusinessType,
		Languages:       agent.Languages,
		CharacterConfig: agent.CharacterConfig,
		Config:          ch.Config,
		WebhookURL:      c.webhookURL(agent, ch.Type),
	}
}

// webhookURL совпадает с маршрутом /webhooks/{platform}/{vendorID} транспортного слоя.
func (c *Coordinator) webhookURL(agent *domain.Agent, t domain.ChannelType) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.WebhookBaseURL, "/"), t, agent.VendorID)
}

func (c *Coordinator) configured(f domain.Family) bool {
	if f == domain.FamilyTelephony {
		return c.telephony != nil
	}
	return c.conversational != nil
}

// Teardown освобождает внешние ресурсы канала с повторами. Используется при удалении и остановке.
func (c *Coordinator) Teardown(ctx context.Context, agentID string, ch *domain.Channel) error {
	return c.release(ctx, agentID, ch, domain.StepTeardown)
}

func (c *Coordinator) release(ctx context.Context, agentID string, ch *domain.Channel, step string) error {
	if !ch.HasExternalResources() {
		return nil
	}
	details := externalRefs(ch)

	var errs []error
	if ch.ExternalInstanceID != "" {
		if c.telephony == nil {
			errs = append(errs, fmt.Errorf("%w: telephony backend is not configured", domain.ErrUpstream))
		} else if err := RetryIdempotent(ctx, 3, func(ctx context.Context) error {
			return c.telephony.Deprovision(ctx, ch.ExternalInstanceID)
		}); err != nil {
			errs = append(errs, err)
		} else {
			ch.ExternalInstanceID, ch.RoutingID, ch.PhoneNumber, ch.IntegrationRef = "", "", "", ""
		}
	}
	if ch.ExternalAgentID != "" {
		if c.conversational == nil {
			errs = append(errs, fmt.Errorf("%w: conversational backend is not configured", domain.ErrUpstream))
		} else if err := RetryIdempotent(ctx, 3, func(ctx context.Context) error {
			return c.conversational.StopAgent(ctx, ch.ExternalAgentID)
		}); err != nil {
			errs = append(errs, err)
		} else {
			ch.ExternalAgentID = ""
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		details["reason"] = err.Error()
		details["error_kind"] = domain.Kind(err)
		c.appendLog(context.WithoutCancel(ctx), agentID, ch.ID, step, domain.LogFailed, details)
		c.logger.Error("failed to release channel resources",
			zap.String("agent_id", agentID),
			zap.String("channel_type", string(ch.Type)),
			zap.String("step", step),
			zap.Int("upstream_status", connectors.UpstreamStatus(err)),
			zap.Error(err))
		return err
	}
	c.appendLog(context.WithoutCancel(ctx), agentID, ch.ID, step, domain.LogCompleted, details)
	return nil
}

func (c *Coordinator) teardownQuietly(ctx context.Context, logger *zap.Logger, agentID string, ch *domain.Channel) {
	if !ch.HasExternalResources() {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if err := c.release(tctx, agentID, ch, domain.StepTeardown); err != nil {
		// Ссылки остаются в канале: удаление агента повторит освобождение
		logger.Warn("partial resources kept for later teardown", zap.Error(err))
	}
}

func (c *Coordinator) saveChannel(ctx context.Context, logger *zap.Logger, ch *domain.Channel) {
	if err := c.store.SaveChannel(ctx, ch); err != nil {
		logger.Error("failed to save channel", zap.String("channel_id", ch.ID), zap.Error(err))
	}
}

func (c *Coordinator) appendLog(ctx context.Context, agentID, channelID, step string, status domain.LogStatus, details map[string]any) {
	entry := &domain.ProvisioningLogEntry{
		AgentID:   agentID,
		ChannelID: channelID,
		Step:      step,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.logger.Error("failed to append provisioning log",
			zap.String("agent_id", agentID),
			zap.String("step", step),
			zap.Error(err))
	}
}

func (c *Coordinator) observe(t domain.ChannelType, outcome domain.ChannelOutcome, started time.Time) {
	c.metrics.ProvisionTotal.WithLabelValues(string(t), string(outcome)).Inc()
	c.metrics.ProvisionDuration.WithLabelValues(string(t), string(outcome)).Observe(time.Since(started).Seconds())
}

func externalRefs(ch *domain.Channel) map[string]any {
	m := map[string]any{"channel_type": string(ch.Type)}
	if ch.ExternalInstanceID != "" {
		m["instance_id"] = ch.ExternalInstanceID
		m["routing_id"] = ch.RoutingID
		m["phone_number"] = ch.PhoneNumber
		m["integration_ref"] = ch.IntegrationRef
	}
	if ch.ExternalAgentID != "" {
		m["external_agent_id"] = ch.ExternalAgentID
	}
	return m
}
