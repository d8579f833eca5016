package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/voca-engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	maxListLimit    = 500

	// Сколько Delete ждет остановки отмененного провижининга
	runDrainTimeout = 30 * time.Second
	deleteTimeout   = 2 * time.Minute
)

// provisionRun - провижининг агента, идущий вне блокировки.
type provisionRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ChannelEvent - асинхронное уведомление бэкенда о состоянии канала.
type ChannelEvent struct {
	AgentID     string               `json:"agent_id"`
	Channel     domain.ChannelType   `json:"channel_type"`
	Status      domain.ChannelStatus `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	ExternalRef string               `json:"external_ref,omitempty"`
}

// Manager владеет конечным автоматом агентов. Все переходы и колбэки одного агента
// выполняются под блокировкой по его id, сам провижининг идет вне ее.
type Manager struct {
	store    Store
	coord    *Coordinator
	agg      *Aggregator
	contexts ContextWriter
	locker   Locker
	notifier StatusNotifier
	policy   domain.ProvisioningPolicy
	metrics  *Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]*provisionRun
}

type ManagerDeps struct {
	Store       Store
	Coordinator *Coordinator
	Contexts    ContextWriter  // Может быть nil
	Locker      Locker         // nil - KeyedMutex в памяти процесса
	Notifier    StatusNotifier // Может быть nil
	Policy      domain.ProvisioningPolicy
	Metrics     *Metrics
	Logger      *zap.Logger
}

func NewManager(d ManagerDeps) *Manager {
	if d.Locker == nil {
		d.Locker = NewKeyedMutex()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Policy == "" {
		d.Policy = domain.PolicyRequireAll
	}
	return &Manager{
		store:    d.Store,
		coord:    d.Coordinator,
		agg:      NewAggregator(d.Store, d.Store, d.Store),
		contexts: d.Contexts,
		locker:   d.Locker,
		notifier: d.Notifier,
		policy:   d.Policy,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("lifecycle"),
		inflight: make(map[string]*provisionRun),
	}
}

// Create создает агента в draft и, если каналы заданы, сразу провижинит их.
// Возвращает агента в итоговом статусе (active или error).
func (m *Manager) Create(ctx context.Context, spec domain.AgentSpec) (*domain.Agent, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.store.FindAgentByVendor(ctx, spec.VendorID); err == nil {
		return nil, fmt.Errorf("%w: vendor_id %q is already registered", domain.ErrConflict, spec.VendorID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: vendor lookup: %w", domain.ErrInternal, err)
	}

	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:              uuid.NewString(),
		VendorID:        spec.VendorID,
		Name:            spec.Name,
		Description:     spec.Description,
		BusinessType:    spec.BusinessType,
		Languages:       spec.Languages,
		Status:          domain.StatusDraft,
		Channels:        spec.Channels,
		CharacterConfig: spec.CharacterConfig,
		Context:         spec.Context,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("%w: create agent: %w", domain.ErrInternal, err)
	}
	m.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("vendor_id", agent.VendorID),
		zap.Int("channels", len(agent.Channels)))

	if len(spec.Context) > 0 && m.contexts != nil {
		if _, err := m.contexts.Merge(ctx, agent.ID, spec.Context); err != nil {
			m.logger.Warn("failed to seed agent context", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	if len(agent.Channels) == 0 {
		return agent.Clone(), nil
	}

	unlock, err := m.lock(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	run, runCtx, err := m.beginRun(ctx, agent)
	unlock()
	if err != nil {
		return nil, err
	}
	return m.runProvisioning(ctx, runCtx, run, agent.Clone())
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Agent, error) {
	return m.store.GetAgent(ctx, id)
}

func (m *Manager) List(ctx context.Context, f AgentFilter) ([]*domain.Agent, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	f.Limit = min(f.Limit, maxListLimit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	agents, err := m.store.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	// Гарантируем пустой массив [], а не null
	if agents == nil {
		agents = []*domain.Agent{}
	}
	return agents, nil
}

// Update меняет описательные поля. Статус и каналы меняются только операциями жизненного цикла.
func (m *Manager) Update(ctx context.Context, id string, upd domain.AgentUpdate) (*domain.Agent, error) {
	var out *domain.Agent
	err := m.withAgent(ctx, id, func(a *domain.Agent) error {
		if err := upd.Apply(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("%w: update agent: %w", domain.ErrInternal, err)
		}
		if len(upd.Context) > 0 && m.contexts != nil {
			if _, err := m.contexts.Merge(ctx, a.ID, upd.Context); err != nil {
				m.logger.Warn("failed to merge agent context", zap.String("agent_id", a.ID), zap.Error(err))
			}
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// Start: из draft и stopped запускает провижининг, из paused работает как resume.
func (m *Manager) Start(ctx context.Context, id string) (*domain.Agent, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := domain.OpStart.Allow(agent.Status); err != nil {
		unlock()
		return nil, err
	}

	if agent.Status == domain.StatusPaused {
		defer unlock()
		if err := m.resume(ctx, agent); err != nil {
			return nil, err
		}
		return agent.Clone(), nil
	}

	if len(agent.Channels) == 0 {
		unlock()
		return nil, fmt.Errorf("%w: agent has no channels to provision", domain.ErrValidation)
	}
	run, runCtx, err := m.beginRun(ctx, agent)
	unlock()
	if err != nil {
		return nil, err
	}
	return m.runProvisioning(ctx, runCtx, run, agent.Clone())
}

func (m *Manager) Pause(ctx context.Context, id string) (*domain.Agent, error) {
	return m.manual(ctx, id, domain.OpPause, domain.StatusPaused)
}

// Resume возвращает агента в работу. Если за время паузы каналы отказали и политика
// их не покрывает, агент уходит в error.
func (m *Manager) Resume(ctx context.Context, id string) (*domain.Agent, error) {
	var out *domain.Agent
	err := m.withAgent(ctx, id, func(a *domain.Agent) error {
		if err := domain.OpResume.Allow(a.Status); err != nil {
			return err
		}
		if err := m.resume(ctx, a); err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// Stop останавливает разговорных агентов в бэкенде и переводит все каналы в inactive.
// Ресурсы телефонии сохраняются до повторного запуска или удаления.
func (m *Manager) Stop(ctx context.Context, id string) (*domain.Agent, error) {
	var out *domain.Agent
	err := m.withAgent(ctx, id, func(a *domain.Agent) error {
		if err := domain.OpStop.Allow(a.Status); err != nil {
			return err
		}
		channels, err := m.store.ListChannels(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: list channels: %w", domain.ErrInternal, err)
		}
		var errs []error
		for _, ch := range channels {
			if ch.Type.Family() == domain.FamilyConversational && ch.ExternalAgentID != "" {
				if err := m.coord.Teardown(ctx, id, ch); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ch.Type, err))
				}
			}
			ch.Status, ch.UpdatedAt = domain.ChannelInactive, time.Now().UTC()
			if err := m.store.SaveChannel(ctx, ch); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			m.logger.Error("stop failed",
				zap.String("agent_id", id),
				zap.String("step", domain.StepTeardown),
				zap.Error(err))
			return fmt.Errorf("%w: stop agent: %w", domain.ErrUpstream, err)
		}
		if err := m.transition(ctx, a, domain.StatusStopped); err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// Delete отменяет идущий провижининг, освобождает все внешние ресурсы и только потом удаляет записи.
// Если освободить ресурсы не удалось, агент остается в error и удаление можно повторить.
func (m *Manager) Delete(ctx context.Context, id string) error {
	// Удаление не прерывается вместе с запросом: отмена посреди освобождения ресурсов
	// или до остановки провижининга оставила бы каналы без агента.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	wctx, stop := context.WithTimeout(ctx, runDrainTimeout)
	err := m.cancelRun(wctx, id)
	stop()
	if err != nil {
		return err
	}

	return m.withAgent(ctx, id, func(a *domain.Agent) error {
		channels, err := m.store.ListChannels(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: list channels: %w", domain.ErrInternal, err)
		}

		var errs []error
		for _, ch := range channels {
			if !ch.HasExternalResources() {
				continue
			}
			err := m.coord.Teardown(ctx, id, ch)
			ch.UpdatedAt = time.Now().UTC()
			if err != nil {
				ch.Status, ch.Reason = domain.ChannelFailed, "teardown: "+err.Error()
				errs = append(errs, fmt.Errorf("%s: %w", ch.Type, err))
			} else {
				ch.Status = domain.ChannelInactive
			}
			if serr := m.store.SaveChannel(ctx, ch); serr != nil {
				errs = append(errs, serr)
			}
		}

		if err := errors.Join(errs...); err != nil {
			if a.Status != domain.StatusError {
				if terr := m.transition(ctx, a, domain.StatusError); terr != nil {
					m.logger.Error("failed to mark agent as error", zap.String("agent_id", id), zap.Error(terr))
				}
			}
			m.logger.Error("delete aborted: resources not released",
				zap.String("agent_id", id),
				zap.String("step", domain.StepTeardown),
				zap.Error(err))
			return fmt.Errorf("%w: release channel resources: %w", domain.ErrUpstream, err)
		}

		if m.contexts != nil {
			if err := m.contexts.Clear(ctx, id); err != nil {
				m.logger.Warn("failed to clear agent context", zap.String("agent_id", id), zap.Error(err))
			}
		}
		if err := m.store.DeleteChannels(ctx, id); err != nil {
			return fmt.Errorf("%w: delete channels: %w", domain.ErrInternal, err)
		}
		if err := m.store.DeleteAgent(ctx, id); err != nil {
			return fmt.Errorf("%w: delete agent: %w", domain.ErrInternal, err)
		}
		if m.notifier != nil {
			m.notifier.AgentStatusChanged(ctx, id, "")
		}
		m.logger.Info("agent deleted", zap.String("agent_id", id), zap.Int("channels", len(channels)))
		return nil
	})
}

// Status возвращает статус агента вместе с каналами.
func (m *Manager) Status(ctx context.Context, id string) (*domain.AgentStatusView, error) {
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	channels, err := m.store.ListChannels(ctx, id)
	if err != nil {
		return nil, err
	}
	if channels == nil {
		channels = []*domain.Channel{}
	}
	return &domain.AgentStatusView{
		AgentID:     agent.ID,
		Status:      agent.Status,
		Channels:    channels,
		LastUpdated: agent.UpdatedAt,
	}, nil
}

func (m *Manager) ProvisioningStatus(ctx context.Context, id string) (*domain.ProvisioningSnapshot, error) {
	return m.agg.Snapshot(ctx, id)
}

// ProvisioningLogs возвращает последние записи журнала, новые первыми.
func (m *Manager) ProvisioningLogs(ctx context.Context, id string, limit int) ([]domain.ProvisioningLogEntry, error) {
	if _, err := m.store.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	limit = min(limit, maxLogLimit)

	entries, err := m.store.ListLog(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProvisioningLogEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// ApplyChannelEvent применяет колбэк бэкенда. Пока идет провижининг, итог подводит координатор;
// у активного или приостановленного агента отказ канала пересчитывает статус по политике.
func (m *Manager) ApplyChannelEvent(ctx context.Context, ev ChannelEvent) (*domain.Agent, error) {
	var out *domain.Agent
	err := m.withAgent(ctx, ev.AgentID, func(a *domain.Agent) error {
		ch, err := m.store.GetChannel(ctx, a.ID, ev.Channel)
		if err != nil {
			return err
		}
		if ev.Status == domain.ChannelProvisioning {
			return fmt.Errorf("%w: callback cannot move channel back to provisioning", domain.ErrValidation)
		}

		ch.Status, ch.UpdatedAt = ev.Status, time.Now().UTC()
		ch.Reason = ev.Reason
		if err := m.store.SaveChannel(ctx, ch); err != nil {
			return fmt.Errorf("%w: save channel: %w", domain.ErrInternal, err)
		}
		logStatus := domain.LogCompleted
		if ev.Status == domain.ChannelFailed {
			logStatus = domain.LogFailed
		}
		m.appendLog(ctx, a.ID, ch.ID, domain.StepCallback, logStatus, map[string]any{
			"channel_type": string(ev.Channel),
			"status":       string(ev.Status),
			"reason":       ev.Reason,
			"external_ref": ev.ExternalRef,
		})

		if (a.Status == domain.StatusActive || a.Status == domain.StatusPaused) && ev.Status == domain.ChannelFailed {
			verdict, err := m.channelVerdict(ctx, a.ID)
			if err != nil {
				return err
			}
			if verdict == domain.StatusError {
				if err := m.transition(ctx, a, domain.StatusError); err != nil {
					return err
				}
			}
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// Shutdown отменяет все идущие провижининги и ждет их завершения.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.cancelRun(ctx, id)
	}
}

func (m *Manager) manual(ctx context.Context, id string, op domain.LifecycleOp, to domain.AgentStatus) (*domain.Agent, error) {
	var out *domain.Agent
	err := m.withAgent(ctx, id, func(a *domain.Agent) error {
		if err := op.Allow(a.Status); err != nil {
			return err
		}
		if err := m.transition(ctx, a, to); err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	return out, err
}

// resume переводит приостановленного агента в статус, который политика дает по текущим каналам.
func (m *Manager) resume(ctx context.Context, a *domain.Agent) error {
	verdict, err := m.channelVerdict(ctx, a.ID)
	if err != nil {
		return err
	}
	if verdict == domain.StatusError {
		m.logger.Warn("resume: channels no longer satisfy policy",
			zap.String("agent_id", a.ID),
			zap.String("policy", string(m.policy)))
	}
	return m.transition(ctx, a, verdict)
}

// channelVerdict применяет политику к сохраненным статусам каналов агента.
func (m *Manager) channelVerdict(ctx context.Context, id string) (domain.AgentStatus, error) {
	channels, err := m.store.ListChannels(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: list channels: %w", domain.ErrInternal, err)
	}
	statuses := make([]domain.ChannelStatus, 0, len(channels))
	for _, c := range channels {
		statuses = append(statuses, c.Status)
	}
	return m.policy.Decide(statuses), nil
}

// beginRun под блокировкой переводит агента в provisioning, пишет границу запуска
// и регистрирует отменяемый контекст. Отмена запроса не прерывает провижининг, только Delete.
func (m *Manager) beginRun(ctx context.Context, agent *domain.Agent) (*provisionRun, context.Context, error) {
	if err := m.transition(ctx, agent, domain.StatusProvisioning); err != nil {
		return nil, nil, err
	}
	m.appendLog(ctx, agent.ID, "", domain.StepRun, domain.LogStarted, map[string]any{
		"channels": channelNames(agent.Channels),
		"policy":   string(m.policy),
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &provisionRun{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.inflight[agent.ID] = run
	m.mu.Unlock()
	return run, runCtx, nil
}

// runProvisioning вызывает координатор вне блокировки, затем под блокировкой подводит итог.
// Итог применяется только если агент все еще в provisioning.
func (m *Manager) runProvisioning(ctx, runCtx context.Context, run *provisionRun, agent *domain.Agent) (*domain.Agent, error) {
	defer func() {
		m.mu.Lock()
		if m.inflight[agent.ID] == run {
			delete(m.inflight, agent.ID)
		}
		m.mu.Unlock()
		run.cancel()
		close(run.done)
	}()

	result, provErr := m.coord.Provision(runCtx, agent, agent.Channels, m.policy)
	canceled := runCtx.Err() != nil

	settleCtx := context.WithoutCancel(ctx)
	unlock, err := m.lock(settleCtx, agent.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.store.GetAgent(settleCtx, agent.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusProvisioning {
		m.logger.Warn("provisioning result discarded: agent left provisioning",
			zap.String("agent_id", agent.ID),
			zap.String("status", string(current.Status)))
		return current, nil
	}

	target := domain.StatusError
	details := map[string]any{"policy": string(m.policy)}
	switch {
	case provErr != nil:
		details["reason"] = provErr.Error()
	case canceled:
		details["reason"] = "canceled"
	default:
		target = m.policy.Decide(result.Statuses())
		details["success"] = result.Success
		details["duration_ms"] = result.Duration.Milliseconds()
		details["outcomes"] = outcomeSummary(result)
	}
	details["agent_status"] = string(target)

	if err := m.transition(settleCtx, current, target); err != nil {
		return nil, err
	}
	m.appendLog(settleCtx, agent.ID, "", domain.StepSettle, domain.LogCompleted, details)

	m.logger.Info("provisioning settled",
		zap.String("agent_id", agent.ID),
		zap.String("status", string(target)),
		zap.String("trace_id", TraceID(ctx)))
	return current.Clone(), nil
}

// cancelRun отменяет идущий провижининг агента и ждет, пока он освободит ресурсы.
func (m *Manager) cancelRun(ctx context.Context, id string) error {
	m.mu.Lock()
	run := m.inflight[id]
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		m.logger.Error("provisioning did not stop in time", zap.String("agent_id", id), zap.Error(ctx.Err()))
		return fmt.Errorf("%w: provisioning of agent %s is still stopping", domain.ErrConflict, id)
	}
}

func (m *Manager) withAgent(ctx context.Context, id string, fn func(a *domain.Agent) error) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	return fn(agent)
}

func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s lock: %w", domain.ErrInternal, id, err)
	}
	return unlock, nil
}

// transition проверяет граф, сохраняет агента и оповещает подписчиков.
// При ошибке записи статус агента откатывается.
func (m *Manager) transition(ctx context.Context, a *domain.Agent, to domain.AgentStatus) error {
	from := a.Status
	if err := a.Transition(to); err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, a); err != nil {
		a.Status = from
		return fmt.Errorf("%w: persist status: %w", domain.ErrInternal, err)
	}

	m.metrics.AgentTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("agent status changed",
		zap.String("agent_id", a.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if m.notifier != nil {
		m.notifier.AgentStatusChanged(ctx, a.ID, to)
	}
	return nil
}

func (m *Manager) appendLog(ctx context.Context, agentID, channelID, step string, status domain.LogStatus, details map[string]any) {
	entry := &domain.ProvisioningLogEntry{
		AgentID:   agentID,
		ChannelID: channelID,
		Step:      step,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		m.logger.Error("failed to append provisioning log",
			zap.String("agent_id", agentID),
			zap.String("step", step),
			zap.Error(err))
	}
}

func channelNames(types []domain.ChannelType) []any {
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func outcomeSummary(r *domain.ProvisioningResult) map[string]any {
	out := make(map[string]any, len(r.Results))
	for _, res := range r.Results {
		out[string(res.Type)] = string(res.Outcome)
	}
	return out
}
