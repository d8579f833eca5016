package engine_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/contextstore"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"github.com/xela07ax/voca-engine/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

type statusRecorder struct {
	mu      sync.Mutex
	history map[string][]domain.AgentStatus
}

func (r *statusRecorder) AgentStatusChanged(_ context.Context, agentID string, status domain.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.history == nil {
		r.history = make(map[string][]domain.AgentStatus)
	}
	r.history[agentID] = append(r.history[agentID], status)
}

func (r *statusRecorder) of(agentID string) []domain.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AgentStatus(nil), r.history[agentID]...)
}

type harness struct {
	repo     *memory.Store
	tel      *connectors.MockTelephony
	conv     *connectors.MockConversational
	contexts *contextstore.Store
	events   *statusRecorder
	coord    *engine.Coordinator
	mgr      *engine.Manager
}

type harnessOpts struct {
	policy         domain.ProvisioningPolicy
	channelTimeout time.Duration
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		repo:   memory.New(),
		tel:    &connectors.MockTelephony{},
		conv:   &connectors.MockConversational{},
		events: &statusRecorder{},
	}
	h.contexts = contextstore.New(contextstore.NewMemoryBackend(), nil, 20, logger)
	h.coord = engine.NewCoordinator(h.tel, h.conv, h.repo, engine.CoordinatorConfig{
		ChannelTimeout: o.channelTimeout,
		WebhookBaseURL: "https://voca.test/webhooks",
	}, nil, logger)
	h.mgr = engine.NewManager(engine.ManagerDeps{
		Store:       h.repo,
		Coordinator: h.coord,
		Contexts:    h.contexts,
		Notifier:    h.events,
		Policy:      o.policy,
		Logger:      logger,
	})
	t.Cleanup(func() { h.mgr.Shutdown(context.Background()) })
	return h
}

func spec(vendor string, channels ...domain.ChannelType) domain.AgentSpec {
	return domain.AgentSpec{
		Name:         "Agent " + vendor,
		VendorID:     vendor,
		BusinessType: "retail",
		Channels:     channels,
	}
}

func (h *harness) entries(t *testing.T, agentID, step string, status domain.LogStatus) []domain.ProvisioningLogEntry {
	t.Helper()
	all, err := h.repo.ListLog(context.Background(), agentID)
	require.NoError(t, err)
	var out []domain.ProvisioningLogEntry
	for _, e := range all {
		if e.Step == step && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func TestCreate_AllChannelsActive(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	agent, err := h.mgr.Create(ctx, spec("store-a", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, agent.Status)
	assert.Equal(t,
		[]domain.AgentStatus{domain.StatusProvisioning, domain.StatusActive},
		h.events.of(agent.ID))

	view, err := h.mgr.Status(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, view.Channels, 2)
	for _, ch := range view.Channels {
		assert.Equal(t, domain.ChannelActive, ch.Status, ch.Type)
		assert.True(t, ch.HasExternalResources(), ch.Type)
	}

	voice, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.NotEmpty(t, voice.ExternalInstanceID)
	assert.NotEmpty(t, voice.PhoneNumber)

	snap, err := h.mgr.ProvisioningStatus(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, domain.StepFinished, snap.CurrentStep)
	assert.NotNil(t, snap.CompletedAt)
}

func TestCreate_RequireAll_OneChannelFails(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: domain.PolicyRequireAll})
	h.tel.FailOn(domain.ChannelVoice, errors.New("carrier rejected number order"))
	ctx := context.Background()

	agent, err := h.mgr.Create(ctx, spec("store-b", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, agent.Status)

	failed := h.entries(t, agent.ID, domain.StepProvision, domain.LogFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "voice", failed[0].Details["channel_type"])
	assert.Contains(t, failed[0].Details["reason"], "carrier rejected number order")
	assert.Equal(t, "upstream", failed[0].Details["error_kind"])

	logs, err := h.mgr.ProvisioningLogs(ctx, agent.ID, 0)
	require.NoError(t, err)
	var found bool
	for _, e := range logs {
		if e.Step == domain.StepProvision && e.Status == domain.LogFailed {
			found = true
		}
	}
	assert.True(t, found)
	// Новые первыми
	for i := 1; i < len(logs); i++ {
		assert.Greater(t, logs[i-1].Seq, logs[i].Seq)
	}

	whatsapp, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelActive, whatsapp.Status)
	voice, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, voice.Status)
	assert.NotEmpty(t, voice.Reason)

	snap, err := h.mgr.ProvisioningStatus(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotPartial, snap.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestCreate_BestEffort_OneChannelFails(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: domain.PolicyBestEffort})
	h.tel.FailOn(domain.ChannelVoice, errors.New("no numbers available"))

	agent, err := h.mgr.Create(context.Background(), spec("store-c", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, agent.Status)

	voice, err := h.repo.GetChannel(context.Background(), agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, voice.Status)
}

func TestCreate_BestEffort_AllFail(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: domain.PolicyBestEffort})
	h.tel.FailOn(domain.ChannelVoice, errors.New("down"))
	h.tel.FailOn(domain.ChannelSMS, errors.New("down"))

	agent, err := h.mgr.Create(context.Background(), spec("store-d", domain.ChannelSMS, domain.ChannelVoice))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, agent.Status)
}

func TestCreate_ChannelTimeoutDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, harnessOpts{channelTimeout: 50 * time.Millisecond})
	h.tel.BlockOn(domain.ChannelVoice)

	started := time.Now()
	agent, err := h.mgr.Create(context.Background(), spec("store-e", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, domain.StatusError, agent.Status)

	failed := h.entries(t, agent.ID, domain.StepProvision, domain.LogFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "upstream_timeout", failed[0].Details["error_kind"])
	assert.True(t, strings.HasPrefix(failed[0].Details["reason"].(string), "timeout after"))

	whatsapp, err := h.repo.GetChannel(context.Background(), agent.ID, domain.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelActive, whatsapp.Status)
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, domain.AgentSpec{BusinessType: "retail"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.mgr.Create(ctx, domain.AgentSpec{Name: "x", BusinessType: "retail", Channels: []domain.ChannelType{"telegram"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.mgr.Create(ctx, spec("dup"))
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, spec("dup"))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreate_WithoutChannelsStaysDraft(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	s := spec("draft-only")
	s.Context = map[string]any{"greeting": "hello"}
	agent, err := h.mgr.Create(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, agent.Status)

	rec, err := h.contexts.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Data["greeting"])

	_, err = h.mgr.Start(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	snap, err := h.mgr.ProvisioningStatus(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotNotStarted, snap.Status)
	assert.Equal(t, domain.StepPending, snap.CurrentStep)
}

func TestLifecycle_ManualOperations(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	agent, err := h.mgr.Create(ctx, spec("store-f", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, agent.Status)

	_, err = h.mgr.Resume(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	paused, err := h.mgr.Pause(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	_, err = h.mgr.Pause(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// start из паузы работает как resume и не трогает бэкенды
	createsBefore := h.conv.Calls("create_agent")
	started, err := h.mgr.Start(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, started.Status)
	assert.Equal(t, createsBefore, h.conv.Calls("create_agent"))

	stopped, err := h.mgr.Stop(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Len(t, h.conv.Released(), 1)
	assert.Empty(t, h.tel.Released())

	view, err := h.mgr.Status(ctx, agent.ID)
	require.NoError(t, err)
	for _, ch := range view.Channels {
		assert.Equal(t, domain.ChannelInactive, ch.Status)
	}

	_, err = h.mgr.Stop(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Повторный запуск освобождает сохраненные ресурсы телефонии и выделяет новые
	restarted, err := h.mgr.Start(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, restarted.Status)
	assert.Equal(t, 1, h.tel.Calls("deprovision"))
	assert.Equal(t, 2, h.tel.Calls("provision"))

	assert.Equal(t, []domain.AgentStatus{
		domain.StatusProvisioning, domain.StatusActive,
		domain.StatusPaused, domain.StatusActive,
		domain.StatusStopped,
		domain.StatusProvisioning, domain.StatusActive,
	}, h.events.of(agent.ID))

	// Снимок описывает только последний запуск
	snap, err := h.mgr.ProvisioningStatus(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotCompleted, snap.Status)
}

func TestLifecycle_GuardsOnDraft(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	agent, err := h.mgr.Create(ctx, spec("guarded"))
	require.NoError(t, err)

	_, err = h.mgr.Pause(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.mgr.Stop(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = h.mgr.Resume(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.mgr.Pause(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinator_ReprovisionActiveChannelIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	agent := &domain.Agent{ID: "agent-1", VendorID: "store-g", Name: "G", Channels: []domain.ChannelType{domain.ChannelWhatsApp}}
	require.NoError(t, h.repo.CreateAgent(ctx, agent))

	first, err := h.coord.Provision(ctx, agent, agent.Channels, domain.PolicyRequireAll)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.Results[0].Existing)

	second, err := h.coord.Provision(ctx, agent, agent.Channels, domain.PolicyRequireAll)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Results[0].Existing)
	assert.Equal(t, first.Results[0].Channel.ID, second.Results[0].Channel.ID)
	assert.Equal(t, first.Results[0].Channel.ExternalAgentID, second.Results[0].Channel.ExternalAgentID)
	assert.Equal(t, 1, h.conv.Calls("create_agent"))

	channels, err := h.repo.ListChannels(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestCoordinator_MissingBackendSkipsChannel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	repo := memory.New()
	conv := &connectors.MockConversational{}
	coord := engine.NewCoordinator(nil, conv, repo, engine.CoordinatorConfig{}, nil, logger)
	agent := &domain.Agent{ID: "agent-2", VendorID: "store-h", Channels: []domain.ChannelType{domain.ChannelWhatsApp, domain.ChannelVoice}}
	require.NoError(t, repo.CreateAgent(context.Background(), agent))

	res, err := coord.Provision(context.Background(), agent, agent.Channels, domain.PolicyBestEffort)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.OutcomeSuccess, res.Results[0].Outcome)
	assert.Equal(t, domain.OutcomeSkipped, res.Results[1].Outcome)

	voice, err := repo.GetChannel(context.Background(), agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, voice.Status)

	res, err = coord.Provision(context.Background(), agent, agent.Channels, domain.PolicyRequireAll)
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = coord.Provision(context.Background(), agent, nil, domain.PolicyRequireAll)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDelete_CancelsInFlightProvisioning(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.tel.BlockOn(domain.ChannelVoice)
	ctx := context.Background()

	type created struct {
		agent *domain.Agent
		err   error
	}
	done := make(chan created, 1)
	go func() {
		a, err := h.mgr.Create(ctx, spec("store-i", domain.ChannelWhatsApp, domain.ChannelVoice))
		done <- created{a, err}
	}()

	var agentID string
	require.Eventually(t, func() bool {
		a, err := h.repo.FindAgentByVendor(ctx, "store-i")
		if err != nil {
			return false
		}
		agentID = a.ID
		return len(h.entries(t, a.ID, domain.StepProvision, domain.LogCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := h.mgr.ProvisioningStatus(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotInProgress, snap.Status)
	assert.Equal(t, 50, snap.Progress)

	require.NoError(t, h.mgr.Delete(ctx, agentID))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, domain.StatusError, res.agent.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("provisioning did not stop after delete")
	}

	_, err = h.repo.GetAgent(ctx, agentID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	channels, err := h.repo.ListChannels(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, channels)
	assert.Len(t, h.conv.Released(), 1)

	rec, err := h.contexts.Get(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Version)
}

func TestDelete_CompensationFailureKeepsAgent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	agent, err := h.mgr.Create(ctx, spec("store-j", domain.ChannelVoice))
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, agent.Status)

	h.tel.FailOn("", errors.New("carrier api down"))
	err = h.mgr.Delete(ctx, agent.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	got, err := h.repo.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	voice, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, voice.Status)
	assert.NotEmpty(t, voice.ExternalInstanceID)
	assert.NotEmpty(t, h.entries(t, agent.ID, domain.StepTeardown, domain.LogFailed))

	// Бэкенд ожил: повторное удаление проходит
	h.tel.FailOn("", nil)
	require.NoError(t, h.mgr.Delete(ctx, agent.ID))
	_, err = h.repo.GetAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, h.tel.Released(), 1)
}

func TestApplyChannelEvent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	agent, err := h.mgr.Create(ctx, spec("store-k", domain.ChannelWhatsApp, domain.ChannelSMS))
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, agent.Status)

	_, err = h.mgr.ApplyChannelEvent(ctx, engine.ChannelEvent{AgentID: agent.ID, Channel: domain.ChannelSMS, Status: domain.ChannelProvisioning})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.mgr.ApplyChannelEvent(ctx, engine.ChannelEvent{AgentID: agent.ID, Channel: domain.ChannelFacebook, Status: domain.ChannelFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := h.mgr.ApplyChannelEvent(ctx, engine.ChannelEvent{
		AgentID: agent.ID,
		Channel: domain.ChannelSMS,
		Status:  domain.ChannelFailed,
		Reason:  "number released by carrier",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)

	sms, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, sms.Status)
	assert.Equal(t, "number released by carrier", sms.Reason)
	assert.Len(t, h.entries(t, agent.ID, domain.StepCallback, domain.LogFailed), 1)
}

func TestList(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_, err := h.mgr.Create(ctx, spec("l1"))
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, spec("l2", domain.ChannelWhatsApp))
	require.NoError(t, err)

	all, err := h.mgr.List(ctx, engine.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	drafts, err := h.mgr.List(ctx, engine.AgentFilter{Status: domain.StatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "l1", drafts[0].VendorID)

	none, err := h.mgr.List(ctx, engine.AgentFilter{Status: domain.StatusPaused})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = h.mgr.List(ctx, engine.AgentFilter{Status: "sleeping"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdate(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	agent, err := h.mgr.Create(ctx, spec("u1"))
	require.NoError(t, err)

	name := "Renamed"
	got, err := h.mgr.Update(ctx, agent.ID, domain.AgentUpdate{Name: &name, Context: map[string]any{"tier": "gold"}})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, domain.StatusDraft, got.Status)

	rec, err := h.contexts.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "gold", rec.Data["tier"])

	active := domain.StatusActive
	_, err = h.mgr.Update(ctx, agent.ID, domain.AgentUpdate{Status: &active})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreate_RequireAll_SingleVoiceChannelFails(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: domain.PolicyRequireAll})
	h.tel.FailOn(domain.ChannelVoice, errors.New("no numbers available in region"))
	ctx := context.Background()

	agent, err := h.mgr.Create(ctx, spec("store-voice", domain.ChannelVoice))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, agent.Status)

	logs, err := h.mgr.ProvisioningLogs(ctx, agent.ID, 0)
	require.NoError(t, err)
	var failed []domain.ProvisioningLogEntry
	for _, e := range logs {
		if e.Status == domain.LogFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, domain.StepProvision, failed[0].Step)
	assert.Equal(t, "voice", failed[0].Details["channel_type"])
	assert.Contains(t, failed[0].Details["reason"], "no numbers available in region")

	voice, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelFailed, voice.Status)
}

func TestResume_ChannelFailedWhilePaused(t *testing.T) {
	tests := []struct {
		name   string
		policy domain.ProvisioningPolicy
		want   domain.AgentStatus
	}{
		{"require_all", domain.PolicyRequireAll, domain.StatusError},
		{"best_effort", domain.PolicyBestEffort, domain.StatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{policy: tt.policy})
			ctx := context.Background()
			agent, err := h.mgr.Create(ctx, spec("store-p", domain.ChannelWhatsApp, domain.ChannelVoice))
			require.NoError(t, err)
			require.Equal(t, domain.StatusActive, agent.Status)

			_, err = h.mgr.Pause(ctx, agent.ID)
			require.NoError(t, err)

			got, err := h.mgr.ApplyChannelEvent(ctx, engine.ChannelEvent{
				AgentID: agent.ID,
				Channel: domain.ChannelVoice,
				Status:  domain.ChannelFailed,
				Reason:  "trunk disconnected",
			})
			require.NoError(t, err)

			if tt.want == domain.StatusError {
				// Отказ учитывается сразу, resume из error уже не разрешен
				assert.Equal(t, domain.StatusError, got.Status)
				_, err = h.mgr.Resume(ctx, agent.ID)
				assert.ErrorIs(t, err, domain.ErrConflict)
				return
			}
			assert.Equal(t, domain.StatusPaused, got.Status)
			resumed, err := h.mgr.Resume(ctx, agent.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resumed.Status)
		})
	}
}

func TestResume_RechecksPolicyOverStoredChannels(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: domain.PolicyRequireAll})
	ctx := context.Background()
	agent, err := h.mgr.Create(ctx, spec("store-q", domain.ChannelWhatsApp, domain.ChannelVoice))
	require.NoError(t, err)
	_, err = h.mgr.Pause(ctx, agent.ID)
	require.NoError(t, err)

	// Канал сменил статус в хранилище в обход колбэка (например, другим инстансом)
	voice, err := h.repo.GetChannel(ctx, agent.ID, domain.ChannelVoice)
	require.NoError(t, err)
	voice.Status, voice.Reason = domain.ChannelFailed, "trunk disconnected"
	require.NoError(t, h.repo.SaveChannel(ctx, voice))

	for _, op := range []func(context.Context, string) (*domain.Agent, error){h.mgr.Resume, h.mgr.Start} {
		got, err := op(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, got.Status)

		// Возвращаем в paused для второй операции
		a, err := h.repo.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		a.Status = domain.StatusPaused
		require.NoError(t, h.repo.UpdateAgent(ctx, a))
	}
}

// stubbornTelephony не реагирует на отмену, пока не закончит провижининг.
type stubbornTelephony struct {
	*connectors.MockTelephony
	hold time.Duration
}

func (s *stubbornTelephony) Provision(ctx context.Context, spec connectors.ChannelSpec, rec connectors.StepRecorder) (connectors.TelephonyResources, error) {
	time.Sleep(s.hold)
	return s.MockTelephony.Provision(context.WithoutCancel(ctx), spec, rec)
}

func TestDelete_WaitsForProvisioningBeyondRequestDeadline(t *testing.T) {
	logger := zaptest.NewLogger(t)
	repo := memory.New()
	tel := &stubbornTelephony{MockTelephony: &connectors.MockTelephony{}, hold: 200 * time.Millisecond}
	conv := &connectors.MockConversational{}
	coord := engine.NewCoordinator(tel, conv, repo, engine.CoordinatorConfig{}, nil, logger)
	mgr := engine.NewManager(engine.ManagerDeps{Store: repo, Coordinator: coord, Logger: logger})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mgr.Create(ctx, spec("store-r", domain.ChannelWhatsApp, domain.ChannelVoice))
	}()

	var agentID string
	require.Eventually(t, func() bool {
		a, err := repo.FindAgentByVendor(ctx, "store-r")
		if err != nil {
			return false
		}
		agentID = a.ID
		return a.Status == domain.StatusProvisioning
	}, 2*time.Second, time.Millisecond)

	reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, mgr.Delete(reqCtx, agentID))
	<-done

	_, err := repo.GetAgent(ctx, agentID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	channels, err := repo.ListChannels(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, channels, "late provisioning writes must not outlive the agent")
	// Поднятый после отмены номер освобожден
	assert.NotEmpty(t, tel.Released())
}

func TestList_LimitIsCapped(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	for i := range 501 {
		_, err := h.mgr.Create(ctx, spec("cap-"+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	page, err := h.mgr.List(ctx, engine.AgentFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page, 500)

	page, err = h.mgr.List(ctx, engine.AgentFilter{Limit: 7})
	require.NoError(t, err)
	assert.Len(t, page, 7)
}
