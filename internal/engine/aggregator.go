package engine

import (
	"context"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// Aggregator строит снимок прогресса провижининга по журналу и каналам.
// Только чтение: ничего не пишет в хранилище.
type Aggregator struct {
	agents   AgentRepository
	channels ChannelRepository
	log      ProvisioningLog
}

func NewAggregator(agents AgentRepository, channels ChannelRepository, log ProvisioningLog) *Aggregator {
	return &Aggregator{agents: agents, channels: channels, log: log}
}

func (a *Aggregator) Snapshot(ctx context.Context, agentID string) (*domain.ProvisioningSnapshot, error) {
	agent, err := a.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	channels, err := a.channels.ListChannels(ctx, agentID)
	if err != nil {
		return nil, err
	}
	entries, err := a.log.ListLog(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return BuildSnapshot(agent, channels, entries), nil
}

type channelReplay struct {
	last    *domain.ProvisioningLogEntry // Последняя запись любого шага
	outcome domain.LogStatus             // Последний итог шага provision
}

// BuildSnapshot воспроизводит журнал начиная с последней границы запуска.
// Канал терминален, когда его шаг provision завершился (completed, failed, cancelled, skipped).
func BuildSnapshot(agent *domain.Agent, channels []*domain.Channel, entries []domain.ProvisioningLogEntry) *domain.ProvisioningSnapshot {
	snap := &domain.ProvisioningSnapshot{
		AgentID:    agent.ID,
		TotalSteps: len(agent.Channels),
		Channels:   make([]domain.ChannelProgress, 0, len(agent.Channels)),
	}

	// Только текущий (последний) запуск
	start := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ChannelID == "" && entries[i].Step == domain.StepRun {
			start = i
			break
		}
	}
	if start < 0 {
		snap.Status = domain.SnapshotNotStarted
		snap.CurrentStep = domain.StepPending
		for _, t := range agent.Channels {
			snap.Channels = append(snap.Channels, progressFor(t, findChannel(channels, t), nil))
		}
		return snap
	}
	run := entries[start:]
	snap.StartedAt = timePtr(run[0].CreatedAt)
	snap.UpdatedAt = timePtr(run[len(run)-1].CreatedAt)

	replay := make(map[string]*channelReplay)
	for i := range run {
		e := &run[i]
		if e.ChannelID == "" {
			if e.Step == domain.StepSettle {
				snap.CompletedAt = timePtr(e.CreatedAt)
			}
			continue
		}
		r := replay[e.ChannelID]
		if r == nil {
			r = &channelReplay{}
			replay[e.ChannelID] = r
		}
		r.last = e
		if e.Step == domain.StepProvision {
			r.outcome = e.Status
		}
	}

	terminal, succeeded := 0, 0
	for _, t := range agent.Channels {
		ch := findChannel(channels, t)
		var r *channelReplay
		if ch != nil {
			r = replay[ch.ID]
		}
		snap.Channels = append(snap.Channels, progressFor(t, ch, r))

		switch {
		case r != nil && r.outcome == domain.LogCompleted:
			terminal++
			succeeded++
		case r != nil && (r.outcome == domain.LogFailed || r.outcome == domain.LogCancelled || r.outcome == domain.LogSkipped):
			terminal++
		case snap.CurrentStep == "":
			// Первый незавершенный канал в порядке агента
			snap.CurrentStep = domain.StepPending
			if r != nil && r.last != nil {
				snap.CurrentStep = r.last.Step
			}
		}
	}

	snap.CompletedSteps = terminal
	if snap.TotalSteps > 0 {
		snap.Progress = 100 * terminal / snap.TotalSteps
	}

	switch {
	case terminal < snap.TotalSteps:
		snap.Status = domain.SnapshotInProgress
	case succeeded == snap.TotalSteps:
		snap.Status = domain.SnapshotCompleted
		snap.CurrentStep = domain.StepFinished
	case succeeded > 0:
		snap.Status = domain.SnapshotPartial
		snap.CurrentStep = domain.StepFinished
	default:
		snap.Status = domain.SnapshotFailed
		snap.CurrentStep = domain.StepFinished
	}
	return snap
}

func progressFor(t domain.ChannelType, ch *domain.Channel, r *channelReplay) domain.ChannelProgress {
	p := domain.ChannelProgress{Type: t, Status: domain.ChannelProvisioning}
	if ch != nil {
		p.ChannelID = ch.ID
		p.Status = ch.Status
		p.Reason = ch.Reason
	}
	if r != nil && r.last != nil {
		p.LastStep = r.last.Step
		p.LastStepStatus = r.last.Status
	}
	return p
}

func findChannel(channels []*domain.Channel, t domain.ChannelType) *domain.Channel {
	for _, ch := range channels {
		if ch.Type == t {
			return ch
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
