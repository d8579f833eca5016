package domain

import "time"

// Шаги и статусы журнала провижининга.
const (
	StepRun         = "run" // Граница запуска провижининга (запись уровня агента)
	StepProvision   = "provision"
	StepSettle      = "settle"
	StepTeardown    = "teardown"
	StepDeprovision = "deprovision"
	StepFinished    = "finished"
	StepPending     = "pending"
	StepCallback    = "callback"
)

type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogCancelled LogStatus = "cancelled"
	LogSkipped   LogStatus = "skipped"
)

// ProvisioningLogEntry - запись аудита. После записи не изменяется.
type ProvisioningLogEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"` // Глобальный порядок записи в хранилище
	AgentID   string         `json:"agent_id"`
	ChannelID string         `json:"channel_id,omitempty"`
	Step      string         `json:"step"`
	Status    LogStatus      `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SnapshotStatus - сводный статус провижининга.
type SnapshotStatus string

const (
	SnapshotNotStarted SnapshotStatus = "not_started"
	SnapshotInProgress SnapshotStatus = "in_progress"
	SnapshotCompleted  SnapshotStatus = "completed"
	SnapshotPartial    SnapshotStatus = "partial"
	SnapshotFailed     SnapshotStatus = "failed"
)

type ChannelProgress struct {
	ChannelID      string        `json:"channel_id"`
	Type           ChannelType   `json:"channel_type"`
	Status         ChannelStatus `json:"status"`
	LastStep       string        `json:"last_step,omitempty"`
	LastStepStatus LogStatus     `json:"last_step_status,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// ProvisioningSnapshot вычисляется по журналу и текущим каналам, не хранится.
type ProvisioningSnapshot struct {
	AgentID        string            `json:"agent_id"`
	Status         SnapshotStatus    `json:"status"`
	Progress       int               `json:"progress"`
	CurrentStep    string            `json:"current_step"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	Channels       []ChannelProgress `json:"channels"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	UpdatedAt      *time.Time        `json:"updated_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// ChannelOutcome - итог провижининга одного канала.
type ChannelOutcome string

const (
	OutcomeSuccess ChannelOutcome = "success"
	OutcomeFailed  ChannelOutcome = "failed"
	OutcomeSkipped ChannelOutcome = "skipped"
)

type ChannelResult struct {
	Type     ChannelType    `json:"channel_type"`
	Outcome  ChannelOutcome `json:"outcome"`
	Reason   string         `json:"reason,omitempty"`
	Existing bool           `json:"existing,omitempty"` // Канал уже был активен, повторный вызов идемпотентен
	Channel  *Channel       `json:"channel,omitempty"`
}

// ProvisioningResult - сводный ответ координатора.
type ProvisioningResult struct {
	AgentID  string             `json:"agent_id"`
	Policy   ProvisioningPolicy `json:"policy"`
	Success  bool               `json:"success"`
	Results  []ChannelResult    `json:"results"`
	Duration time.Duration      `json:"duration"`
}

// Statuses возвращает статусы каналов, участвующих в решении политики.
// Пропущенные каналы считаются неуспешными: они были запрошены, но не подняты.
func (r *ProvisioningResult) Statuses() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Outcome == OutcomeSuccess {
			out = append(out, ChannelActive)
		} else {
			out = append(out, ChannelFailed)
		}
	}
	return out
}

// AgentStatusView - ответ getStatus.
type AgentStatusView struct {
	AgentID     string      `json:"agent_id"`
	Status      AgentStatus `json:"status"`
	Channels    []*Channel  `json:"channels"`
	LastUpdated time.Time   `json:"last_updated"`
}
