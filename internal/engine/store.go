package engine

import (
	"context"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// AgentFilter - фильтр и пагинация списка агентов.
type AgentFilter struct {
	Status   domain.AgentStatus
	VendorID string
	Offset   int
	Limit    int
}

// AgentRepository описывает требования к хранилищу данных об агентах.
// Отсутствие записи возвращается как domain.ErrNotFound.
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	FindAgentByVendor(ctx context.Context, vendorID string) (*domain.Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*domain.Agent, error)
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	SuspendedAgents(ctx context.Context) ([]string, error)
}

// ChannelRepository хранит каналы, уникальные по (agent_id, channel_type).
type ChannelRepository interface {
	SaveChannel(ctx context.Context, ch *domain.Channel) error
	GetChannel(ctx context.Context, agentID string, t domain.ChannelType) (*domain.Channel, error)
	ListChannels(ctx context.Context, agentID string) ([]*domain.Channel, error)
	DeleteChannels(ctx context.Context, agentID string) error
}

// ProvisioningLog - журнал только на добавление. Append присваивает ID и Seq.
type ProvisioningLog interface {
	AppendLog(ctx context.Context, e *domain.ProvisioningLogEntry) error
	ListLog(ctx context.Context, agentID string) ([]domain.ProvisioningLogEntry, error)
}

// Store - полный набор хранилищ ядра, реализуется одним репозиторием.
type Store interface {
	AgentRepository
	ChannelRepository
	ProvisioningLog
}

// ContextWriter - часть ContextStore, которой пользуется жизненный цикл.
type ContextWriter interface {
	Merge(ctx context.Context, agentID string, partial map[string]any) (*domain.ContextRecord, error)
	Clear(ctx context.Context, agentID string) error
}

// StatusNotifier получает смену статуса агента (паузу, стоп, удаление).
type StatusNotifier interface {
	AgentStatusChanged(ctx context.Context, agentID string, status domain.AgentStatus)
}
