package connectors

import (
	"context"

	"github.com/xela07ax/voca-engine/internal/domain"
)

// StepRecorder фиксирует подшаги провижининга внутри бэкенда
// (например: инстанс, затем маршрутизация, затем номер).
type StepRecorder interface {
	Step(name string, details map[string]any)
}

// StepFunc - адаптер функции к StepRecorder.
type StepFunc func(name string, details map[string]any)

func (f StepFunc) Step(name string, details map[string]any) { f(name, details) }

// NopRecorder ничего не записывает.
var NopRecorder StepRecorder = StepFunc(func(string, map[string]any) {})

// ChannelSpec - все, что бэкенду нужно знать для выделения ресурсов канала.
type ChannelSpec struct {
	AgentID         string
	ChannelID       string
	VendorID        string
	Type            domain.ChannelType
	AgentName       string
	Description     string
	BusinessType    string
	Languages       []string
	CharacterConfig map[string]any
	Config          map[string]any
	WebhookURL      string
}

// TelephonyResources - ссылки на ресурсы, созданные телефонным бэкендом.
// При ошибке может быть заполнен частично: вызывающий обязан освободить InstanceID.
type TelephonyResources struct {
	InstanceID     string `json:"instance_id"`
	RoutingID      string `json:"routing_id"`
	PhoneNumber    string `json:"phone_number"`
	IntegrationRef string `json:"integration_ref"`
}

// TelephonyProvisioner выделяет ресурсы для voice/sms каналов.
type TelephonyProvisioner interface {
	Provision(ctx context.Context, spec ChannelSpec, rec StepRecorder) (TelephonyResources, error)
	Deprovision(ctx context.Context, instanceID string) error
}

// ConversationalAgentManager управляет персоной агента в разговорном бэкенде.
type ConversationalAgentManager interface {
	CreateAgent(ctx context.Context, spec ChannelSpec) (externalAgentID string, err error)
	ConfigurePlatform(ctx context.Context, externalAgentID string, channel domain.ChannelType, webhookURL string) error
	StopAgent(ctx context.Context, externalAgentID string) error
}

// Dispatch - одно входящее сообщение, адресованное конкретному агенту.
type Dispatch struct {
	TraceID     string
	AgentID     string
	VendorID    string
	Channel     domain.ChannelType
	UserID      string
	Text        string
	Metadata    map[string]any
	ExternalRef string // InstanceID телефонии или ExternalAgentID разговорного бэкенда
}

// MessageHandler доставляет сообщение агенту и возвращает его ответ.
type MessageHandler interface {
	Handle(ctx context.Context, d Dispatch) (reply string, err error)
}

// UserAgentDirectory - справочник привязок пользователя платформы к агенту.
type UserAgentDirectory interface {
	Lookup(ctx context.Context, userID, platform string) (*domain.DirectoryEntry, bool, error)
}
