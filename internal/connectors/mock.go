package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// MockBehavior - управляемое поведение заглушки для локального запуска и тестов.
type MockBehavior struct {
	Latency time.Duration // Базовая задержка каждого вызова
	Jitter  time.Duration // Случайная добавка к задержке

	mu     sync.Mutex
	fail   map[domain.ChannelType]error
	block  map[domain.ChannelType]bool
	calls  map[string]int
	freed  []string
	replyF func(Dispatch) (string, error)
}

// FailOn заставляет провижининг канала вернуть ошибку.
func (b *MockBehavior) FailOn(t domain.ChannelType, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail == nil {
		b.fail = make(map[domain.ChannelType]error)
	}
	b.fail[t] = err
}

// BlockOn заставляет провижининг канала висеть до отмены контекста.
func (b *MockBehavior) BlockOn(t domain.ChannelType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block == nil {
		b.block = make(map[domain.ChannelType]bool)
	}
	b.block[t] = true
}

// ReplyWith подменяет ответ агента при доставке сообщения.
func (b *MockBehavior) ReplyWith(f func(Dispatch) (string, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyF = f
}

// Calls возвращает число вызовов операции.
func (b *MockBehavior) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Released возвращает внешние идентификаторы, которые были освобождены.
func (b *MockBehavior) Released() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.freed...)
}

func (b *MockBehavior) enter(ctx context.Context, op string, t domain.ChannelType) error {
	b.mu.Lock()
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[op]++
	failErr, blocked := b.fail[t], b.block[t]
	b.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}

	latency := b.Latency
	if b.Jitter > 0 {
		latency += rand.N(b.Jitter)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failErr
}

func (b *MockBehavior) release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freed = append(b.freed, id)
}

func (b *MockBehavior) reply(d Dispatch) (string, error) {
	b.mu.Lock()
	f := b.replyF
	b.mu.Unlock()
	if f != nil {
		return f(d)
	}
	return fmt.Sprintf("[%s] received: %s", d.AgentID, d.Text), nil
}

// MockTelephony - телефония в памяти процесса.
type MockTelephony struct {
	MockBehavior
}

func (m *MockTelephony) Provision(ctx context.Context, spec ChannelSpec, rec StepRecorder) (TelephonyResources, error) {
	if err := m.enter(ctx, "provision", spec.Type); err != nil {
		return TelephonyResources{}, Classify("telephony", "Provision", err)
	}
	res := TelephonyResources{InstanceID: "inst-" + uuid.NewString()[:8]}
	rec.Step("create_instance", map[string]any{"instance_id": res.InstanceID})
	res.RoutingID = "flow-" + uuid.NewString()[:8]
	rec.Step("create_flow", map[string]any{"routing_id": res.RoutingID})
	res.PhoneNumber = fmt.Sprintf("+1555%07d", rand.IntN(10_000_000))
	rec.Step("assign_number", map[string]any{"phone_number": res.PhoneNumber})
	res.IntegrationRef = "arn:voca:integration:" + spec.AgentID
	rec.Step("deploy_integration", map[string]any{"integration_ref": res.IntegrationRef})
	return res, nil
}

func (m *MockTelephony) Deprovision(ctx context.Context, instanceID string) error {
	if err := m.enter(ctx, "deprovision", ""); err != nil {
		return Classify("telephony", "Deprovision", err)
	}
	m.release(instanceID)
	return nil
}

func (m *MockTelephony) Handle(ctx context.Context, d Dispatch) (string, error) {
	if err := m.enter(ctx, "handle", d.Channel); err != nil {
		return "", Classify("telephony", "Deliver", err)
	}
	return m.reply(d)
}

// MockConversational - разговорный бэкенд в памяти процесса.
type MockConversational struct {
	MockBehavior
}

func (m *MockConversational) CreateAgent(ctx context.Context, spec ChannelSpec) (string, error) {
	if err := m.enter(ctx, "create_agent", spec.Type); err != nil {
		return "", Classify("vocaos", "CreateAgent", err)
	}
	return "ext-" + uuid.NewString()[:8], nil
}

func (m *MockConversational) ConfigurePlatform(ctx context.Context, externalAgentID string, channel domain.ChannelType, webhookURL string) error {
	if err := m.enter(ctx, "configure_platform", ""); err != nil {
		return Classify("vocaos", "ConfigurePlatform", err)
	}
	return nil
}

func (m *MockConversational) StopAgent(ctx context.Context, externalAgentID string) error {
	if err := m.enter(ctx, "stop_agent", ""); err != nil {
		return Classify("vocaos", "StopAgent", err)
	}
	m.release(externalAgentID)
	return nil
}

func (m *MockConversational) Handle(ctx context.Context, d Dispatch) (string, error) {
	if err := m.enter(ctx, "handle", d.Channel); err != nil {
		return "", Classify("vocaos", "Message", err)
	}
	return m.reply(d)
}
