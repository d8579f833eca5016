package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"golang.org/x/sync/singleflight"
)

// Resolver - шаг цепочки разрешения. ok=false передает сообщение следующему шагу.
type Resolver interface {
	Resolve(ctx context.Context, msg *domain.InboundMessage, ch domain.ChannelType) (target *domain.Target, ok bool, err error)
}

// AgentLookup - часть репозитория агентов, нужная резолверам.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	FindAgentByVendor(ctx context.Context, vendorID string) (*domain.Agent, error)
}

// findAgent ищет агента по id, затем по vendor_id. Отсутствие - не ошибка.
func findAgent(ctx context.Context, agents AgentLookup, ref string) (*domain.Agent, error) {
	a, err := agents.GetAgent(ctx, ref)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	a, err = agents.FindAgentByVendor(ctx, ref)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func targetFor(a *domain.Agent, via domain.ResolvedBy) *domain.Target {
	return &domain.Target{AgentID: a.ID, VendorID: a.VendorID, Via: via, Agent: a}
}

// HintResolver - явный идентификатор агента или вендора в сообщении. Подсказка авторитетна:
// даже неизвестное ядру значение останавливает цепочку и уходит в бэкенд как vendor_id.
type HintResolver struct {
	Agents AgentLookup
}

func (r HintResolver) Resolve(ctx context.Context, msg *domain.InboundMessage, _ domain.ChannelType) (*domain.Target, bool, error) {
	if msg.Hint == "" {
		return nil, false, nil
	}
	a, err := findAgent(ctx, r.Agents, msg.Hint)
	if err != nil {
		return nil, false, fmt.Errorf("%w: resolve hint: %w", domain.ErrInternal, err)
	}
	if a != nil {
		return targetFor(a, domain.ResolvedByHint), true, nil
	}
	return &domain.Target{AgentID: msg.Hint, VendorID: msg.Hint, Via: domain.ResolvedByHint}, true, nil
}

// DirectoryResolver ищет привязку (user_id, platform). Одновременные запросы одного пользователя
// схлопываются в один вызов справочника.
type DirectoryResolver struct {
	directory connectors.UserAgentDirectory
	agents    AgentLookup
	timeout   time.Duration
	group     singleflight.Group
}

func NewDirectoryResolver(dir connectors.UserAgentDirectory, agents AgentLookup, timeout time.Duration) *DirectoryResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DirectoryResolver{directory: dir, agents: agents, timeout: timeout}
}

func (r *DirectoryResolver) Resolve(ctx context.Context, msg *domain.InboundMessage, ch domain.ChannelType) (*domain.Target, bool, error) {
	key := string(ch) + "|" + msg.UserID
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Общий вызов не должен зависеть от отмены первого из ожидающих
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		var entry *domain.DirectoryEntry
		err := engine.RetryIdempotent(lctx, 2, func(ctx context.Context) error {
			e, found, err := r.directory.Lookup(ctx, msg.UserID, string(ch))
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("%w: directory lookup: %w", domain.ErrUpstreamTimeout, err)
				}
				return fmt.Errorf("%w: directory lookup: %w", domain.ErrUpstream, err)
			}
			if found {
				entry = e
			}
			return nil
		})
		return entry, err
	})
	if err != nil {
		return nil, false, err
	}
	entry, _ := v.(*domain.DirectoryEntry)
	if entry == nil {
		return nil, false, nil
	}

	ref := entry.AgentID
	if ref == "" {
		ref = entry.VendorID
	}
	a, err := findAgent(ctx, r.agents, ref)
	if err != nil {
		return nil, false, fmt.Errorf("%w: resolve directory entry: %w", domain.ErrInternal, err)
	}
	if a != nil {
		return targetFor(a, domain.ResolvedByDirectory), true, nil
	}
	// Привязка есть, а агента ядро не знает: доставляем по данным справочника
	return &domain.Target{AgentID: entry.AgentID, VendorID: entry.VendorID, Via: domain.ResolvedByDirectory}, true, nil
}

// Inferrer - эвристика, извлекающая ссылку на агента из содержимого или метаданных.
type Inferrer interface {
	Infer(ctx context.Context, msg *domain.InboundMessage, ch domain.ChannelType) (ref string, ok bool)
}

// MetadataInferrer берет идентификатор из метаданных платформы:
// agent_id, затем recipient_id (страница или номер получателя), затем instance_id.
type MetadataInferrer struct{}

var inferKeys = []string{"agent_id", "recipient_id", "instance_id"}

func (MetadataInferrer) Infer(_ context.Context, msg *domain.InboundMessage, _ domain.ChannelType) (string, bool) {
	for _, k := range inferKeys {
		if v := msg.MetaString(k); v != "" {
			return v, true
		}
	}
	return "", false
}

// InferenceResolver принимает догадку только если она указывает на известного агента.
type InferenceResolver struct {
	Inferrer Inferrer
	Agents   AgentLookup
}

func (r InferenceResolver) Resolve(ctx context.Context, msg *domain.InboundMessage, ch domain.ChannelType) (*domain.Target, bool, error) {
	ref, ok := r.Inferrer.Infer(ctx, msg, ch)
	if !ok {
		return nil, false, nil
	}
	a, err := findAgent(ctx, r.Agents, ref)
	if err != nil {
		return nil, false, fmt.Errorf("%w: resolve inferred agent: %w", domain.ErrInternal, err)
	}
	if a == nil {
		return nil, false, nil
	}
	return targetFor(a, domain.ResolvedByInference), true, nil
}
