// Package memory - хранилище в памяти процесса: для локального запуска и тестов.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
)

type bindingKey struct {
	userID   string
	platform string
}

// Store реализует engine.Store, UserAgentDirectory и audit.StorageInterface.
// Наружу отдаются только копии записей.
type Store struct {
	mu       sync.RWMutex
	agents   map[string]*domain.Agent
	channels map[string]map[domain.ChannelType]*domain.Channel
	logs     map[string][]domain.ProvisioningLogEntry
	bindings map[bindingKey]domain.DirectoryEntry
	comms    []domain.CommunicationLog
	seq      int64
}

func New() *Store {
	return &Store{
		agents:   make(map[string]*domain.Agent),
		channels: make(map[string]map[domain.ChannelType]*domain.Channel),
		logs:     make(map[string][]domain.ProvisioningLogEntry),
		bindings: make(map[bindingKey]domain.DirectoryEntry),
	}
}

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("%w: agent %s already exists", domain.ErrConflict, a.ID)
	}
	for _, other := range s.agents {
		if other.VendorID == a.VendorID {
			return fmt.Errorf("%w: vendor_id %q is already registered", domain.ErrConflict, a.VendorID)
		}
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *Store) FindAgentByVendor(_ context.Context, vendorID string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.VendorID == vendorID {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: vendor %s", domain.ErrNotFound, vendorID)
}

func (s *Store) ListAgents(_ context.Context, f engine.AgentFilter) ([]*domain.Agent, error) {
	s.mu.RLock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.VendorID != "" && a.VendorID != f.VendorID {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []*domain.Agent{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, a.ID)
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	delete(s.agents, id)
	delete(s.logs, id)
	return nil
}

func (s *Store) SuspendedAgents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, a := range s.agents {
		if a.Status.Suspended() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) SaveChannel(_ context.Context, ch *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.channels[ch.AgentID]
	if byType == nil {
		byType = make(map[domain.ChannelType]*domain.Channel)
		s.channels[ch.AgentID] = byType
	}
	if prev, ok := byType[ch.Type]; ok && prev.ID != ch.ID {
		return fmt.Errorf("%w: channel %s already exists for agent %s", domain.ErrConflict, ch.Type, ch.AgentID)
	}
	byType[ch.Type] = ch.Clone()
	return nil
}

func (s *Store) GetChannel(_ context.Context, agentID string, t domain.ChannelType) (*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[agentID][t]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s of agent %s", domain.ErrNotFound, t, agentID)
	}
	return ch.Clone(), nil
}

func (s *Store) ListChannels(_ context.Context, agentID string) ([]*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Channel, 0, len(s.channels[agentID]))
	for _, ch := range s.channels[agentID] {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Type < out[j].Type
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteChannels(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, agentID)
	return nil
}

func (s *Store) AppendLog(_ context.Context, e *domain.ProvisioningLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	if e.ID == "" {
		e.ID = strconv.FormatInt(e.Seq, 10)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	cp.Details = domain.CloneMap(e.Details)
	s.logs[e.AgentID] = append(s.logs[e.AgentID], cp)
	return nil
}

func (s *Store) ListLog(_ context.Context, agentID string) ([]domain.ProvisioningLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[agentID]
	out := make([]domain.ProvisioningLogEntry, len(src))
	for i, e := range src {
		e.Details = domain.CloneMap(e.Details)
		out[i] = e
	}
	return out, nil
}

// BindUser закрепляет пользователя платформы за агентом.
func (s *Store) BindUser(_ context.Context, e domain.DirectoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.bindings[bindingKey{e.UserID, e.Platform}] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Lookup(_ context.Context, userID, platform string) (*domain.DirectoryEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.bindings[bindingKey{userID, platform}]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *Store) WriteBatch(_ context.Context, logs []domain.CommunicationLog) error {
	s.mu.Lock()
	s.comms = append(s.comms, logs...)
	s.mu.Unlock()
	return nil
}

// Communications возвращает журнал коммуникаций агента в порядке записи.
func (s *Store) Communications(_ context.Context, agentID string, limit int) ([]domain.CommunicationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.CommunicationLog{}
	for _, c := range s.comms {
		if len(out) == limit {
			break
		}
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out, nil
}
