package contextstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
)

type memoryRecord struct {
	data    map[string]any
	history map[domain.ChannelType][]domain.HistoryEntry
	version int64
	updated time.Time
}

// MemoryBackend хранит контекст в памяти процесса.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*memoryRecord)}
}

func (m *MemoryBackend) Apply(_ context.Context, agentID string, c Commit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.records[agentID]
	if r == nil {
		r = &memoryRecord{
			data:    make(map[string]any),
			history: make(map[domain.ChannelType][]domain.HistoryEntry),
		}
		m.records[agentID] = r
	}
	r.version++
	r.updated = c.At

	for k, v := range c.Data {
		r.data[k] = v
	}
	if c.Entry != nil {
		e := *c.Entry
		e.Seq = r.version
		h := append(r.history[e.Channel], e)
		if c.Limit > 0 && len(h) > c.Limit {
			// Новый срез: вытесненные записи не удерживаются в памяти
			h = append([]domain.HistoryEntry(nil), h[len(h)-c.Limit:]...)
		}
		r.history[e.Channel] = h
	}
	return r.version, nil
}

func (m *MemoryBackend) Load(_ context.Context, agentID string) (*domain.ContextRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.records[agentID]
	if r == nil {
		return nil, fmt.Errorf("%w: context of agent %s", domain.ErrNotFound, agentID)
	}
	out := &domain.ContextRecord{
		AgentID:     agentID,
		Data:        domain.CloneMap(r.data),
		History:     make(map[domain.ChannelType][]domain.HistoryEntry, len(r.history)),
		Version:     r.version,
		LastUpdated: r.updated,
	}
	for ch, h := range r.history {
		out.History[ch] = append([]domain.HistoryEntry(nil), h...)
	}
	return out, nil
}

func (m *MemoryBackend) History(_ context.Context, agentID string, ch domain.ChannelType, limit int) ([]domain.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.records[agentID]
	if r == nil {
		return nil, nil
	}
	h := r.history[ch]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.HistoryEntry(nil), h...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	delete(m.records, agentID)
	m.mu.Unlock()
	return nil
}
