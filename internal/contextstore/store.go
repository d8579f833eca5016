// Package contextstore хранит общий контекст агента и ограниченную историю разговоров по каналам.
//
// Запись для одного агента сериализуется и получает монотонную версию. История всех каналов
// упорядочена по этой версии: читатель видит последнюю зафиксированную запись из любого канала.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap"
)

// Commit - одна атомарная запись в контекст агента.
type Commit struct {
	Data  map[string]any       // Ключи перезаписываются независимо
	Entry *domain.HistoryEntry // Seq проставляет бэкенд
	Limit int                  // Емкость истории канала
	At    time.Time
}

// Backend - физическое хранение. Apply должен быть атомарным: версия, данные и история
// видны читателю либо целиком, либо никак.
type Backend interface {
	Apply(ctx context.Context, agentID string, c Commit) (version int64, err error)
	// Load возвращает domain.ErrNotFound, если у агента нет записи.
	Load(ctx context.Context, agentID string) (*domain.ContextRecord, error)
	// History возвращает последние limit записей канала, старые первыми.
	History(ctx context.Context, agentID string, ch domain.ChannelType, limit int) ([]domain.HistoryEntry, error)
	Delete(ctx context.Context, agentID string) error
}

type Store struct {
	backend Backend
	locker  engine.Locker
	limit   int
	logger  *zap.Logger
}

// New создает хранилище. locker может быть nil - тогда блокировки в памяти процесса.
func New(backend Backend, locker engine.Locker, historyLimit int, logger *zap.Logger) *Store {
	if locker == nil {
		locker = engine.NewKeyedMutex()
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Store{
		backend: backend,
		locker:  locker,
		limit:   historyLimit,
		logger:  logger.Named("context"),
	}
}

// Get возвращает контекст агента; для агента без записей - пустой контекст с версией 0.
func (s *Store) Get(ctx context.Context, agentID string) (*domain.ContextRecord, error) {
	rec, err := s.backend.Load(ctx, agentID)
	if errors.Is(err, domain.ErrNotFound) {
		return emptyRecord(agentID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load context: %w", domain.ErrInternal, err)
	}
	return rec, nil
}

// Merge перезаписывает переданные ключи, остальные сохраняются.
func (s *Store) Merge(ctx context.Context, agentID string, partial map[string]any) (*domain.ContextRecord, error) {
	if len(partial) == 0 {
		return s.Get(ctx, agentID)
	}
	if err := s.commit(ctx, agentID, Commit{Data: domain.CloneMap(partial)}); err != nil {
		return nil, err
	}
	return s.Get(ctx, agentID)
}

// AppendHistory добавляет реплику в историю канала; старейшая вытесняется сверх емкости.
func (s *Store) AppendHistory(ctx context.Context, agentID string, channel domain.ChannelType, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	entry.Channel = channel
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if entry.Direction == "" {
		entry.Direction = domain.DirectionInbound
	}
	entry.Metadata = domain.CloneMap(entry.Metadata)
	if err := s.commit(ctx, agentID, Commit{Entry: &entry}); err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) History(ctx context.Context, agentID string, channel domain.ChannelType, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	entries, err := s.backend.History(ctx, agentID, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %w", domain.ErrInternal, err)
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return entries, nil
}

func (s *Store) Clear(ctx context.Context, agentID string) error {
	unlock, err := s.locker.Lock(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: context lock: %w", domain.ErrInternal, err)
	}
	defer unlock()
	if err := s.backend.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("%w: clear context: %w", domain.ErrInternal, err)
	}
	s.logger.Info("context cleared", zap.String("agent_id", agentID))
	return nil
}

// Summary - сводка контекста: данные, число реплик по каналам и последние реплики всех каналов.
func (s *Store) Summary(ctx context.Context, agentID string, recent int) (*domain.ContextSummary, error) {
	rec, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if recent <= 0 {
		recent = 10
	}
	sum := &domain.ContextSummary{
		AgentID:       agentID,
		Data:          rec.Data,
		Conversations: make(map[domain.ChannelType]int, len(rec.History)),
		LastUpdated:   rec.LastUpdated,
	}
	var all []domain.HistoryEntry
	for ch, entries := range rec.History {
		sum.Conversations[ch] = len(entries)
		sum.Total += len(entries)
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	if len(all) > recent {
		all = all[len(all)-recent:]
	}
	if all == nil {
		all = []domain.HistoryEntry{}
	}
	sum.RecentEntries = all
	return sum, nil
}

func (s *Store) commit(ctx context.Context, agentID string, c Commit) error {
	unlock, err := s.locker.Lock(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: context lock: %w", domain.ErrInternal, err)
	}
	defer unlock()

	c.Limit = s.limit
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	version, err := s.backend.Apply(ctx, agentID, c)
	if err != nil {
		s.logger.Error("context commit failed", zap.String("agent_id", agentID), zap.Error(err))
		return fmt.Errorf("%w: commit context: %w", domain.ErrInternal, err)
	}
	if c.Entry != nil {
		c.Entry.Seq = version
	}
	return nil
}

func emptyRecord(agentID string) *domain.ContextRecord {
	return &domain.ContextRecord{
		AgentID: agentID,
		Data:    map[string]any{},
		History: map[domain.ChannelType][]domain.HistoryEntry{},
	}
}
