package audit

/*
Файл agentfs.go реализует асинхронный журнал коммуникаций (CommunicationLog).

- Горячий путь роутера не ждет записи в БД: Log только кладет запись в буферизированный канал.
- Записи копятся в памяти и пишутся пачкой по таймеру или при достижении размера пачки.
- При переполнении буфера запись сбрасывается (Load Shedding) с ошибкой в логе.
- Stop закрывает канал и дожидается финального flush, записи не теряются при остановке.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/voca-engine/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, logs []domain.CommunicationLog) error
}

// Auditor - то, чем пользуется роутер.
type Auditor interface {
	Log(entry domain.CommunicationLog)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Fill          prometheus.Gauge // Может быть nil
}

type AgentFS struct {
	ch     chan domain.CommunicationLog // Буфер для асинхронности
	repo   StorageInterface
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup
	// Защита от Log после остановки (0 - открыт, 1 - закрыт)
	isClosed int32
	mu       sync.RWMutex
}

func NewAgentFS(repo StorageInterface, opts Options, logger *zap.Logger) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan domain.CommunicationLog, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		fs.mu.Unlock()
		return
	}
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

func (fs *AgentFS) Log(entry domain.CommunicationLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	// Чтение под RLock: закрытие канала не пересечется с отправкой
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("communication log dropped: auditor is stopping", zap.String("id", entry.ID))
		return
	}

	select {
	case fs.ch <- entry:
		if fs.opts.Fill != nil {
			fs.opts.Fill.Set(float64(len(fs.ch)))
		}
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", entry.AgentID),
			zap.String("trace_id", entry.TraceID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]domain.CommunicationLog, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = make([]domain.CommunicationLog, 0, fs.opts.BatchSize)
		if fs.opts.Fill != nil {
			fs.opts.Fill.Set(float64(len(fs.ch)))
		}
	}

	for {
		select {
		case entry, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
