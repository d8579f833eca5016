package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/voca-engine/internal/domain"
	"go.uber.org/zap/zaptest"
)

type recordingStorage struct {
	mu      sync.Mutex
	batches [][]domain.CommunicationLog
}

func (s *recordingStorage) WriteBatch(_ context.Context, logs []domain.CommunicationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]domain.CommunicationLog(nil), logs...))
	return nil
}

func (s *recordingStorage) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func (s *recordingStorage) total() int {
	n := 0
	for _, size := range s.sizes() {
		n += size
	}
	return n
}

func TestAgentFS_BatchesAndFlushesOnStop(t *testing.T) {
	repo := &recordingStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	fs.Start()

	for i := range 7 {
		fs.Log(domain.CommunicationLog{AgentID: "a", Direction: domain.DirectionInbound, Content: map[string]any{"n": i}})
	}
	fs.Stop()
	fs.Stop()

	assert.Equal(t, []int{3, 3, 1}, repo.sizes())
	for _, b := range repo.batches {
		for _, e := range b {
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
		}
	}

	// После остановки записи отбрасываются
	fs.Log(domain.CommunicationLog{AgentID: "a"})
	assert.Equal(t, 7, repo.total())
}

func TestAgentFS_FlushesByTimer(t *testing.T) {
	repo := &recordingStorage{}
	fs := NewAgentFS(repo, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	fs.Start()
	defer fs.Stop()

	fs.Log(domain.CommunicationLog{AgentID: "a"})
	assert.Eventually(t, func() bool { return repo.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentFS_ShedsLoadWhenBufferFull(t *testing.T) {
	repo := &recordingStorage{}
	fill := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_fill"})
	fs := NewAgentFS(repo, Options{BufferSize: 2, Fill: fill}, zaptest.NewLogger(t))

	// Воркер еще не запущен: буфер заполняется
	for i := range 5 {
		fs.Log(domain.CommunicationLog{ID: fmt.Sprintf("id-%d", i), AgentID: "a"})
	}
	var m dto.Metric
	require.NoError(t, fill.Write(&m))
	assert.Equal(t, float64(2), m.GetGauge().GetValue())

	fs.Start()
	fs.Stop()
	require.Equal(t, 2, repo.total())
	assert.Equal(t, "id-0", repo.batches[0][0].ID)
	assert.Equal(t, "id-1", repo.batches[0][1].ID)
}
