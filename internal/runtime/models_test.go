package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
)

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{fmt.Errorf("complete: %w", handlers.ErrMessageLockExpired), ErrorCategoryLock},
		{lock.ErrLeaseLost, ErrorCategoryLock},
		{saga.ErrSagaConflict, ErrorCategorySaga},
		{saga.ErrSagaNotFound, ErrorCategorySaga},
		{context.DeadlineExceeded, ErrorCategoryDownstream},
		{errors.New("other"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultErrorClassifier(tt.err), "%v", tt.err)
	}
}

func TestHandlerStatsOutcomes(t *testing.T) {
	stats := newHandlerStats(nil)

	stats.onMessageStart(1)
	stats.onMessageStart(4)
	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Backlog.InFlight)
	assert.Equal(t, uint64(2), snap.Backlog.MaxInFlight)
	assert.Equal(t, 4, snap.Backlog.MaxDeliveryCount)

	stats.onMessageFinish(10*time.Millisecond, OutcomeCompleted, nil, nil)
	stats.onMessageFinish(30*time.Millisecond, OutcomeDeadLettered, errors.New("poison"), nil)
	stats.onMessageStart(1)
	stats.onMessageFinish(20*time.Millisecond, OutcomeUnsettled, handlers.ErrMessageLockExpired, nil)
	stats.onMessageStart(1)
	stats.onMessageFinish(5*time.Millisecond, OutcomeAbandoned, errors.New("x"), func(error) ErrorCategory { return ErrorCategoryDownstream })

	snap = stats.Snapshot()
	assert.Equal(t, uint64(4), snap.MessagesProcessed)
	assert.Equal(t, uint64(1), snap.MessagesCompleted)
	assert.Equal(t, uint64(1), snap.MessagesDeadLetters)
	assert.Equal(t, uint64(1), snap.MessagesUnsettled)
	assert.Equal(t, uint64(1), snap.MessagesAbandoned)
	assert.Zero(t, snap.Backlog.InFlight)
	assert.Equal(t, uint64(2), snap.Backlog.MaxInFlight)

	assert.Equal(t, uint64(1), snap.Errors.Lock)
	assert.Equal(t, uint64(1), snap.Errors.Other)
	assert.Equal(t, uint64(1), snap.Errors.Downstream)
	assert.Equal(t, "x", snap.Errors.LastError)

	assert.Equal(t, 4, snap.Latency.SampleSize)
	assert.Equal(t, int64(5*time.Millisecond), snap.Latency.LastNs)
	assert.Equal(t, int64(65*time.Millisecond)/4, snap.Latency.AverageNs)
	assert.Equal(t, uint64(4), snap.Throughput.TotalMessages)
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats(newResourceSampler())
	stats.onMessageStart(1)
	stats.onMessageFinish(time.Millisecond, OutcomeCompleted, nil, nil)

	data, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messages_completed":1`)
	assert.Contains(t, string(data), `"goroutines"`)
}

func TestLatencyWindowWraps(t *testing.T) {
	lw := newLatencyWindow(4)
	for i := 1; i <= 6; i++ {
		lw.Add(time.Duration(i))
	}
	snap := lw.Snapshot()
	assert.Equal(t, 4, snap.SampleSize)
	assert.Equal(t, int64(6), snap.LastNs)
	// Samples 3..6 remain.
	assert.Equal(t, percentile([]int64{3, 4, 5, 6}, 0.5), snap.P50Ns)
	assert.Equal(t, percentile([]int64{3, 4, 5, 6}, 0.99), snap.P99Ns)
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	assert.Zero(t, percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(50), percentile(samples, 1))
	assert.Equal(t, int64(30), percentile(samples, 0.5))
	assert.Equal(t, int64(45), percentile(samples, 0.875))
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	start := time.Unix(0, 0)
	tw.AddAndSnapshot(start)
	tw.AddAndSnapshot(start.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(start.Add(1500 * time.Millisecond))

	assert.Equal(t, 2, snap.Count)
	assert.InDelta(t, 1.0, snap.WindowSeconds, 1e-9)
	assert.InDelta(t, 2.0, snap.CurrentRPS, 1e-9)
}

func TestResourceSamplerReportsProcessState(t *testing.T) {
	r := newResourceSampler()
	first := r.Snapshot()
	assert.Zero(t, first.CPUPercent)
	assert.Positive(t, first.Goroutines)
	assert.Positive(t, first.MemoryBytes)
}
