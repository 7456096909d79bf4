package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BookBeat/knightbus-sub001/internal/runtime/handlers"
	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/lock"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/pump"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/saga"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Outcome is how a delivery attempt ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeAbandoned    Outcome = "abandoned"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeUnsettled means no verb reached the transport, typically
	// because the message lock expired first.
	OutcomeUnsettled Outcome = "unsettled"
)

// HandlerInfo describes a registered handler and exposes its live stats.
type HandlerInfo struct {
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	MessageType  string        `json:"message_type"`
	Queue        string        `json:"queue"`
	Subscription string        `json:"subscription,omitempty"`
	Singleton    bool          `json:"singleton"`
	Stats        *HandlerStats `json:"stats"`

	pumpStats func() pump.Stats
	pumpState func() pump.State
}

// Pump returns the counters of the handler's message pump.
func (h *HandlerInfo) Pump() pump.Stats {
	if h.pumpStats == nil {
		return pump.Stats{}
	}
	return h.pumpStats()
}

// State returns the lifecycle stage of the handler's pump.
func (h *HandlerInfo) State() pump.State {
	if h.pumpState == nil {
		return pump.StateIdle
	}
	return h.pumpState()
}

// StatsSnapshot is a point-in-time copy of a handler's statistics.
type StatsSnapshot struct {
	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesCompleted   uint64    `json:"messages_completed"`
	MessagesAbandoned   uint64    `json:"messages_abandoned"`
	MessagesDeadLetters uint64    `json:"messages_dead_lettered"`
	MessagesUnsettled   uint64    `json:"messages_unsettled"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

// HandlerStats aggregates per-handler processing statistics.
type HandlerStats struct {
	mu      sync.Mutex
	current StatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceSampler
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Lock       uint64 `json:"lock"`
	Saga       uint64 `json:"saga"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight         uint64 `json:"in_flight"`
	MaxInFlight      uint64 `json:"max_in_flight"`
	MaxDeliveryCount int    `json:"max_delivery_count"`
}

// ErrorCategory groups handler failures for reporting.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryLock       ErrorCategory = "lock"
	ErrorCategorySaga       ErrorCategory = "saga"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps handler errors onto categories.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, handlers.ErrMessageLockExpired), errors.Is(err, lock.ErrLeaseLost):
		return ErrorCategoryLock
	case errors.Is(err, saga.ErrSagaConflict), errors.Is(err, saga.ErrSagaNotFound),
		errors.Is(err, saga.ErrSagaAlreadyStarted), errors.Is(err, saga.ErrUnmappedMessage):
		return ErrorCategorySaga
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}

func newHandlerStats(sampler *resourceSampler) *HandlerStats {
	return &HandlerStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *HandlerStats) onMessageStart(deliveryCount int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := &h.current.Backlog
	b.InFlight++
	if b.InFlight > b.MaxInFlight {
		b.MaxInFlight = b.InFlight
	}
	if deliveryCount > b.MaxDeliveryCount {
		b.MaxDeliveryCount = deliveryCount
	}
}

func (h *HandlerStats) onMessageFinish(duration time.Duration, outcome Outcome, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &h.current
	if c.Backlog.InFlight > 0 {
		c.Backlog.InFlight--
	}
	c.MessagesProcessed++
	switch outcome {
	case OutcomeCompleted:
		c.MessagesCompleted++
	case OutcomeAbandoned:
		c.MessagesAbandoned++
	case OutcomeDeadLettered:
		c.MessagesDeadLetters++
	default:
		c.MessagesUnsettled++
	}
	c.TotalProcessingTime += int64(duration)
	c.LastProcessedAt = time.Now().UTC()

	h.latencyWindow.Add(duration)
	latency := h.latencyWindow.Snapshot()
	latency.AverageNs = c.TotalProcessingTime / int64(c.MessagesProcessed)
	c.Latency = latency

	tp := h.throughputWindow.AddAndSnapshot(time.Now())
	c.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    c.MessagesProcessed,
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	c.Errors.Record(classifier(err), err)

	if h.resourceSampler != nil {
		c.Resource = h.resourceSampler.Snapshot()
	}
}

// Snapshot returns a copy safe to read while processing continues.
func (h *HandlerStats) Snapshot() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(h.Snapshot())
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryLock:
		e.Lock++
	case ErrorCategorySaga:
		e.Saga++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, 0, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := (lw.next - lw.filled + i + len(lw.samples)) % len(lw.samples)
		samples = append(samples, lw.samples[idx])
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	switch {
	case len(samples) == 0:
		return 0
	case quantile <= 0:
		return samples[0]
	case quantile >= 1:
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := sort.Search(len(tw.samples), func(i int) bool { return !tw.samples[i].Before(cutoff) })
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
