package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse process-wide sample attached to handler stats.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceSampler is shared by all handlers of a Service. CPU usage is the
// delta since the previous sample, so the first sample reports zero.
type resourceSampler struct {
	mu      sync.Mutex
	sample  [1]metrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
}

func newResourceSampler() *resourceSampler {
	r := &resourceSampler{numCPU: float64(runtime.NumCPU())}
	r.sample[0].Name = cpuSecondsMetric
	return r
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample[:])
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if wall := now.Sub(r.lastAt).Seconds(); !r.lastAt.IsZero() && wall > 0 && r.numCPU > 0 {
			usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
		}
		r.lastCPU = cpu
	}
	r.lastAt = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
