// Package profiler - Operation timings and runtime memory snapshots.
package profiler

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Options configures a Profiler.
type Options struct {
	// MaxSamples is the window of durations kept per operation (default: 1000).
	MaxSamples int
}

// Profiler tracks how long named operations take. It is safe for concurrent
// use.
type Profiler struct {
	mu         sync.Mutex
	startTime  time.Time
	maxSamples int
	operations map[string]*timeTracker
}

// timeTracker keeps a sliding window of durations plus all-time extremes.
type timeTracker struct {
	durations []float64
	count     int64
	minTime   time.Duration
	maxTime   time.Duration
}

// OperationStats summarizes one operation.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
}

// Snapshot is a point-in-time view of the profiler and the Go runtime.
type Snapshot struct {
	Uptime     time.Duration    `json:"uptime"`
	Goroutines int              `json:"goroutines"`
	HeapAlloc  uint64           `json:"heap_alloc"`
	Sys        uint64           `json:"sys"`
	NumGC      uint32           `json:"num_gc"`
	Operations []OperationStats `json:"operations"`
}

// New creates a profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *Profiler: A profiler whose uptime starts now.
func New(opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	return &Profiler{
		startTime:  time.Now(),
		maxSamples: opts.MaxSamples,
		operations: make(map[string]*timeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one completed duration for name.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.operations[name]
	if !ok {
		t = &timeTracker{
			durations: make([]float64, 0, p.maxSamples),
			minTime:   d,
			maxTime:   d,
		}
		p.operations[name] = t
	}

	t.durations = append(t.durations, float64(d))
	if len(t.durations) > p.maxSamples {
		t.durations = t.durations[1:]
	}
	t.count++
	if d < t.minTime {
		t.minTime = d
	}
	if d > t.maxTime {
		t.maxTime = d
	}
}

// Snapshot returns the current statistics. Mean and percentiles cover the
// sample window; Count, Min and Max cover every recorded duration.
func (p *Profiler) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Uptime:     time.Since(p.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Sys:        mem.Sys,
		NumGC:      mem.NumGC,
	}
	for name, t := range p.operations {
		sorted := append([]float64(nil), t.durations...)
		sort.Float64s(sorted)
		s.Operations = append(s.Operations, OperationStats{
			Name:  name,
			Count: t.count,
			Mean:  time.Duration(stat.Mean(sorted, nil)),
			Min:   t.minTime,
			Max:   t.maxTime,
			P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
			P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		})
	}
	sort.Slice(s.Operations, func(i, j int) bool {
		return s.Operations[i].Name < s.Operations[j].Name
	})
	return s
}

// Log writes the snapshot to logger, one record for memory and one per
// operation.
func (p *Profiler) Log(logger *slog.Logger) {
	s := p.Snapshot()
	logger.Info("runtime",
		"uptime", s.Uptime.Truncate(time.Millisecond),
		"goroutines", s.Goroutines,
		"heap_alloc", FormatBytes(s.HeapAlloc),
		"sys", FormatBytes(s.Sys),
		"gc_cycles", s.NumGC,
	)
	for _, op := range s.Operations {
		logger.Info("operation timing",
			"operation", op.Name,
			"count", op.Count,
			"mean", op.Mean.Truncate(time.Microsecond),
			"p50", op.P50.Truncate(time.Microsecond),
			"p95", op.P95.Truncate(time.Microsecond),
			"min", op.Min.Truncate(time.Microsecond),
			"max", op.Max.Truncate(time.Microsecond),
		)
	}
}

// FormatBytes formats byte counts in human-readable format.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
