// Package profiler - Frame rate tracking and periodic runtime reports.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage names recorded by the segmentation pipeline.
const (
	StageReduce   = "reduce"
	StageColorize = "colorize"
	StageFrame    = "frame"
	MetricFPS     = "fps"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// RuntimeProfiler keeps rolling windows of metric samples and stage timings
// and logs a summary every report interval. It is safe for concurrent use.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	log            *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	start   time.Time
	running bool

	memStats    runtime.MemStats
	goroutines  int
	lastGCCount uint32

	metrics    map[string]*window[float64]
	timings    map[string]*window[time.Duration]
	collectors []MetricsCollector
}

// window is a bounded series of samples with running aggregates.
type window[T float64 | time.Duration] struct {
	values   []T
	sum      T
	min, max T
	count    int64
}

func (w *window[T]) add(v T, limit int) {
	if w.count == 0 || v < w.min {
		w.min = v
	}
	if w.count == 0 || v > w.max {
		w.max = v
	}
	w.values = append(w.values, v)
	w.sum += v
	if len(w.values) > limit {
		w.sum -= w.values[0]
		w.values = w.values[1:]
	}
	w.count++
}

func (w *window[T]) mean() T {
	if len(w.values) == 0 {
		return 0
	}
	return w.sum / T(len(w.values))
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log status reports (default: 2s).
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
	// SampleInterval specifies how often to sample the runtime (default: 100ms).
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
	// MaxSamples bounds every rolling window (default: 600).
	MaxSamples int `json:"max_samples" yaml:"max_samples"`
	// Logger receives the reports. Nil disables them.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured RuntimeProfiler instance
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 2 * time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		log:            opts.Logger.Named("profiler"),
		ctx:            ctx,
		cancel:         cancel,
		start:          time.Now(),
		metrics:        make(map[string]*window[float64]),
		timings:        make(map[string]*window[time.Duration]),
	}
}

// Start launches the sampling and reporting goroutines. Calling Start on a
// running profiler does nothing.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running || rp.ctx.Err() != nil {
		return
	}
	rp.running = true
	rp.start = time.Now()

	rp.wg.Add(2)
	go rp.loop(rp.sampleInterval, rp.sample)
	go rp.loop(rp.reportInterval, rp.emitStatusReport)
}

func (rp *RuntimeProfiler) loop(every time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop stops the profiler and waits for its goroutines. A stopped profiler
// cannot be restarted.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	wasRunning := rp.running
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	if wasRunning {
		rp.wg.Wait()
	}
}

// AddMetricsCollector registers a collector polled on every sample.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
//
// Arguments:
// - name: The name of the metric
// - value: The metric value to record
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordMetricLocked(name, value)
}

func (rp *RuntimeProfiler) recordMetricLocked(name string, value float64) {
	w, ok := rp.metrics[name]
	if !ok {
		w = &window[float64]{}
		rp.metrics[name] = w
	}
	w.add(value, rp.maxSamples)
}

// RecordDuration records one timing of a stage.
func (rp *RuntimeProfiler) RecordDuration(stage string, d time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	w, ok := rp.timings[stage]
	if !ok {
		w = &window[time.Duration]{}
		rp.timings[stage] = w
	}
	w.add(d, rp.maxSamples)
}

// StartOperation begins timing a stage and returns the function that ends it.
func (rp *RuntimeProfiler) StartOperation(stage string) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		d := time.Since(start)
		rp.RecordDuration(stage, d)
		return d
	}
}

// sample reads runtime statistics and polls the collectors.
func (rp *RuntimeProfiler) sample() {
	rp.mu.RLock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	rp.mu.RUnlock()

	collected := make([]map[string]float64, 0, len(collectors))
	for _, c := range collectors {
		collected = append(collected, c.CollectMetrics())
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	runtime.ReadMemStats(&rp.memStats)
	rp.goroutines = runtime.NumGoroutine()
	for _, m := range collected {
		for name, v := range m {
			rp.recordMetricLocked(name, v)
		}
	}
}

// emitStatusReport logs one summary line for the runtime, each metric and
// each stage.
func (rp *RuntimeProfiler) emitStatusReport() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.log.Info("runtime status",
		zap.Duration("uptime", time.Since(rp.start).Truncate(time.Millisecond)),
		zap.Int("goroutines", rp.goroutines),
		zap.Uint64("heap_alloc", rp.memStats.HeapAlloc),
		zap.Uint64("sys", rp.memStats.Sys),
		zap.Uint32("gc_cycles", rp.memStats.NumGC),
		zap.Uint32("gc_new", rp.memStats.NumGC-rp.lastGCCount),
		zap.Float64("gc_cpu_fraction", rp.memStats.GCCPUFraction),
	)
	rp.lastGCCount = rp.memStats.NumGC

	for _, name := range sortedKeys(rp.metrics) {
		w := rp.metrics[name]
		rp.log.Info("metric",
			zap.String("name", name),
			zap.Float64("avg", w.mean()),
			zap.Float64("min", w.min),
			zap.Float64("max", w.max),
			zap.Int("samples", len(w.values)),
		)
	}
	for _, stage := range sortedKeys(rp.timings) {
		w := rp.timings[stage]
		rp.log.Info("stage timing",
			zap.String("stage", stage),
			zap.Duration("avg", w.mean().Truncate(time.Microsecond)),
			zap.Duration("min", w.min.Truncate(time.Microsecond)),
			zap.Duration("max", w.max.Truncate(time.Microsecond)),
			zap.Int64("count", w.count),
		)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary aggregates the current window of a metric.
type Summary struct {
	Avg, Min, Max float64
	Samples       int
}

// TimingSummary aggregates the current window of a stage.
type TimingSummary struct {
	Avg, Min, Max time.Duration
	Samples       int
	Count         int64
}

// Snapshot is a point-in-time copy of the profiler state.
type Snapshot struct {
	Uptime  time.Duration
	Metrics map[string]Summary
	Timings map[string]TimingSummary
}

// Snapshot returns the current statistics.
func (rp *RuntimeProfiler) Snapshot() Snapshot {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	s := Snapshot{
		Uptime:  time.Since(rp.start),
		Metrics: make(map[string]Summary, len(rp.metrics)),
		Timings: make(map[string]TimingSummary, len(rp.timings)),
	}
	for name, w := range rp.metrics {
		s.Metrics[name] = Summary{Avg: w.mean(), Min: w.min, Max: w.max, Samples: len(w.values)}
	}
	for stage, w := range rp.timings {
		s.Timings[stage] = TimingSummary{Avg: w.mean(), Min: w.min, Max: w.max, Samples: len(w.values), Count: w.count}
	}
	return s
}
