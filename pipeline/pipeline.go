// Package pipeline - Per-frame reduce, colorize and frame-rate data flow.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/colorize"
	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/profiler"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// ErrFrameDropped is returned by Submit when a frame is still in flight.
// Frames are never queued.
var ErrFrameDropped = errors.New("frame dropped: previous frame still in flight")

// Options wires the stages of a pipeline.
type Options struct {
	// Reducer computes the class map. Required. The pipeline closes it.
	Reducer reduce.Reducer
	// Colorizer paints the class map. Required.
	Colorizer *colorize.Colorizer
	// Tracker computes the frame rate. Created when nil.
	Tracker *profiler.FrameRateTracker
	// Profiler receives stage timings and fps samples. May be nil.
	Profiler *profiler.RuntimeProfiler
	// Pool recycles frames released with Release. May be nil.
	Pool *colorize.Pool
	// Clock timestamps frames. Defaults to time.Now.
	Clock profiler.Clock
	// Logger may be nil.
	Logger *zap.Logger
}

// Durations are the stage timings of one frame.
type Durations struct {
	Reduce   time.Duration
	Colorize time.Duration
	Total    time.Duration
}

// Result is the output of one frame. The caller owns it.
type Result struct {
	Frame    *colorize.Frame
	ClassMap *reduce.ClassMap
	// FPS is only meaningful when FPSValid is set.
	FPS       float64
	FPSValid  bool
	Backend   reduce.Backend
	Durations Durations
}

// Stats counts frames by outcome.
type Stats struct {
	Processed uint64
	Dropped   uint64
	Failed    uint64
}

// Pipeline runs reduce then colorize then the frame-rate tick, synchronously,
// for one frame at a time.
type Pipeline struct {
	reducer   reduce.Reducer
	colorizer *colorize.Colorizer
	tracker   *profiler.FrameRateTracker
	profiler  *profiler.RuntimeProfiler
	pool      *colorize.Pool
	clock     profiler.Clock
	log       *zap.Logger

	inFlight  atomic.Bool
	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Reducer == nil {
		return nil, errors.New("pipeline: reducer is required")
	}
	if opts.Colorizer == nil {
		return nil, errors.New("pipeline: colorizer is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Tracker == nil {
		opts.Tracker = profiler.NewFrameRateTracker(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pipeline{
		reducer:   opts.Reducer,
		colorizer: opts.Colorizer,
		tracker:   opts.Tracker,
		profiler:  opts.Profiler,
		pool:      opts.Pool,
		clock:     opts.Clock,
		log:       opts.Logger.Named("pipeline"),
	}
	if p.profiler != nil {
		p.profiler.AddMetricsCollector(p)
	}
	p.log.Info("pipeline ready",
		zap.String("backend", string(p.reducer.Backend())),
		zap.String("palette", p.colorizer.Table.Name()),
		zap.Int("classes", p.colorizer.Table.Len()),
	)
	return p, nil
}

// Backend returns the backend of the reducer in use.
func (p *Pipeline) Backend() reduce.Backend { return p.reducer.Backend() }

// Process runs one float32 frame, waiting for any frame in flight.
//
// The context is only checked before the frame starts; a started frame always
// runs to completion.
//
// Arguments:
//   - ctx: Cancels frames that have not started.
//   - v: The model output for the frame.
//
// Returns:
//   - *Result: The colorized frame, class map and frame rate.
//   - error: A wrapped *probs.ShapeError, *reduce.LayoutMismatchError,
//     *colorize.ClassOutOfRangeError or ctx.Err(). The display must be left
//     unchanged.
func (p *Pipeline) Process(ctx context.Context, v *probs.View[float32]) (*Result, error) {
	return process(ctx, p, v, false)
}

// Process64 is Process for float64 model outputs.
func (p *Pipeline) Process64(ctx context.Context, v *probs.View[float64]) (*Result, error) {
	return process(ctx, p, v, false)
}

// Submit runs one float32 frame unless another frame is in flight, in which
// case it returns ErrFrameDropped immediately.
func (p *Pipeline) Submit(ctx context.Context, v *probs.View[float32]) (*Result, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		return nil, ErrFrameDropped
	}
	defer p.inFlight.Store(false)
	return process(ctx, p, v, true)
}

// Submit64 is Submit for float64 model outputs.
func (p *Pipeline) Submit64(ctx context.Context, v *probs.View[float64]) (*Result, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		return nil, ErrFrameDropped
	}
	defer p.inFlight.Store(false)
	return process(ctx, p, v, true)
}

func process[T probs.Float](ctx context.Context, p *Pipeline, v *probs.View[T], nonBlocking bool) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := p.clock()
	res := &Result{ClassMap: &reduce.ClassMap{}, Backend: p.reducer.Backend()}

	var err error
	if tr, ok := p.reducer.(tryReducer); ok && nonBlocking {
		err = tryInto(tr, v, res.ClassMap)
	} else {
		err = reduce.Into(p.reducer, v, res.ClassMap)
	}
	if errors.Is(err, reduce.ErrBusy) {
		p.dropped.Add(1)
		return nil, ErrFrameDropped
	}
	if err != nil {
		return nil, p.fail(err, "reduce")
	}
	reduced := p.clock()
	res.Durations.Reduce = reduced.Sub(start)

	res.Frame = p.pool.Get(res.ClassMap.Width, res.ClassMap.Height)
	if err := p.colorizer.ColorizeInto(res.Frame, res.ClassMap); err != nil {
		p.pool.Put(res.Frame)
		return nil, p.fail(err, "colorize")
	}

	done := p.clock()
	res.Durations.Colorize = done.Sub(reduced)
	res.Durations.Total = done.Sub(start)
	res.FPS, res.FPSValid = p.tracker.Tick(done)
	p.processed.Add(1)

	if ce := p.log.Check(zap.DebugLevel, "frame processed"); ce != nil {
		s := probs.Summarize(v)
		ce.Write(
			zap.Int("classes", v.Classes()),
			zap.Int("height", v.Height()),
			zap.Int("width", v.Width()),
			zap.Float64("min", s.Min),
			zap.Float64("max", s.Max),
			zap.Int("nan", s.NaN),
			zap.Duration("reduce", res.Durations.Reduce),
			zap.Duration("colorize", res.Durations.Colorize),
		)
	}

	if p.profiler != nil {
		p.profiler.RecordDuration(profiler.StageReduce, res.Durations.Reduce)
		p.profiler.RecordDuration(profiler.StageColorize, res.Durations.Colorize)
		p.profiler.RecordDuration(profiler.StageFrame, res.Durations.Total)
		if res.FPSValid {
			p.profiler.RecordMetric(profiler.MetricFPS, res.FPS)
		}
	}
	return res, nil
}

// fail counts and logs a failed frame.
func (p *Pipeline) fail(err error, stage string) error {
	p.failed.Add(1)
	p.log.Warn("frame failed",
		zap.String("stage", stage),
		zap.String("class", ErrorClass(err)),
		zap.Error(err),
	)
	return errors.Wrap(err, stage)
}

// Release returns the frame of r to the pool. r must not be used afterwards.
func (p *Pipeline) Release(r *Result) {
	if r == nil {
		return
	}
	p.ReleaseFrame(r.Frame)
	r.Frame = nil
}

// ReleaseFrame returns a frame taken from a Result to the pool. It suits
// Presenter.Recycle.
func (p *Pipeline) ReleaseFrame(f *colorize.Frame) {
	p.pool.Put(f)
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

// CollectMetrics implements profiler.MetricsCollector.
func (p *Pipeline) CollectMetrics() map[string]float64 {
	s := p.Stats()
	return map[string]float64{
		"frames_processed": float64(s.Processed),
		"frames_dropped":   float64(s.Dropped),
		"frames_failed":    float64(s.Failed),
	}
}

// Close releases the reducer.
func (p *Pipeline) Close() error {
	return p.reducer.Close()
}

// ErrorClass names the failure class of a frame error for logs.
func ErrorClass(err error) string {
	var (
		shape  *probs.ShapeError
		layout *reduce.LayoutMismatchError
		oor    *colorize.ClassOutOfRangeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &shape):
		return "shape"
	case errors.As(err, &layout):
		return "layout_mismatch"
	case errors.As(err, &oor):
		return "class_out_of_range"
	case errors.Is(err, reduce.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrFrameDropped), errors.Is(err, reduce.ErrBusy):
		return "dropped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

// tryReducer is implemented by reducers that can refuse a frame instead of
// waiting for the previous one.
type tryReducer interface {
	TryReduce32(v *probs.View[float32], dst *reduce.ClassMap) error
	TryReduce64(v *probs.View[float64], dst *reduce.ClassMap) error
}

func tryInto[T probs.Float](r tryReducer, v *probs.View[T], dst *reduce.ClassMap) error {
	switch tv := any(v).(type) {
	case *probs.View[float32]:
		return r.TryReduce32(tv, dst)
	case *probs.View[float64]:
		return r.TryReduce64(tv, dst)
	default:
		return errors.Errorf("unsupported view type %T", v)
	}
}
