package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-segmentation/colorize"
	"github.com/nvr-ai/go-segmentation/config"
	"github.com/nvr-ai/go-segmentation/palette"
	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/profiler"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// manualClock returns the same instant until advanced.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCPUPipeline(t *testing.T, table palette.Table, clock *manualClock, prof *profiler.RuntimeProfiler) *Pipeline {
	t.Helper()
	r, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	p, err := New(Options{
		Reducer:   r,
		Colorizer: &colorize.Colorizer{Table: table},
		Clock:     clock.Now,
		Profiler:  prof,
	})
	require.NoError(t, err)
	return p
}

func twoPixelView(t *testing.T) *probs.View[float32] {
	t.Helper()
	v, err := probs.New([]float32{0.9, 0.2, 0.1, 0.8}, 2, 1, 2, probs.ChannelMajor)
	require.NoError(t, err)
	return v
}

func TestProcessEndToEnd(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	p := newCPUPipeline(t, palette.CityScapes, clock, nil)
	v := twoPixelView(t)

	res, err := p.Process(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1}, res.ClassMap.Index)
	assert.False(t, res.FPSValid)
	assert.Equal(t, 0.0, res.FPS)
	assert.Equal(t, reduce.BackendCPU, res.Backend)

	c0, _ := palette.CityScapes.At(0)
	c1, _ := palette.CityScapes.At(1)
	assert.Equal(t, []byte{c0.R, c0.G, c0.B, 255, c1.R, c1.G, c1.B, 255}, res.Frame.Pix)

	clock.Advance(500 * time.Millisecond)
	res, err = p.Process(context.Background(), v)
	require.NoError(t, err)
	assert.True(t, res.FPSValid)
	assert.InDelta(t, 2.0, res.FPS, 1e-9)

	assert.Equal(t, Stats{Processed: 2}, p.Stats())
}

func TestProcessFloat64(t *testing.T) {
	p := newCPUPipeline(t, palette.CamVid, &manualClock{}, nil)
	v, err := probs.New([]float64{0.1, 0.7, 0.2}, 3, 1, 1, probs.PixelMajor)
	require.NoError(t, err)

	res, err := p.Process64(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClassMap.At(0, 0))
}

func TestProcessShapeErrorLeavesTrackerUntouched(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	p := newCPUPipeline(t, palette.CityScapes, clock, nil)

	_, err := p.Process(context.Background(), nil)
	var shape *probs.ShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, "shape", ErrorClass(err))

	res, err := p.Process(context.Background(), twoPixelView(t))
	require.NoError(t, err)
	assert.False(t, res.FPSValid, "failed frame must not count as a completed frame")
	assert.Equal(t, Stats{Processed: 1, Failed: 1}, p.Stats())
}

func TestProcessClassOutOfRange(t *testing.T) {
	table, err := palette.New("one", []palette.RGB{{R: 1}})
	require.NoError(t, err)
	p := newCPUPipeline(t, table, &manualClock{}, nil)

	_, err = p.Process(context.Background(), twoPixelView(t))
	var oor *colorize.ClassOutOfRangeError
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, 1, oor.Index)
	assert.Equal(t, 1, oor.TableSize)
	assert.Equal(t, "class_out_of_range", ErrorClass(err))
}

func TestProcessChecksContextBeforeStarting(t *testing.T) {
	p := newCPUPipeline(t, palette.CityScapes, &manualClock{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, twoPixelView(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestProcessRecordsProfile(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	p := newCPUPipeline(t, palette.CityScapes, clock, prof)
	v := twoPixelView(t)

	for i := 0; i < 3; i++ {
		_, err := p.Process(context.Background(), v)
		require.NoError(t, err)
		clock.Advance(100 * time.Millisecond)
	}

	s := prof.Snapshot()
	assert.Equal(t, int64(3), s.Timings[profiler.StageFrame].Count)
	assert.Equal(t, 3, s.Timings[profiler.StageReduce].Samples)
	assert.Equal(t, 3, s.Timings[profiler.StageColorize].Samples)
	assert.Equal(t, 2, s.Metrics[profiler.MetricFPS].Samples)
	assert.InDelta(t, 10.0, s.Metrics[profiler.MetricFPS].Avg, 1e-9)

	assert.Equal(t, map[string]float64{
		"frames_processed": 3,
		"frames_dropped":   0,
		"frames_failed":    0,
	}, p.CollectMetrics())
}

// blockingReducer holds every reduction until released.
type blockingReducer struct {
	*reduce.CPUReducer
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReducer) Reduce32(v *probs.View[float32], dst *reduce.ClassMap) error {
	b.entered <- struct{}{}
	<-b.release
	return b.CPUReducer.Reduce32(v, dst)
}

func TestSubmitDropsNewerFrames(t *testing.T) {
	cpu, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	br := &blockingReducer{CPUReducer: cpu, entered: make(chan struct{}), release: make(chan struct{})}
	p, err := New(Options{Reducer: br, Colorizer: &colorize.Colorizer{Table: palette.CityScapes}})
	require.NoError(t, err)
	v := twoPixelView(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), v)
		done <- err
	}()
	<-br.entered

	_, err = p.Submit(context.Background(), v)
	assert.ErrorIs(t, err, ErrFrameDropped)
	assert.Equal(t, "dropped", ErrorClass(err))

	close(br.release)
	require.NoError(t, <-done)
	assert.Equal(t, Stats{Processed: 1, Dropped: 1}, p.Stats())

	go func() { <-br.entered }()
	_, err = p.Submit(context.Background(), v)
	assert.NoError(t, err, "gate reopens after the frame completes")
}

// busyReducer refuses every non-blocking reduction.
type busyReducer struct {
	*reduce.CPUReducer
}

func (busyReducer) TryReduce32(*probs.View[float32], *reduce.ClassMap) error { return reduce.ErrBusy }
func (busyReducer) TryReduce64(*probs.View[float64], *reduce.ClassMap) error { return reduce.ErrBusy }

func TestSubmitMapsBusyDeviceToDrop(t *testing.T) {
	cpu, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	p, err := New(Options{Reducer: busyReducer{cpu}, Colorizer: &colorize.Colorizer{Table: palette.CityScapes}})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), twoPixelView(t))
	assert.ErrorIs(t, err, ErrFrameDropped)

	_, err = p.Process(context.Background(), twoPixelView(t))
	assert.NoError(t, err, "blocking path does not use the non-blocking reduction")
}

func TestReleaseRecyclesFrame(t *testing.T) {
	r, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	p, err := New(Options{Reducer: r, Colorizer: &colorize.Colorizer{Table: palette.CityScapes}, Pool: &colorize.Pool{}})
	require.NoError(t, err)

	res, err := p.Process(context.Background(), twoPixelView(t))
	require.NoError(t, err)
	p.Release(res)
	assert.Nil(t, res.Frame)
	p.Release(nil)
}

func TestNewRequiresStages(t *testing.T) {
	_, err := New(Options{Colorizer: &colorize.Colorizer{Table: palette.CityScapes}})
	assert.Error(t, err)

	r, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	_, err = New(Options{Reducer: r})
	assert.Error(t, err)
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "", ErrorClass(nil))
	assert.Equal(t, "layout_mismatch", ErrorClass(errors.Wrap(&reduce.LayoutMismatchError{Reason: "x"}, "reduce")))
	assert.Equal(t, "device_unavailable", ErrorClass(errors.Wrap(reduce.ErrDeviceUnavailable, "open")))
	assert.Equal(t, "cancelled", ErrorClass(context.DeadlineExceeded))
	assert.Equal(t, "internal", ErrorClass(errors.New("boom")))
}

func TestFromConfigCPU(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reducer.Backend = "cpu"
	cfg.Colorize.Palette = "camvid"
	cfg.Profiler.Enabled = true

	p, prof, err := FromConfig(&cfg, nil)
	require.NoError(t, err)
	defer p.Close()
	require.NotNil(t, prof)
	assert.Equal(t, reduce.BackendCPU, p.Backend())

	res, err := p.Process(context.Background(), twoPixelView(t))
	require.NoError(t, err)
	c1, _ := palette.CamVid.At(1)
	assert.Equal(t, c1.RGBA(), res.Frame.At(0, 1))
	assert.Equal(t, 1, prof.Snapshot().Timings[profiler.StageFrame].Samples)
}

func TestFromConfigAuto(t *testing.T) {
	cfg := config.DefaultConfig()
	p, prof, err := FromConfig(&cfg, nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Nil(t, prof)
	assert.Contains(t, []reduce.Backend{reduce.BackendCPU, reduce.BackendGPU}, p.Backend())
}

func TestFromConfigRejectsBadBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reducer.Backend = "tpu"
	_, _, err := FromConfig(&cfg, nil)
	assert.Error(t, err)
}

func TestReleaseFrameFeedsPresenter(t *testing.T) {
	r, err := reduce.NewCPUReducer(reduce.Options{})
	require.NoError(t, err)
	p, err := New(Options{Reducer: r, Colorizer: &colorize.Colorizer{Table: palette.CityScapes}, Pool: &colorize.Pool{}})
	require.NoError(t, err)

	sink := &recordingSink{}
	presenter := NewPresenter(sink, nil)
	presenter.Recycle(p.ReleaseFrame)

	res, err := p.Process(context.Background(), twoPixelView(t))
	require.NoError(t, err)
	presenter.Present(res.Frame)
	presenter.Finish()
	require.NoError(t, presenter.Run(context.Background()))
	presenter.Stop()
	assert.Equal(t, uint64(1), presenter.Stats().Shown)

	res, err = p.Process(context.Background(), twoPixelView(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frame.Width, "pooled frames are resized for reuse")
}
