package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/colorize"
)

// Sink displays frames. Show is only ever called from one goroutine.
type Sink interface {
	Show(f *colorize.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *colorize.Frame) error

// Show implements Sink.
func (fn SinkFunc) Show(f *colorize.Frame) error { return fn(f) }

// PresenterStats counts frames handed to the presenter.
type PresenterStats struct {
	// Presented is the number of Present calls.
	Presented uint64
	// Shown is the number of frames the sink accepted.
	Shown uint64
	// Overwritten is the number of frames replaced before the sink saw them.
	Overwritten uint64
	// Failed is the number of frames the sink rejected.
	Failed uint64
}

// Presenter marshals frames from any goroutine onto the single goroutine that
// owns the sink. It holds at most one pending frame: a newer frame replaces
// an older one that has not been shown yet.
type Presenter struct {
	sink    Sink
	log     *zap.Logger
	recycle func(*colorize.Frame)

	mu        sync.Mutex
	cond      *sync.Cond
	pending   *colorize.Frame
	done      bool
	finishing bool

	presented   atomic.Uint64
	shown       atomic.Uint64
	overwritten atomic.Uint64
	failed      atomic.Uint64

	wg      sync.WaitGroup
	started atomic.Bool
}

// NewPresenter creates a presenter for sink.
func NewPresenter(sink Sink, log *zap.Logger) *Presenter {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Presenter{sink: sink, log: log.Named("presenter")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Recycle registers fn to receive every frame the presenter is done with:
// shown, rejected by the sink, overwritten or discarded. It must be called
// before Start or Run.
func (p *Presenter) Recycle(fn func(*colorize.Frame)) {
	p.recycle = fn
}

func (p *Presenter) release(f *colorize.Frame) {
	if f != nil && p.recycle != nil {
		p.recycle(f)
	}
}

// Present hands f to the display goroutine without blocking. The caller must
// not modify f afterwards.
func (p *Presenter) Present(f *colorize.Frame) {
	if f == nil {
		return
	}
	p.presented.Add(1)

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		p.release(f)
		return
	}
	old := p.pending
	if old != nil {
		p.overwritten.Add(1)
	}
	p.pending = f
	p.cond.Signal()
	p.mu.Unlock()
	p.release(old)
}

// Start runs the display loop on a new goroutine until ctx is done or Stop is
// called. Sinks bound to the main thread should call Run instead.
func (p *Presenter) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("presenter already started")
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	return nil
}

// Run runs the display loop on the calling goroutine until ctx is done or
// Stop is called.
func (p *Presenter) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("presenter already started")
	}
	p.wg.Add(1)
	defer p.wg.Done()
	p.loop(ctx)
	return ctx.Err()
}

// Stop ends the display loop, waits for it, and discards any pending frame.
// It is safe to call more than once.
func (p *Presenter) Stop() {
	p.mu.Lock()
	p.done = true
	old := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.release(old)
}

// Finish ends the display loop once the pending frame, if any, was shown.
func (p *Presenter) Finish() {
	p.mu.Lock()
	p.finishing = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stats returns the presenter counters.
func (p *Presenter) Stats() PresenterStats {
	return PresenterStats{
		Presented:   p.presented.Load(),
		Shown:       p.shown.Load(),
		Overwritten: p.overwritten.Load(),
		Failed:      p.failed.Load(),
	}
}

func (p *Presenter) loop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.done = true
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		p.mu.Lock()
		for p.pending == nil && !p.done && !p.finishing {
			p.cond.Wait()
		}
		if p.done || p.pending == nil {
			p.mu.Unlock()
			return
		}
		f := p.pending
		p.pending = nil
		p.mu.Unlock()

		err := p.sink.Show(f)
		p.release(f)
		if err != nil {
			p.failed.Add(1)
			p.log.Warn("sink rejected frame", zap.Error(err))
			continue
		}
		p.shown.Add(1)
	}
}
