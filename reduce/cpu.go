package reduce

import (
	"sync"

	"github.com/nvr-ai/go-segmentation/probs"
)

// Options configures the CPU reducer.
type Options struct {
	// Parallel splits the rows of a frame across goroutines. Rows are
	// independent, so the result does not depend on this flag.
	Parallel bool `json:"parallel" yaml:"parallel"`
	// Policy selects the initial maximum of the scan.
	Policy Policy `json:"policy" yaml:"policy"`
}

// CPUReducer scans the tensor on the host.
type CPUReducer struct {
	opts Options

	// scratch holds per-goroutine row maxima for the channel-major sweep.
	scratch32 sync.Pool
	scratch64 sync.Pool
}

// NewCPUReducer creates a CPU reducer.
func NewCPUReducer(opts Options) (*CPUReducer, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	return &CPUReducer{opts: opts}, nil
}

// Backend returns BackendCPU.
func (r *CPUReducer) Backend() Backend { return BackendCPU }

// Close is a no-op.
func (r *CPUReducer) Close() error { return nil }

// Reduce32 implements Reducer.
func (r *CPUReducer) Reduce32(v *probs.View[float32], dst *ClassMap) error {
	return argmax(v, dst, r.opts, &r.scratch32)
}

// Reduce64 implements Reducer.
func (r *CPUReducer) Reduce64(v *probs.View[float64], dst *ClassMap) error {
	return argmax(v, dst, r.opts, &r.scratch64)
}

// argmax fills dst with the winning class of every pixel of v.
//
// For every pixel the scan visits classes in ascending order and replaces the
// running winner only on a strictly greater value, so the lowest index wins
// ties and NaN never wins.
func argmax[T probs.Float](v *probs.View[T], dst *ClassMap, opts Options, pool *sync.Pool) error {
	if err := checkView(v); err != nil {
		return err
	}
	dst.Reset(v.Height(), v.Width(), v.Classes())

	initMax, initIdx := opts.Policy.Initial()
	k := kernel[T]{
		data:    v.Data(),
		classes: v.Classes(),
		width:   v.Width(),
		plane:   v.Pixels(),
		out:     dst.Index,
		initMax: T(initMax),
		initIdx: initIdx,
	}

	rows := func(start, end int) {
		if v.Layout() == probs.PixelMajor {
			k.pixelMajor(start, end)
			return
		}
		scratch := getScratch[T](pool, k.width)
		k.channelMajor(start, end, scratch)
		pool.Put(scratch)
	}

	h := v.Height()
	if !opts.Parallel || h < 4 {
		rows(0, h)
		return nil
	}

	chunk := chooseChunk(h)
	var wg sync.WaitGroup
	for start := 0; start < h; start += chunk {
		end := start + chunk
		if end > h {
			end = h
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			rows(s, e)
		}(start, end)
	}
	wg.Wait()
	return nil
}

type kernel[T probs.Float] struct {
	data    []T
	classes int
	width   int
	plane   int
	out     []uint16
	initMax T
	initIdx uint16
}

// pixelMajor handles interleaved input: every class of a pixel is contiguous.
func (k *kernel[T]) pixelMajor(startRow, endRow int) {
	for p := startRow * k.width; p < endRow*k.width; p++ {
		base := p * k.classes
		vals := k.data[base : base+k.classes : base+k.classes]
		best, idx := k.initMax, k.initIdx
		for c, x := range vals {
			if x > best {
				best, idx = x, uint16(c)
			}
		}
		k.out[p] = idx
	}
}

// channelMajor sweeps one class plane at a time so every read of a row is
// contiguous. best holds the running maximum of each column of the row.
func (k *kernel[T]) channelMajor(startRow, endRow int, best []T) {
	for row := startRow; row < endRow; row++ {
		rowStart := row * k.width
		out := k.out[rowStart : rowStart+k.width : rowStart+k.width]
		for col := range out {
			best[col] = k.initMax
			out[col] = k.initIdx
		}
		for c := 0; c < k.classes; c++ {
			off := c*k.plane + rowStart
			plane := k.data[off : off+k.width : off+k.width]
			for col, x := range plane {
				if x > best[col] {
					best[col] = x
					out[col] = uint16(c)
				}
			}
		}
	}
}

func getScratch[T probs.Float](pool *sync.Pool, n int) []T {
	if v := pool.Get(); v != nil {
		s := v.([]T)
		if cap(s) >= n {
			return s[:n]
		}
	}
	return make([]T, n)
}

// chooseChunk picks a row chunk size that balances goroutine overhead and
// cache locality.
func chooseChunk(n int) int {
	switch {
	case n >= 2048:
		return 128
	case n >= 512:
		return 64
	case n >= 64:
		return 16
	default:
		return 4
	}
}
