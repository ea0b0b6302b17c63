package gpu

import (
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// Reducer runs the argmax kernel on a WebGPU device.
//
// Submissions are serialised: Reduce32 and Reduce64 wait for the previous
// frame, TryReduce32 and TryReduce64 return reduce.ErrBusy instead.
type Reducer struct {
	mu     sync.Mutex
	opts   Options
	log    *zap.Logger
	dev    *device
	module *wgpu.ShaderModule
	pipe   *wgpu.ComputePipeline
	bufs   *frameBuffers
	host   []float32
	closed bool
}

// frameBuffers are the device allocations of one tensor shape.
type frameBuffers struct {
	classes, height, width int

	grid      dispatch
	params    *wgpu.Buffer
	input     *wgpu.Buffer
	result    *wgpu.Buffer
	staging   *wgpu.Buffer
	bindGroup *wgpu.BindGroup
}

var _ reduce.Reducer = (*Reducer)(nil)

// Open acquires a device and compiles the argmax kernel.
//
// Arguments:
//   - opts: Device and policy options.
//
// Returns:
//   - *Reducer: A reducer owning the device until Close.
//   - error: An error wrapping reduce.ErrDeviceUnavailable when no device can be used.
func Open(opts Options) (*Reducer, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	code, err := argmaxShader(opts.Policy)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("gpu")

	dev, err := openDevice(opts, log)
	if err != nil {
		return nil, err
	}

	r := &Reducer{opts: opts, log: log, dev: dev}
	r.module, err = dev.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "argmax_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(reduce.ErrDeviceUnavailable, "compile argmax shader: %v", err)
	}
	r.pipe, err = dev.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "argmax_pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{Module: r.module, EntryPoint: "main"},
	})
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(reduce.ErrDeviceUnavailable, "create argmax pipeline: %v", err)
	}
	return r, nil
}

// Opener adapts Open to reduce.Select.
func Opener(opts Options) reduce.Opener {
	return func() (reduce.Reducer, error) {
		r, err := Open(opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Backend returns reduce.BackendGPU.
func (r *Reducer) Backend() reduce.Backend { return reduce.BackendGPU }

// Adapter describes the device in use.
func (r *Reducer) Adapter() AdapterInfo { return r.dev.info }

// Reduce32 implements reduce.Reducer.
func (r *Reducer) Reduce32(v *probs.View[float32], dst *reduce.ClassMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reduceLocked(r, v, dst)
}

// Reduce64 implements reduce.Reducer.
func (r *Reducer) Reduce64(v *probs.View[float64], dst *reduce.ClassMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reduceLocked(r, v, dst)
}

// TryReduce32 is Reduce32 without waiting for a frame already on the device.
func (r *Reducer) TryReduce32(v *probs.View[float32], dst *reduce.ClassMap) error {
	if !r.mu.TryLock() {
		return reduce.ErrBusy
	}
	defer r.mu.Unlock()
	return reduceLocked(r, v, dst)
}

// TryReduce64 is Reduce64 without waiting for a frame already on the device.
func (r *Reducer) TryReduce64(v *probs.View[float64], dst *reduce.ClassMap) error {
	if !r.mu.TryLock() {
		return reduce.ErrBusy
	}
	defer r.mu.Unlock()
	return reduceLocked(r, v, dst)
}

func reduceLocked[T probs.Float](r *Reducer, v *probs.View[T], dst *reduce.ClassMap) error {
	if r.closed {
		return errors.New("gpu reducer is closed")
	}
	if dst == nil {
		return errors.New("nil destination class map")
	}
	if err := v.Check(); err != nil {
		return err
	}
	if v.Classes() > reduce.MaxClasses {
		return &probs.ShapeError{
			Classes: v.Classes(),
			Height:  v.Height(),
			Width:   v.Width(),
			Len:     v.Len(),
			Reason:  "too many classes for a 16-bit class map",
		}
	}

	r.host = Transcode(v, r.host)
	words, err := r.run(r.host, v.Classes(), v.Height(), v.Width())
	if err != nil {
		return err
	}
	return decode(words, v.Height(), v.Width(), v.Classes(), indexLimit(v.Classes(), r.opts.Policy), dst)
}

// run uploads one frame, dispatches the kernel and reads the result back.
func (r *Reducer) run(host []float32, classes, height, width int) ([]uint32, error) {
	fb, err := r.buffersFor(classes, height, width)
	if err != nil {
		return nil, err
	}

	q := r.dev.queue
	q.WriteBuffer(fb.params, 0, wgpu.ToBytes([]uint32{
		uint32(classes), uint32(height), uint32(width), fb.grid.Pitch,
	}))
	q.WriteBuffer(fb.input, 0, wgpu.ToBytes(host))
	q.WriteBuffer(fb.result, 0, make([]byte, headerWords*4))

	enc, err := r.dev.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(r.pipe)
	pass.SetBindGroup(0, fb.bindGroup, nil)
	pass.DispatchWorkgroups(fb.grid.X, fb.grid.Y, 1)
	pass.End()
	enc.CopyBufferToBuffer(fb.result, 0, fb.staging, 0, fb.result.GetSize())

	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, errors.Wrap(err, "finish command buffer")
	}
	q.Submit(cb)
	cb.Release()

	return r.readback(fb.staging)
}

// readback maps the staging buffer and copies its words out.
func (r *Reducer) readback(staging *wgpu.Buffer) ([]uint32, error) {
	size := staging.GetSize()
	done := make(chan struct{})
	var mapErr error
	err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Errorf("map status: %d", status)
		}
		close(done)
	})
	if err != nil {
		return nil, errors.Wrap(err, "map staging buffer")
	}

	for mapped := false; !mapped; {
		r.dev.device.Poll(true, nil)
		select {
		case <-done:
			mapped = true
		default:
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	defer staging.Unmap()
	if data == nil {
		return nil, errors.New("mapped range is nil")
	}
	words := make([]uint32, size/4)
	copy(words, wgpu.FromBytes[uint32](data))
	return words, nil
}

// buffersFor returns the allocations for a shape, replacing the cached set
// when the shape changed.
func (r *Reducer) buffersFor(classes, height, width int) (*frameBuffers, error) {
	if fb := r.bufs; fb != nil && fb.classes == classes && fb.height == height && fb.width == width {
		return fb, nil
	}
	if r.bufs != nil {
		r.bufs.release()
		r.bufs = nil
	}

	pixels := height * width
	grid, err := planDispatch(pixels, r.dev.info.MaxWorkgroupsPerDimension)
	if err != nil {
		return nil, err
	}
	inputBytes := uint64(classes) * uint64(pixels) * 4
	if limit := r.dev.info.MaxStorageBufferBindingSize; limit > 0 && inputBytes > limit {
		return nil, errors.Errorf("tensor of %d bytes exceeds the device binding limit of %d", inputBytes, limit)
	}
	resultBytes := uint64(headerWords+pixels) * 4

	fb := &frameBuffers{classes: classes, height: height, width: width, grid: grid}
	create := func(label string, size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
		if err != nil {
			return nil, err
		}
		return r.dev.device.CreateBuffer(&wgpu.BufferDescriptor{Label: label, Size: size, Usage: usage})
	}
	fb.params, err = create("argmax_params", 16, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	fb.input, err = create("argmax_input", inputBytes, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	fb.result, err = create("argmax_result", resultBytes, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	fb.staging, err = create("argmax_staging", resultBytes, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst)
	if err != nil {
		fb.release()
		return nil, errors.Wrap(err, "allocate frame buffers")
	}

	fb.bindGroup, err = r.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "argmax_bind_group",
		Layout: r.pipe.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: fb.params, Size: fb.params.GetSize()},
			{Binding: 1, Buffer: fb.input, Size: fb.input.GetSize()},
			{Binding: 2, Buffer: fb.result, Size: fb.result.GetSize()},
		},
	})
	if err != nil {
		fb.release()
		return nil, errors.Wrap(err, "create bind group")
	}

	r.log.Debug("allocated frame buffers",
		zap.Int("classes", classes),
		zap.Int("height", height),
		zap.Int("width", width),
		zap.Uint32("groups_x", grid.X),
		zap.Uint32("groups_y", grid.Y),
	)
	r.bufs = fb
	return fb, nil
}

func (fb *frameBuffers) release() {
	if fb.bindGroup != nil {
		fb.bindGroup.Release()
	}
	for _, b := range []*wgpu.Buffer{fb.params, fb.input, fb.result, fb.staging} {
		if b != nil {
			b.Release()
		}
	}
}

// Close waits for the frame in flight and releases every device resource.
func (r *Reducer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.bufs != nil {
		r.bufs.release()
		r.bufs = nil
	}
	if r.pipe != nil {
		r.pipe.Release()
	}
	if r.module != nil {
		r.module.Release()
	}
	if r.dev != nil {
		r.dev.release()
	}
	r.log.Debug("gpu reducer closed")
	return nil
}
