package reduce

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/probs"
)

// Backend names a reduction implementation.
type Backend string

const (
	// BackendAuto prefers the GPU and falls back to the CPU.
	BackendAuto Backend = "auto"
	// BackendCPU scans the tensor on the host.
	BackendCPU Backend = "cpu"
	// BackendGPU dispatches the reduction to a compute device.
	BackendGPU Backend = "gpu"
)

// ParseBackend converts a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendAuto, BackendCPU, BackendGPU:
		return b, nil
	case "":
		return BackendAuto, nil
	default:
		return "", errors.Errorf("unknown reducer backend %q", s)
	}
}

// Reducer computes the per-pixel argmax of a probability tensor.
//
// Implementations must produce identical class maps for identical inputs
// without exact ties, whatever device they run on.
type Reducer interface {
	// Backend identifies the implementation.
	Backend() Backend
	// Reduce32 reduces a float32 tensor into dst, resizing dst as needed.
	Reduce32(v *probs.View[float32], dst *ClassMap) error
	// Reduce64 reduces a float64 tensor into dst, resizing dst as needed.
	Reduce64(v *probs.View[float64], dst *ClassMap) error
	// Close releases any device resources.
	Close() error
}

// Reduce runs r on v and returns a newly allocated class map.
func Reduce[T probs.Float](r Reducer, v *probs.View[T]) (*ClassMap, error) {
	dst := &ClassMap{}
	if err := Into(r, v, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Into runs r on v, writing into dst.
func Into[T probs.Float](r Reducer, v *probs.View[T], dst *ClassMap) error {
	if dst == nil {
		return errors.New("reduce: nil destination class map")
	}
	switch tv := any(v).(type) {
	case *probs.View[float32]:
		return r.Reduce32(tv, dst)
	case *probs.View[float64]:
		return r.Reduce64(tv, dst)
	default:
		return errors.Errorf("reduce: unsupported view type %T", v)
	}
}

// Policy controls how a pixel's winner is chosen.
//
// The zero value reproduces the classic behaviour: the running maximum starts
// at 0 and the running index at class 0, so a pixel whose probabilities are all
// <= 0 resolves to class 0. Setting UseThreshold replaces that default with an
// explicit "nothing reached the threshold" class.
type Policy struct {
	// UseThreshold enables Threshold and Unlabeled.
	UseThreshold bool `json:"use_threshold" yaml:"use_threshold"`
	// Threshold is the value a class must strictly exceed to win.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// Unlabeled is the class assigned when no class exceeds Threshold.
	Unlabeled int `json:"unlabeled" yaml:"unlabeled"`
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.UseThreshold && (p.Unlabeled < 0 || p.Unlabeled >= MaxClasses) {
		return errors.Errorf("unlabeled class %d out of range [0, %d)", p.Unlabeled, MaxClasses)
	}
	return nil
}

// Initial returns the starting maximum and index of the scan.
func (p Policy) Initial() (float64, uint16) {
	if p.UseThreshold {
		return p.Threshold, uint16(p.Unlabeled)
	}
	return 0, 0
}

// Opener constructs an accelerated reducer. It must return an error wrapping
// ErrDeviceUnavailable when no device can be used.
type Opener func() (Reducer, error)

// Select builds the reducer for backend. BackendAuto tries open and falls back
// to the CPU reducer when the device is unavailable; BackendGPU does not.
//
// Arguments:
//   - backend: The requested backend.
//   - cpu: Options for the CPU reducer, also used for the fallback.
//   - open: Constructor for the accelerated reducer. May be nil for CPU-only builds.
//   - log: Logger for the fallback warning. May be nil.
//
// Returns:
//   - Reducer: The selected reducer.
//   - error: An error if the backend cannot be served.
func Select(backend Backend, cpu Options, open Opener, log *zap.Logger) (Reducer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch backend {
	case BackendCPU:
		return NewCPUReducer(cpu)
	case BackendGPU, BackendAuto:
		if open == nil {
			if backend == BackendGPU {
				return nil, errors.Wrap(ErrDeviceUnavailable, "no accelerated reducer compiled in")
			}
			return NewCPUReducer(cpu)
		}
		r, err := open()
		if err == nil {
			return r, nil
		}
		if backend == BackendGPU || !errors.Is(err, ErrDeviceUnavailable) {
			return nil, errors.Wrap(err, "open gpu reducer")
		}
		log.Warn("gpu reducer unavailable, falling back to cpu", zap.Error(err))
		return NewCPUReducer(cpu)
	default:
		return nil, errors.Errorf("unknown reducer backend %q", backend)
	}
}
