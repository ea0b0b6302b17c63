package pipeline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/colorize"
	"github.com/nvr-ai/go-segmentation/config"
	"github.com/nvr-ai/go-segmentation/gpu"
	"github.com/nvr-ai/go-segmentation/profiler"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// NewReducer builds the reducer for backend. auto tries the GPU and falls
// back to the CPU when no device is available, gpu fails instead, and cpu
// never touches the device.
func NewReducer(backend reduce.Backend, cpu reduce.Options, device gpu.Options, log *zap.Logger) (reduce.Reducer, error) {
	if device.Logger == nil {
		device.Logger = log
	}
	device.Policy = cpu.Policy
	return reduce.Select(backend, cpu, gpu.Opener(device), log)
}

// FromConfig builds a pipeline and its profiler from the application
// configuration. The profiler is nil when disabled; the caller starts and
// stops it.
func FromConfig(cfg *config.AppConfig, log *zap.Logger) (*Pipeline, *profiler.RuntimeProfiler, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := reduce.ParseBackend(cfg.Reducer.Backend)
	if err != nil {
		return nil, nil, err
	}
	table, err := cfg.Colorize.Table()
	if err != nil {
		return nil, nil, err
	}

	r, err := NewReducer(backend, cfg.Reducer.CPUOptions(), gpu.Options{
		PowerPreference: gpu.PowerPreference(cfg.Reducer.GPU.PowerPreference),
		AdapterHint:     cfg.Reducer.GPU.AdapterHint,
	}, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "select reducer")
	}

	var prof *profiler.RuntimeProfiler
	if cfg.Profiler.Enabled {
		prof = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
			ReportInterval: cfg.Profiler.ReportInterval,
			SampleInterval: cfg.Profiler.SampleInterval,
			MaxSamples:     cfg.Profiler.MaxSamples,
			Logger:         log,
		})
	}

	p, err := New(Options{
		Reducer:   r,
		Colorizer: &colorize.Colorizer{Table: table, Parallel: cfg.Colorize.Parallel},
		Profiler:  prof,
		Pool:      &colorize.Pool{},
		Logger:    log,
	})
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return p, prof, nil
}
