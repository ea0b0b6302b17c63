// Package config - Configuration for the segmentation viewer.
package config

import (
	"flag"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segmentation/images"
	"github.com/nvr-ai/go-segmentation/palette"
	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/reduce"
)

// EnvPrefix is the prefix of environment overrides, e.g. SEG_REDUCER_BACKEND.
const EnvPrefix = "SEG_"

// ThresholdConfig enables the "nothing reached the threshold" class.
type ThresholdConfig struct {
	Enabled   bool    `koanf:"enabled"`
	Value     float64 `koanf:"value"`
	Unlabeled int     `koanf:"unlabeled"`
}

// GPUConfig selects the compute adapter.
type GPUConfig struct {
	PowerPreference string `koanf:"powerpreference"`
	AdapterHint     string `koanf:"adapterhint"`
}

// ReducerConfig configures the argmax stage.
type ReducerConfig struct {
	// Backend is auto, cpu or gpu.
	Backend   string          `koanf:"backend"`
	Parallel  bool            `koanf:"parallel"`
	Threshold ThresholdConfig `koanf:"threshold"`
	GPU       GPUConfig       `koanf:"gpu"`
}

// ColorizeConfig configures the color stage.
type ColorizeConfig struct {
	// Palette names a preset table.
	Palette  string `koanf:"palette"`
	Parallel bool   `koanf:"parallel"`
}

// ProfilerConfig configures the periodic runtime report.
type ProfilerConfig struct {
	Enabled        bool          `koanf:"enabled"`
	ReportInterval time.Duration `koanf:"reportinterval"`
	SampleInterval time.Duration `koanf:"sampleinterval"`
	MaxSamples     int           `koanf:"maxsamples"`
}

// InputConfig locates recorded probability tensors.
type InputConfig struct {
	Dir  string `koanf:"dir"`
	Loop bool   `koanf:"loop"`
	// Layout is the layout of NumPy dumps: channel-major or pixel-major.
	Layout string `koanf:"layout"`
}

// DisplayConfig configures where frames are presented.
type DisplayConfig struct {
	// Window shows frames in a desktop window.
	Window bool   `koanf:"window"`
	Title  string `koanf:"title"`
	// Resolution names a target display resolution, e.g. "HD 720p". Empty
	// shows frames at their native size.
	Resolution string `koanf:"resolution"`
	// OutputDir, when set, receives one PNG per frame.
	OutputDir string `koanf:"outputdir"`
}

// AppConfig is the full configuration.
type AppConfig struct {
	Debug    bool           `koanf:"debug"`
	Reducer  ReducerConfig  `koanf:"reducer"`
	Colorize ColorizeConfig `koanf:"colorize"`
	Profiler ProfilerConfig `koanf:"profiler"`
	Input    InputConfig    `koanf:"input"`
	Display  DisplayConfig  `koanf:"display"`
}

// defaults are loaded before the file and the environment.
var defaults = map[string]any{
	"debug":                       false,
	"reducer.backend":             string(reduce.BackendAuto),
	"reducer.parallel":            true,
	"reducer.threshold.enabled":   false,
	"reducer.threshold.value":     0.0,
	"reducer.threshold.unlabeled": palette.Unlabeled,
	"reducer.gpu.powerpreference": "high-performance",
	"colorize.palette":            palette.CityScapes.Name(),
	"colorize.parallel":           true,
	"profiler.enabled":            false,
	"profiler.reportinterval":     "2s",
	"profiler.sampleinterval":     "100ms",
	"profiler.maxsamples":         600,
	"input.dir":                   "testdata/frames",
	"input.loop":                  false,
	"input.layout":                "channel-major",
	"display.window":              true,
	"display.title":               "segmentation",
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() AppConfig {
	k := koanf.New(".")
	cfg := AppConfig{}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		panic(err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// SEG_ environment variables, and validates the result.
//
// Arguments:
//   - path: The YAML file, or "".
//
// Returns:
//   - *AppConfig: The merged configuration.
//   - error: An error if a source cannot be read or the result is invalid.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "load %s", path)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	cfg := &AppConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *AppConfig) Validate() error {
	if _, err := reduce.ParseBackend(c.Reducer.Backend); err != nil {
		return errors.Wrap(err, "reducer.backend")
	}
	if err := c.Reducer.Policy().Validate(); err != nil {
		return errors.Wrap(err, "reducer.threshold")
	}
	switch c.Reducer.GPU.PowerPreference {
	case "", "high-performance", "low-power":
	default:
		return errors.Errorf("reducer.gpu.powerpreference: unknown value %q", c.Reducer.GPU.PowerPreference)
	}
	table, err := palette.Lookup(c.Colorize.Palette)
	if err != nil {
		return errors.Wrap(err, "colorize.palette")
	}
	if c.Reducer.Threshold.Enabled && c.Reducer.Threshold.Unlabeled >= table.Len() {
		return errors.Errorf("reducer.threshold.unlabeled: class %d has no color in the %d-entry %s palette",
			c.Reducer.Threshold.Unlabeled, table.Len(), table.Name())
	}
	if c.Profiler.Enabled && (c.Profiler.ReportInterval <= 0 || c.Profiler.SampleInterval <= 0) {
		return errors.New("profiler: intervals must be positive")
	}
	if c.Profiler.MaxSamples < 0 {
		return errors.Errorf("profiler.maxsamples: %d is negative", c.Profiler.MaxSamples)
	}
	if c.Display.Resolution != "" {
		if _, err := images.LookupResolution(c.Display.Resolution); err != nil {
			return errors.Wrap(err, "display.resolution")
		}
	}
	if c.Input.Dir == "" {
		return errors.New("input.dir: required")
	}
	if _, err := probs.ParseLayout(c.Input.Layout); err != nil {
		return errors.Wrap(err, "input.layout")
	}
	return nil
}

// Policy converts the threshold section to a reduction policy.
func (c ReducerConfig) Policy() reduce.Policy {
	return reduce.Policy{
		UseThreshold: c.Threshold.Enabled,
		Threshold:    c.Threshold.Value,
		Unlabeled:    c.Threshold.Unlabeled,
	}
}

// CPUOptions returns the options of the CPU reducer.
func (c ReducerConfig) CPUOptions() reduce.Options {
	return reduce.Options{Parallel: c.Parallel, Policy: c.Policy()}
}

// Table returns the configured color table.
func (c ColorizeConfig) Table() (palette.Table, error) {
	return palette.Lookup(c.Palette)
}

// ParseConfigFlag returns the configuration file named by -file, or "" to
// run on defaults and environment alone.
func ParseConfigFlag(args []string) (string, error) {
	fs := flag.NewFlagSet("segview", flag.ContinueOnError)
	configPath := fs.String("file", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}
