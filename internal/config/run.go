// Package config holds the run configuration of a depth-supervised training
// run. The JSON schema uses pointer fields so partial files are safe: every
// omitted field falls back to the default returned by its Get* method.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/loss"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/train"
)

// DefaultConfigPath is the checked-in file carrying every default explicitly.
const DefaultConfigPath = "config/run.defaults.json"

const maxFileSize = 1 << 20

// RunConfig is the configuration surface supplied at run start.
type RunConfig struct {
	SourcePath *string `json:"source_path,omitempty"`
	ModelPath  *string `json:"model_path,omitempty"`

	// Depth inputs. No depth_dir means photometric-only training.
	DepthDir        *string  `json:"depth_dir,omitempty"`
	DepthFormat     *string  `json:"depth_format,omitempty"`
	DepthUnits      *string  `json:"depth_units,omitempty"`
	DepthScale      *float64 `json:"depth_scale,omitempty"`
	ReferencePoints *string  `json:"reference_points,omitempty"`

	// Loss
	DepthWeight     *float64 `json:"depth_weight,omitempty"`
	DepthLoss       *string  `json:"depth_loss,omitempty"`
	HuberDelta      *float64 `json:"huber_delta,omitempty"`
	DepthWarmup     *int     `json:"depth_warmup,omitempty"`
	DepthGradWeight *float64 `json:"depth_grad_weight,omitempty"`
	DepthValidMin   *float64 `json:"depth_valid_min,omitempty"`
	DepthValidMax   *float64 `json:"depth_valid_max,omitempty"`
	LambdaDSSIM     *float64 `json:"lambda_dssim,omitempty"`

	// Schedule
	Iterations          *int    `json:"iterations,omitempty"`
	TestIterations      []int   `json:"test_iterations,omitempty"`
	SaveIterations      []int   `json:"save_iterations,omitempty"`
	DivergenceTolerance *int    `json:"divergence_tolerance,omitempty"`
	Seed                *uint64 `json:"seed,omitempty"`
	DensifyFrom         *int    `json:"densify_from,omitempty"`
	DensifyUntil        *int    `json:"densify_until,omitempty"`
	DensifyInterval     *int    `json:"densify_interval,omitempty"`
	CalibrationWorkers  *int    `json:"calibration_workers,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// LoadRunConfig reads a RunConfig from a .json file no larger than 1 MiB.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RunConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.validateValues(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve loads path, when given, and overlays every field set in flags.
func Resolve(path string, flags *RunConfig) (*RunConfig, error) {
	cfg := &RunConfig{}
	if path != "" {
		var err error
		if cfg, err = LoadRunConfig(path); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		data, err := json.Marshal(flags)
		if err != nil {
			return nil, fmt.Errorf("encode flag overrides: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("apply flag overrides: %w", err)
		}
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// one of its parents. It panics when the file is missing; tests only.
func MustLoadDefaultConfig() *RunConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadRunConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that required paths are present and every set value is
// in range.
func (c *RunConfig) Validate() error {
	if c.GetSourcePath() == "" {
		return fmt.Errorf("source_path is required")
	}
	if c.GetModelPath() == "" {
		return fmt.Errorf("model_path is required")
	}
	return c.validateValues()
}

func (c *RunConfig) validateValues() error {
	if c.DepthFormat != nil {
		if _, err := depth.ParseFormat(*c.DepthFormat); err != nil {
			return err
		}
	}
	if c.DepthUnits != nil {
		if _, err := depth.ParseUnits(*c.DepthUnits); err != nil {
			return err
		}
	}
	if c.DepthLoss != nil {
		if _, err := loss.ParseKind(*c.DepthLoss); err != nil {
			return err
		}
	}
	for name, v := range map[string]*float64{
		"depth_scale":       c.DepthScale,
		"depth_weight":      c.DepthWeight,
		"depth_grad_weight": c.DepthGradWeight,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	for name, v := range map[string]*int{
		"depth_warmup":         c.DepthWarmup,
		"divergence_tolerance": c.DivergenceTolerance,
		"calibration_workers":  c.CalibrationWorkers,
		"densify_interval":     c.DensifyInterval,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	if c.Iterations != nil && *c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", *c.Iterations)
	}
	if _, err := c.Supervision(); err != nil {
		return err
	}
	return nil
}

// GetSourcePath returns source_path or "".
func (c *RunConfig) GetSourcePath() string {
	if c.SourcePath == nil {
		return ""
	}
	return *c.SourcePath
}

// GetModelPath returns model_path or "".
func (c *RunConfig) GetModelPath() string {
	if c.ModelPath == nil {
		return ""
	}
	return *c.ModelPath
}

// GetDepthDir returns depth_dir or "" when depth supervision is off.
func (c *RunConfig) GetDepthDir() string {
	if c.DepthDir == nil {
		return ""
	}
	return *c.DepthDir
}

// GetDepthFormat returns depth_format or png16.
func (c *RunConfig) GetDepthFormat() depth.Format {
	if c.DepthFormat == nil {
		return depth.FormatPNG16
	}
	return depth.Format(*c.DepthFormat)
}

// GetDepthUnits returns depth_units or relative.
func (c *RunConfig) GetDepthUnits() depth.Units {
	if c.DepthUnits == nil {
		return depth.UnitsRelative
	}
	return depth.Units(*c.DepthUnits)
}

// GetDepthScale returns depth_scale or 1.
func (c *RunConfig) GetDepthScale() float64 {
	if c.DepthScale == nil {
		return 1
	}
	return *c.DepthScale
}

// GetReferencePoints returns the reference point CSV path or "".
func (c *RunConfig) GetReferencePoints() string {
	if c.ReferencePoints == nil {
		return ""
	}
	return *c.ReferencePoints
}

// GetIterations returns iterations or 30000.
func (c *RunConfig) GetIterations() int {
	if c.Iterations == nil {
		return 30000
	}
	return *c.Iterations
}

// GetTestIterations returns test_iterations or [7000, 30000].
func (c *RunConfig) GetTestIterations() []int {
	if c.TestIterations == nil {
		return []int{7000, 30000}
	}
	return c.TestIterations
}

// GetSaveIterations returns save_iterations or [7000, 30000].
func (c *RunConfig) GetSaveIterations() []int {
	if c.SaveIterations == nil {
		return []int{7000, 30000}
	}
	return c.SaveIterations
}

// GetDivergenceTolerance returns divergence_tolerance or 10.
func (c *RunConfig) GetDivergenceTolerance() int {
	if c.DivergenceTolerance == nil {
		return 10
	}
	return *c.DivergenceTolerance
}

// GetSeed returns seed or 0 (time based).
func (c *RunConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetCalibrationWorkers returns calibration_workers or 0 (GOMAXPROCS).
func (c *RunConfig) GetCalibrationWorkers() int {
	if c.CalibrationWorkers == nil {
		return 0
	}
	return *c.CalibrationWorkers
}

// GetDensify returns the densification schedule, defaulting each bound.
func (c *RunConfig) GetDensify() train.DensifySchedule {
	d := train.DefaultDensify
	if c.DensifyFrom != nil {
		d.From = *c.DensifyFrom
	}
	if c.DensifyUntil != nil {
		d.Until = *c.DensifyUntil
	}
	if c.DensifyInterval != nil {
		d.Interval = *c.DensifyInterval
	}
	return d
}

// Mode infers the supervision mode: no depth_dir is none, relative units
// are weak, metric units are strong.
func (c *RunConfig) Mode() (loss.Mode, error) {
	if c.GetDepthDir() == "" {
		return loss.ModeNone, nil
	}
	units, err := depth.ParseUnits(string(c.GetDepthUnits()))
	if err != nil {
		return loss.ModeNone, err
	}
	if units.Metric() {
		return loss.ModeStrong, nil
	}
	return loss.ModeWeak, nil
}

// Supervision builds the loss configuration, starting from the mode's
// defaults and applying every field that is set.
func (c *RunConfig) Supervision() (loss.SupervisionConfig, error) {
	mode, err := c.Mode()
	if err != nil {
		return loss.SupervisionConfig{}, err
	}
	sup := loss.DefaultSupervision(mode)
	if mode != loss.ModeNone {
		sup.Units = c.GetDepthUnits()
	}
	if c.DepthWeight != nil {
		sup.DepthWeight = *c.DepthWeight
	}
	if c.DepthLoss != nil {
		if sup.LossKind, err = loss.ParseKind(*c.DepthLoss); err != nil {
			return loss.SupervisionConfig{}, err
		}
	}
	if c.HuberDelta != nil {
		sup.HuberDelta = *c.HuberDelta
	}
	if c.DepthWarmup != nil {
		sup.WarmupIterations = *c.DepthWarmup
	}
	if c.DepthGradWeight != nil {
		sup.GradWeight = *c.DepthGradWeight
	}
	if c.DepthValidMin != nil {
		sup.ValidMin = *c.DepthValidMin
	}
	if c.DepthValidMax != nil {
		sup.ValidMax = *c.DepthValidMax
	}
	if c.LambdaDSSIM != nil {
		sup.LambdaDSSIM = *c.LambdaDSSIM
	}
	if err := sup.Validate(); err != nil {
		return loss.SupervisionConfig{}, err
	}
	return sup, nil
}

// SchedulerConfig builds the immutable scheduler configuration.
func (c *RunConfig) SchedulerConfig() (train.Config, error) {
	sup, err := c.Supervision()
	if err != nil {
		return train.Config{}, err
	}
	cfg := train.DefaultConfig(sup)
	cfg.Iterations = c.GetIterations()
	cfg.TestIterations = c.GetTestIterations()
	cfg.SaveIterations = c.GetSaveIterations()
	cfg.Densify = c.GetDensify()
	cfg.DivergenceTolerance = c.GetDivergenceTolerance()
	cfg.CalibrationWorkers = c.GetCalibrationWorkers()
	if err := cfg.Validate(); err != nil {
		return train.Config{}, err
	}
	return cfg, nil
}

// Rand returns a seeded source for view sampling, or nil when the seed is
// zero so the scheduler seeds from its clock.
func (c *RunConfig) Rand() *rand.Rand {
	seed := c.GetSeed()
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

// DepthLoader returns a loader for depth_dir, or nil when depth supervision
// is off.
func (c *RunConfig) DepthLoader(fsys fsutil.FileSystem) (*depth.Loader, error) {
	if c.GetDepthDir() == "" {
		return nil, nil
	}
	format, err := depth.ParseFormat(string(c.GetDepthFormat()))
	if err != nil {
		return nil, err
	}
	units, err := depth.ParseUnits(string(c.GetDepthUnits()))
	if err != nil {
		return nil, err
	}
	return &depth.Loader{FS: fsys, Dir: c.GetDepthDir(), Format: format, Units: units, Scale: c.GetDepthScale()}, nil
}

// RunInfo describes the run for the metrics log.
func (c *RunConfig) RunInfo() (metrics.RunInfo, error) {
	mode, err := c.Mode()
	if err != nil {
		return metrics.RunInfo{}, err
	}
	return metrics.RunInfo{
		ModelPath:  c.GetModelPath(),
		SourcePath: c.GetSourcePath(),
		Mode:       mode.String(),
		Config:     c,
	}, nil
}

// BindFlags registers one flag per field. A flag overrides the file value
// only when it is given on the command line.
func (c *RunConfig) BindFlags(fs *flag.FlagSet) {
	str := func(name, usage string, dst **string) {
		fs.Func(name, usage, func(s string) error {
			*dst = ptrString(s)
			return nil
		})
	}
	num := func(name, usage string, dst **float64) {
		fs.Func(name, usage, func(s string) error {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*dst = ptrFloat64(v)
			return nil
		})
	}
	integer := func(name, usage string, dst **int) {
		fs.Func(name, usage, func(s string) error {
			v, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			*dst = ptrInt(v)
			return nil
		})
	}
	list := func(name, usage string, dst *[]int) {
		fs.Func(name, usage, func(s string) error {
			its, err := parseIterations(s)
			if err != nil {
				return err
			}
			*dst = its
			return nil
		})
	}

	str("source-path", "input dataset directory", &c.SourcePath)
	str("model-path", "output model directory", &c.ModelPath)
	str("depth-dir", "directory of per-image depth maps (enables depth supervision)", &c.DepthDir)
	str("depth-format", "depth file encoding: png16, raw or tiff16", &c.DepthFormat)
	str("depth-units", "depth units: relative, meters or millimeters", &c.DepthUnits)
	num("depth-scale", "multiplier for integer depth counts (default 1)", &c.DepthScale)
	str("reference-points", "CSV of image_id,u,v,depth reference points", &c.ReferencePoints)
	num("depth-weight", "depth loss weight", &c.DepthWeight)
	str("depth-loss", "depth loss kind: l1 or huber", &c.DepthLoss)
	num("huber-delta", "huber transition point", &c.HuberDelta)
	integer("depth-warmup", "iterations over which the depth weight ramps up", &c.DepthWarmup)
	num("depth-grad-weight", "weight of the depth gradient term (strong mode)", &c.DepthGradWeight)
	num("depth-valid-min", "smallest usable metric depth in meters", &c.DepthValidMin)
	num("depth-valid-max", "largest usable metric depth in meters", &c.DepthValidMax)
	num("lambda-dssim", "weight of the structural photometric term", &c.LambdaDSSIM)
	integer("iterations", "number of training iterations", &c.Iterations)
	list("test-iterations", "comma-separated iterations that produce test records", &c.TestIterations)
	list("save-iterations", "comma-separated iterations that snapshot the model", &c.SaveIterations)
	integer("divergence-tolerance", "consecutive non-finite losses tolerated before aborting", &c.DivergenceTolerance)
	fs.Func("seed", "view sampling seed (0 = time based)", func(s string) error {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		c.Seed = ptrUint64(v)
		return nil
	})
	integer("densify-from", "first iteration eligible for densification", &c.DensifyFrom)
	integer("densify-until", "last iteration eligible for densification", &c.DensifyUntil)
	integer("densify-interval", "iterations between densification steps", &c.DensifyInterval)
	integer("calibration-workers", "parallel calibration fits (0 = GOMAXPROCS)", &c.CalibrationWorkers)
}

func parseIterations(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid iteration %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}
