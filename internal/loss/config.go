package loss

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/splatdepth/internal/depth"
)

// Mode selects how depth supervises training.
type Mode int

const (
	// ModeNone trains on photometric loss only.
	ModeNone Mode = iota
	// ModeWeak compares rendered depth against a calibrated relative estimate.
	ModeWeak
	// ModeStrong compares rendered depth against a metric map directly.
	ModeStrong
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeWeak:
		return "weak"
	case ModeStrong:
		return "strong"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none", "":
		return ModeNone, nil
	case "weak":
		return ModeWeak, nil
	case "strong":
		return ModeStrong, nil
	}
	return ModeNone, fmt.Errorf("unknown supervision mode %q", s)
}

// Kind is the per-pixel depth penalty.
type Kind int

const (
	KindL1 Kind = iota
	KindHuber
)

func (k Kind) String() string {
	if k == KindHuber {
		return "huber"
	}
	return "l1"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "l1":
		return KindL1, nil
	case "huber":
		return KindHuber, nil
	}
	return KindL1, fmt.Errorf("unknown depth loss %q (want l1 or huber)", s)
}

// SupervisionConfig is the immutable per-run loss configuration.
type SupervisionConfig struct {
	Mode             Mode
	DepthWeight      float64
	LossKind         Kind
	HuberDelta       float64
	WarmupIterations int
	GradWeight       float64
	Units            depth.Units
	// LambdaDSSIM weights the structural term of the photometric loss.
	LambdaDSSIM float64
	// ValidMin and ValidMax bound usable metric depth, in meters.
	ValidMin float64
	ValidMax float64
}

// Defaults for depth-supervised runs.
const (
	DefaultDepthWeight = 2.0
	DefaultHuberDelta  = 0.2
	DefaultWarmup      = 2000
	DefaultGradWeight  = 0.1
	DefaultLambdaDSSIM = 0.2
	DefaultValidMin    = 1e-4
	DefaultValidMax    = 80.0
)

// DefaultSupervision returns the default configuration for a mode. Depth
// weight is zero unless depth supervision is on.
func DefaultSupervision(mode Mode) SupervisionConfig {
	cfg := SupervisionConfig{
		Mode:             mode,
		LossKind:         KindHuber,
		HuberDelta:       DefaultHuberDelta,
		WarmupIterations: DefaultWarmup,
		GradWeight:       DefaultGradWeight,
		Units:            depth.UnitsRelative,
		LambdaDSSIM:      DefaultLambdaDSSIM,
		ValidMin:         DefaultValidMin,
		ValidMax:         DefaultValidMax,
	}
	switch mode {
	case ModeWeak:
		cfg.DepthWeight = DefaultDepthWeight
	case ModeStrong:
		cfg.DepthWeight = DefaultDepthWeight
		cfg.Units = depth.UnitsMeters
	}
	return cfg
}

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid supervision config")

// Validate checks ranges and that units agree with the mode.
func (c SupervisionConfig) Validate() error {
	bad := func(format string, v ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, v...))
	}
	switch c.Mode {
	case ModeNone, ModeWeak, ModeStrong:
	default:
		return bad("mode %d", int(c.Mode))
	}
	if c.LossKind != KindL1 && c.LossKind != KindHuber {
		return bad("depth loss kind %d", int(c.LossKind))
	}
	if !finiteNonNeg(c.DepthWeight) {
		return bad("depth_weight must be non-negative, got %v", c.DepthWeight)
	}
	if !finiteNonNeg(c.GradWeight) {
		return bad("depth_grad_weight must be non-negative, got %v", c.GradWeight)
	}
	if c.LossKind == KindHuber && !(c.HuberDelta > 0) {
		return bad("huber_delta must be positive, got %v", c.HuberDelta)
	}
	if c.WarmupIterations < 0 {
		return bad("depth_warmup must be non-negative, got %d", c.WarmupIterations)
	}
	if c.LambdaDSSIM < 0 || c.LambdaDSSIM > 1 || math.IsNaN(c.LambdaDSSIM) {
		return bad("lambda_dssim must be in [0, 1], got %v", c.LambdaDSSIM)
	}
	if !(c.ValidMin >= 0 && c.ValidMax > c.ValidMin) {
		return bad("depth valid range [%v, %v]", c.ValidMin, c.ValidMax)
	}
	switch c.Mode {
	case ModeWeak:
		if c.Units.Metric() {
			return bad("weak supervision needs relative depth, got %s", c.Units)
		}
	case ModeStrong:
		if !c.Units.Metric() {
			return bad("strong supervision needs metric depth, got %q", c.Units)
		}
	}
	return nil
}

func finiteNonNeg(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}
