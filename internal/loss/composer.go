// Package loss composes the per-iteration training objective.
//
// The photometric term is always present. The depth term is selected once per
// run by SupervisionConfig.Mode and dispatched in a single switch in
// Composer.Compute. Everything here is pure: no state survives a call.
package loss

import (
	"errors"
	"fmt"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/depth"
)

var (
	// ErrShapeMismatch marks inputs whose rasters disagree in size.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNoValidDepth marks a supervised view with no usable depth pixels.
	ErrNoValidDepth = errors.New("no valid depth pixels")
	// ErrMissingCalibration marks a weak-mode view without fitted params.
	ErrMissingCalibration = errors.New("missing calibration")
)

// Inputs is everything one loss evaluation needs.
type Inputs struct {
	Rendered  Image
	Reference Image
	// RenderedDepth is the depth the rasterizer produced for the view.
	RenderedDepth *depth.Map
	// Target is the raw estimate (weak) or metric map (strong) for the view.
	// Ignored under ModeNone.
	Target    *depth.Map
	Iteration int
}

// Breakdown is the composed loss and its parts.
type Breakdown struct {
	L1          float64
	SSIM        float64
	Photometric float64
	// Depth is the full depth term before weighting, including
	// GradWeight·DepthGrad in strong mode.
	Depth        float64
	DepthGrad    float64
	DepthPixels  int
	WarmupFactor float64
	Total        float64
	HasDepth     bool
}

// Composer evaluates the training loss for a fixed configuration.
type Composer struct {
	cfg   SupervisionConfig
	calib map[string]calibrate.Params
}

// NewComposer validates cfg and takes ownership of calib for the run. Weak
// mode needs params for every view it will see; other modes ignore calib.
func NewComposer(cfg SupervisionConfig, calib map[string]calibrate.Params) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owned := make(map[string]calibrate.Params, len(calib))
	for k, v := range calib {
		owned[k] = v
	}
	return &Composer{cfg: cfg, calib: owned}, nil
}

// Config returns the composer's configuration.
func (c *Composer) Config() SupervisionConfig { return c.cfg }

// Calibration returns the params held for imageID.
func (c *Composer) Calibration(imageID string) (calibrate.Params, bool) {
	p, ok := c.calib[imageID]
	return p, ok
}

// Compute evaluates total = photometric + depth_weight·warmup·depth.
func (c *Composer) Compute(in Inputs) (Breakdown, error) {
	var b Breakdown
	var err error

	if b.L1, err = MeanAbsError(in.Rendered, in.Reference); err != nil {
		return Breakdown{}, err
	}
	if b.SSIM, err = SSIM(in.Rendered, in.Reference); err != nil {
		return Breakdown{}, err
	}
	lambda := c.cfg.LambdaDSSIM
	b.Photometric = (1-lambda)*b.L1 + lambda*(1-b.SSIM)
	b.Total = b.Photometric

	var target depthTarget
	switch c.cfg.Mode {
	case ModeNone:
		return b, nil
	case ModeWeak:
		if err := checkDepth(in); err != nil {
			return Breakdown{}, err
		}
		p, ok := c.calib[in.Target.ImageID]
		if !ok {
			return Breakdown{}, fmt.Errorf("%w for %s", ErrMissingCalibration, in.Target.ImageID)
		}
		target = weakTarget(in.Target, p)
	case ModeStrong:
		if err := checkDepth(in); err != nil {
			return Breakdown{}, err
		}
		target = strongTarget(in.Target, c.cfg)
	default:
		return Breakdown{}, fmt.Errorf("%w: mode %v", ErrInvalidConfig, c.cfg.Mode)
	}

	b.Depth, b.DepthPixels = c.cfg.valueTerm(in.RenderedDepth, target)
	if b.DepthPixels == 0 {
		return Breakdown{}, fmt.Errorf("%w in %s", ErrNoValidDepth, in.Target.ImageID)
	}
	if c.cfg.Mode == ModeStrong && c.cfg.GradWeight > 0 {
		b.DepthGrad = c.cfg.gradientTerm(in.RenderedDepth, target)
		b.Depth += c.cfg.GradWeight * b.DepthGrad
	}
	b.HasDepth = true
	b.WarmupFactor = WarmupFactor(in.Iteration, c.cfg.WarmupIterations)
	b.Total = b.Photometric + c.cfg.DepthWeight*b.WarmupFactor*b.Depth
	return b, nil
}

func checkDepth(in Inputs) error {
	if in.Target == nil || in.RenderedDepth == nil {
		return ErrNoValidDepth
	}
	if !in.Target.SameShape(in.RenderedDepth) || len(in.Target.Data) != len(in.RenderedDepth.Data) {
		return fmt.Errorf("%w: depth %dx%d vs rendered %dx%d for %s", ErrShapeMismatch,
			in.Target.Width, in.Target.Height, in.RenderedDepth.Width, in.RenderedDepth.Height, in.Target.ImageID)
	}
	return nil
}
