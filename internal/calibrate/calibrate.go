// Package calibrate aligns relative monocular depth estimates to the scale of
// a reconstructed scene.
//
// Each image gets an independent affine map ref ≈ Scale·est + Offset fitted by
// ordinary least squares over sparse reference points (SfM points projected
// into the image). The fit is done once before training and the resulting
// Params are immutable afterwards.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/splatdepth/internal/depth"
	"github.com/banshee-data/splatdepth/internal/monitoring"
)

var (
	// ErrInsufficientReferencePoints is returned when fewer than MinPoints
	// usable correspondences fall inside the image.
	ErrInsufficientReferencePoints = errors.New("insufficient reference points")
	// ErrDegenerateFit is returned when the correspondences cannot pin down
	// a positive scale.
	ErrDegenerateFit = errors.New("degenerate depth fit")
)

// MinPoints is the minimum number of correspondences for a two-parameter fit.
const MinPoints = 2

// relVarEpsilon bounds the variance of the estimates and of the reference
// depths relative to their squared mean. Below it the fit is degenerate.
const relVarEpsilon = 1e-12

var logf = monitoring.Prefixed("calibrate")

// ReferencePoint is a scene point already projected into an image: pixel
// coordinates plus its depth along the camera axis.
type ReferencePoint struct {
	U     float64 `json:"u"`
	V     float64 `json:"v"`
	Depth float64 `json:"depth"`
}

// Params is the fitted per-image transform.
type Params struct {
	ImageID  string  `json:"image_id"`
	Scale    float64 `json:"scale"`
	Offset   float64 `json:"offset"`
	Count    int     `json:"count"`
	Residual float64 `json:"residual"`
	R2       float64 `json:"r2"`
}

// Identity is the transform used when depth is already metric.
func Identity(imageID string) Params {
	return Params{ImageID: imageID, Scale: 1, R2: 1}
}

// Map converts one estimated depth value.
func (p Params) Map(v float64) float64 {
	return p.Scale*v + p.Offset
}

// FitError reports a rejected fit with enough context to locate it.
type FitError struct {
	ImageID  string
	Count    int
	Residual float64
	Err      error
}

func (e *FitError) Error() string {
	if math.IsNaN(e.Residual) {
		return fmt.Sprintf("calibrate %s: %v (%d points)", e.ImageID, e.Err, e.Count)
	}
	return fmt.Sprintf("calibrate %s: %v (%d points, residual %.4g)", e.ImageID, e.Err, e.Count, e.Residual)
}

func (e *FitError) Unwrap() error { return e.Err }

// Pairs gathers (estimate, reference) samples for the points that land on a
// valid pixel of est. Pixel (x, y) covers [x, x+1) × [y, y+1).
func Pairs(est *depth.Map, refs []ReferencePoint) (x, y []float64) {
	for _, r := range refs {
		if !depth.IsValid(r.Depth) || math.IsNaN(r.U) || math.IsNaN(r.V) {
			continue
		}
		px, py := int(math.Floor(r.U)), int(math.Floor(r.V))
		if !est.Inside(px, py) {
			continue
		}
		e := float64(est.At(px, py))
		if !depth.IsValid(e) {
			continue
		}
		x = append(x, e)
		y = append(y, r.Depth)
	}
	return x, y
}

// Calibrate fits the affine map for one image.
func Calibrate(est *depth.Map, refs []ReferencePoint) (Params, error) {
	x, y := Pairs(est, refs)
	n := len(x)
	if n < MinPoints {
		return Params{}, &FitError{ImageID: est.ImageID, Count: n, Residual: math.NaN(), Err: ErrInsufficientReferencePoints}
	}

	mx, vx := stat.PopMeanVariance(x, nil)
	my, vy := stat.PopMeanVariance(y, nil)
	if vx <= relVarEpsilon*math.Max(mx*mx, 1) || vy <= relVarEpsilon*math.Max(my*my, 1) {
		return Params{}, &FitError{ImageID: est.ImageID, Count: n, Residual: math.NaN(), Err: ErrDegenerateFit}
	}

	offset, scale := stat.LinearRegression(x, y, nil, false)
	residual := rms(x, y, scale, offset)
	if !(scale > 0) || math.IsInf(scale, 0) {
		return Params{}, &FitError{ImageID: est.ImageID, Count: n, Residual: residual, Err: ErrDegenerateFit}
	}

	return Params{
		ImageID:  est.ImageID,
		Scale:    scale,
		Offset:   offset,
		Count:    n,
		Residual: residual,
		R2:       stat.RSquared(x, y, nil, offset, scale),
	}, nil
}

func rms(x, y []float64, scale, offset float64) float64 {
	var sum float64
	for i := range x {
		d := y[i] - (scale*x[i] + offset)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(x)))
}

// CalibrateAll fits every estimate in parallel using at most workers
// goroutines (GOMAXPROCS when workers <= 0). It stops at the first failure;
// a run is either fully calibrated or not at all.
func CalibrateAll(ctx context.Context, estimates map[string]*depth.Map, refs map[string][]ReferencePoint, workers int) (map[string]Params, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ids := make([]string, 0, len(estimates))
	for id := range estimates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		mu  sync.Mutex
		out = make(map[string]Params, len(ids))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := Calibrate(estimates[id], refs[id])
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logf("fitted %d images with %d workers", len(out), workers)
	return out, nil
}

// Apply returns a copy of est mapped through p. Invalid pixels become NaN.
func Apply(p Params, est *depth.Map) *depth.Map {
	out := depth.New(est.ImageID, est.Width, est.Height, depth.KindMetric)
	for i, v := range est.Data {
		if !depth.IsValid(float64(v)) {
			out.Data[i] = float32(math.NaN())
			continue
		}
		out.Data[i] = float32(p.Map(float64(v)))
	}
	return out
}

// Sorted returns params ordered by image ID.
func Sorted(params map[string]Params) []Params {
	out := make([]Params, 0, len(params))
	for _, p := range params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out
}
