package loss

import (
	"math"

	"github.com/banshee-data/splatdepth/internal/calibrate"
	"github.com/banshee-data/splatdepth/internal/depth"
)

// L1Loss is |d|.
func L1Loss(d float64) float64 {
	return math.Abs(d)
}

// HuberLoss is quadratic for |d| ≤ delta and linear beyond, with matching
// value and slope at the boundary.
func HuberLoss(d, delta float64) float64 {
	a := math.Abs(d)
	if a <= delta {
		return 0.5 * a * a
	}
	return delta * (a - 0.5*delta)
}

// WarmupFactor ramps the depth term from 0 to 1 over warmup iterations. A
// warmup of zero applies full weight immediately.
func WarmupFactor(iteration, warmup int) float64 {
	if warmup <= 0 {
		return 1
	}
	if iteration <= 0 {
		return 0
	}
	return math.Min(1, float64(iteration)/float64(warmup))
}

func (c SupervisionConfig) penalty(d float64) float64 {
	if c.LossKind == KindHuber {
		return HuberLoss(d, c.HuberDelta)
	}
	return L1Loss(d)
}

// depthTarget is a per-pixel target in the rendered depth's units, NaN where
// supervision is undefined.
type depthTarget []float64

// weakTarget maps a relative estimate through its calibration.
func weakTarget(est *depth.Map, p calibrate.Params) depthTarget {
	t := make(depthTarget, len(est.Data))
	for i, v := range est.Data {
		if !depth.IsValid(float64(v)) {
			t[i] = math.NaN()
			continue
		}
		t[i] = p.Map(float64(v))
	}
	return t
}

// strongTarget converts a metric map to meters and masks values outside the
// validity window.
func strongTarget(m *depth.Map, c SupervisionConfig) depthTarget {
	k := c.Units.MetersPerUnit()
	t := make(depthTarget, len(m.Data))
	for i, v := range m.Data {
		mv := float64(v) * k
		if !depth.IsValid(mv) || mv < c.ValidMin || mv > c.ValidMax {
			t[i] = math.NaN()
			continue
		}
		t[i] = mv
	}
	return t
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// valueTerm is the mean penalty over pixels with a defined target.
func (c SupervisionConfig) valueTerm(rendered *depth.Map, t depthTarget) (float64, int) {
	var (
		sum float64
		n   int
	)
	for i, tv := range t {
		if !usable(tv) {
			continue
		}
		sum += c.penalty(float64(rendered.Data[i]) - tv)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// gradientTerm compares forward differences along x and y wherever both
// target samples of the pair are defined.
func (c SupervisionConfig) gradientTerm(rendered *depth.Map, t depthTarget) float64 {
	w, h := rendered.Width, rendered.Height
	var (
		sum float64
		n   int
	)
	pair := func(i, j int) {
		if !usable(t[i]) || !usable(t[j]) {
			return
		}
		dr := float64(rendered.Data[j]) - float64(rendered.Data[i])
		dt := t[j] - t[i]
		sum += c.penalty(dr - dt)
		n++
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if x+1 < w {
				pair(i, i+1)
			}
			if y+1 < h {
				pair(i, i+w)
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
