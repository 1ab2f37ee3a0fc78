// Package compare judges one training run against another.
//
// Each tracked metric carries a fixed Direction; a change counts as an
// improvement only if it moves the declared way. Values are taken at the
// last iteration both runs recorded, so runs of different lengths still
// compare like for like.
package compare

import (
	"errors"
	"fmt"

	"github.com/banshee-data/splatdepth/internal/metrics"
)

// ErrIncompatibleLogs is returned when two logs share no point of comparison.
var ErrIncompatibleLogs = errors.New("incompatible logs")

// Direction is which way a metric should move.
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

func (d Direction) String() string {
	if d == HigherIsBetter {
		return "higher_is_better"
	}
	return "lower_is_better"
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Improved reports whether a percent delta is a move in direction d.
func (d Direction) Improved(delta float64) bool {
	if d == HigherIsBetter {
		return delta > 0
	}
	return delta < 0
}

// Metric is a tracked quantity.
type Metric struct {
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	Direction Direction `json:"direction"`
}

var (
	MetricL1             = Metric{Name: "l1", Label: "L1 Loss", Direction: LowerIsBetter}
	MetricValidationL1   = Metric{Name: "validation_l1", Label: "Validation L1", Direction: LowerIsBetter}
	MetricValidationPSNR = Metric{Name: "validation_psnr", Label: "Validation PSNR", Direction: HigherIsBetter}
	MetricGaussianCount  = Metric{Name: "gaussian_count", Label: "Gaussian Count", Direction: LowerIsBetter}
)

// Tracked is the fixed set of metrics Compare reports, in report order.
var Tracked = []Metric{MetricL1, MetricValidationL1, MetricValidationPSNR, MetricGaussianCount}

// MaxPSNR stands in for the infinite PSNR of a pixel-perfect render.
const MaxPSNR = metrics.MaxPSNR

var capPSNR = metrics.CapPSNR

// Result is one metric's comparison.
type Result struct {
	Metric       Metric  `json:"metric"`
	Iteration    int     `json:"iteration"`
	Baseline     float64 `json:"baseline"`
	Candidate    float64 `json:"candidate"`
	PercentDelta float64 `json:"percent_delta"`
	Improved     bool    `json:"improved"`
}

// PercentDelta is (candidate − baseline)/baseline·100, or 0 when the
// baseline is 0.
func PercentDelta(baseline, candidate float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (candidate - baseline) / baseline * 100
}

func newResult(m Metric, it int, b, c float64) Result {
	d := PercentDelta(b, c)
	return Result{Metric: m, Iteration: it, Baseline: b, Candidate: c, PercentDelta: d, Improved: m.Direction.Improved(d)}
}

// Compare evaluates every tracked metric.
func Compare(baseline, candidate *metrics.RunLog) ([]Result, error) {
	bIter, cIter, err := matchIterations(baseline, candidate)
	if err != nil {
		return nil, err
	}
	bTest, cTest, err := matchTests(baseline, candidate)
	if err != nil {
		return nil, err
	}

	return []Result{
		newResult(MetricL1, cIter.Iteration, bIter.L1, cIter.L1),
		newResult(MetricValidationL1, cTest.Iteration, bTest.L1, cTest.L1),
		newResult(MetricValidationPSNR, cTest.Iteration, capPSNR(bTest.PSNR), capPSNR(cTest.PSNR)),
		newResult(MetricGaussianCount, cIter.Iteration, float64(bIter.GaussianCount), float64(cIter.GaussianCount)),
	}, nil
}

// matchIterations picks the records at the last iteration both logs hold,
// falling back to each log's final record.
func matchIterations(baseline, candidate *metrics.RunLog) (metrics.IterationRecord, metrics.IterationRecord, error) {
	bFinal, okB := baseline.Final()
	cFinal, okC := candidate.Final()
	if !okB || !okC {
		return bFinal, cFinal, fmt.Errorf("%w: a log has no iteration records", ErrIncompatibleLogs)
	}

	byIter := make(map[int]metrics.IterationRecord, len(baseline.Iterations))
	for _, r := range baseline.Iterations {
		byIter[r.Iteration] = r
	}
	for i := len(candidate.Iterations) - 1; i >= 0; i-- {
		c := candidate.Iterations[i]
		if b, ok := byIter[c.Iteration]; ok {
			return b, c, nil
		}
	}
	return bFinal, cFinal, nil
}

// matchTests picks the last test iteration both logs evaluated, preferring
// the held-out split.
func matchTests(baseline, candidate *metrics.RunLog) (metrics.TestRecord, metrics.TestRecord, error) {
	for _, split := range []string{metrics.SplitTest, metrics.SplitTrain} {
		bRecs := baseline.TestsFor(split)
		byIter := make(map[int]metrics.TestRecord, len(bRecs))
		for _, r := range bRecs {
			byIter[r.Iteration] = r
		}
		cRecs := candidate.TestsFor(split)
		for i := len(cRecs) - 1; i >= 0; i-- {
			if b, ok := byIter[cRecs[i].Iteration]; ok {
				return b, cRecs[i], nil
			}
		}
	}
	return metrics.TestRecord{}, metrics.TestRecord{},
		fmt.Errorf("%w: no overlapping test iteration between %q and %q",
			ErrIncompatibleLogs, baseline.Run.ModelPath, candidate.Run.ModelPath)
}
