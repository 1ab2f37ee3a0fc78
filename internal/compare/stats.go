package compare

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/splatdepth/internal/metrics"
)

// Stats summarises one series of a run.
type Stats struct {
	Final float64 `json:"final_value"`
	Min   float64 `json:"min_value"`
	Max   float64 `json:"max_value"`
	Mean  float64 `json:"mean_value"`
	Std   float64 `json:"std_value"`
	Count int     `json:"total_iterations"`
}

// Summarize computes Stats; ok is false for an empty series.
func Summarize(values []float64) (s Stats, ok bool) {
	if len(values) == 0 {
		return Stats{}, false
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	return Stats{
		Final: values[len(values)-1],
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Mean:  mean,
		Std:   math.Sqrt(variance),
		Count: len(values),
	}, true
}

// Series is an (iteration, value) sequence.
type Series struct {
	Name  string
	Label string
	Unit  string
	X, Y  []float64
}

// Series names, shared by the stats table and both charts.
const (
	SeriesTotalLoss      = "total_loss"
	SeriesL1Loss         = "l1_loss"
	SeriesValidationL1   = "validation_l1"
	SeriesValidationPSNR = "validation_psnr"
	SeriesGaussianCount  = "gaussian_count"
	SeriesDepthLoss      = "depth_loss"
)

// validationSplit is the split the validation series are drawn from.
func validationSplit(log *metrics.RunLog) string {
	if len(log.TestsFor(metrics.SplitTest)) > 0 {
		return metrics.SplitTest
	}
	return metrics.SplitTrain
}

// ExtractSeries returns every plotted series of a run in panel order.
func ExtractSeries(log *metrics.RunLog) []Series {
	total := Series{Name: SeriesTotalLoss, Label: "Total Training Loss", Unit: "Loss"}
	l1 := Series{Name: SeriesL1Loss, Label: "L1 Training Loss", Unit: "L1 Loss"}
	count := Series{Name: SeriesGaussianCount, Label: "Total Gaussians", Unit: "Count"}
	dl := Series{Name: SeriesDepthLoss, Label: "Depth Loss", Unit: "Loss"}
	for _, r := range log.Iterations {
		x := float64(r.Iteration)
		total.X, total.Y = append(total.X, x), append(total.Y, r.Total)
		l1.X, l1.Y = append(l1.X, x), append(l1.Y, r.L1)
		count.X, count.Y = append(count.X, x), append(count.Y, float64(r.GaussianCount))
		if r.Depth != nil {
			dl.X, dl.Y = append(dl.X, x), append(dl.Y, *r.Depth)
		}
	}

	vl1 := Series{Name: SeriesValidationL1, Label: "Validation L1 Loss", Unit: "L1 Loss"}
	psnr := Series{Name: SeriesValidationPSNR, Label: "Validation PSNR", Unit: "PSNR (dB)"}
	for _, r := range log.TestsFor(validationSplit(log)) {
		x := float64(r.Iteration)
		vl1.X, vl1.Y = append(vl1.X, x), append(vl1.Y, r.L1)
		psnr.X, psnr.Y = append(psnr.X, x), append(psnr.Y, capPSNR(r.PSNR))
	}
	return []Series{total, l1, vl1, psnr, count, dl}
}

// RunStats summarises every non-empty series of a run by name.
func RunStats(log *metrics.RunLog) map[string]Stats {
	out := make(map[string]Stats)
	for _, s := range ExtractSeries(log) {
		if st, ok := Summarize(s.Y); ok {
			out[s.Name] = st
		}
	}
	return out
}
