package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Sample is the newest value of one series and the iteration it came from.
type Sample struct {
	Iteration int     `json:"iteration"`
	Value     float64 `json:"value"`
}

// Snapshot is the newest value of each monitored series.
type Snapshot struct {
	RunID  string            `json:"run_id"`
	Status Status            `json:"status"`
	Series map[string]Sample `json:"series"`
}

// Series names shown by the monitor.
const (
	SeriesTotalLoss     = "total_loss"
	SeriesL1Loss        = "l1_loss"
	SeriesDepthLoss     = "depth_loss"
	SeriesGaussianCount = "total_points"
)

// TestSeries names the PSNR series of a test split, e.g. "test psnr".
func TestSeries(split string) string { return split + " psnr" }

// Latest returns the newest value per series of log.
func Latest(log *RunLog) Snapshot {
	s := Snapshot{RunID: log.Run.RunID, Status: log.Run.Status, Series: map[string]Sample{}}
	if rec, ok := log.Final(); ok {
		s.Series[SeriesTotalLoss] = Sample{rec.Iteration, rec.Total}
		s.Series[SeriesL1Loss] = Sample{rec.Iteration, rec.L1}
		s.Series[SeriesGaussianCount] = Sample{rec.Iteration, float64(rec.GaussianCount)}
	}
	for i := len(log.Iterations) - 1; i >= 0; i-- {
		if d := log.Iterations[i].Depth; d != nil {
			s.Series[SeriesDepthLoss] = Sample{log.Iterations[i].Iteration, *d}
			break
		}
	}
	for _, t := range log.Tests {
		s.Series[TestSeries(t.Split)] = Sample{t.Iteration, CapPSNR(t.PSNR)}
	}
	return s
}

// Apply folds one event into the snapshot.
func (s *Snapshot) Apply(ev Event) {
	if s.Series == nil {
		s.Series = map[string]Sample{}
	}
	switch ev.Kind {
	case EventIteration:
		rec := ev.Iteration
		s.Series[SeriesTotalLoss] = Sample{rec.Iteration, rec.Total}
		s.Series[SeriesL1Loss] = Sample{rec.Iteration, rec.L1}
		s.Series[SeriesGaussianCount] = Sample{rec.Iteration, float64(rec.GaussianCount)}
		if rec.Depth != nil {
			s.Series[SeriesDepthLoss] = Sample{rec.Iteration, *rec.Depth}
		}
	case EventTest:
		s.Series[TestSeries(ev.Test.Split)] = Sample{ev.Test.Iteration, CapPSNR(ev.Test.PSNR)}
	case EventStatus:
		s.Status = ev.Status
	}
	if s.RunID == "" {
		s.RunID = ev.RunID
	}
}

// WriteTo prints the snapshot as an aligned block, one series per line.
func (s Snapshot) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(&b, "%s\nRun %s (%s)\n%s\n", rule, s.RunID, s.Status, rule)
	if len(s.Series) == 0 {
		b.WriteString("no metrics recorded yet\n")
	}
	names := make([]string, 0, len(s.Series))
	for name := range s.Series {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := s.Series[name]
		fmt.Fprintf(&b, "%-20s: %.6f (iter %d)\n", name, v.Value, v.Iteration)
	}
	b.WriteString(rule + "\n")
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
