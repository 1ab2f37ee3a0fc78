package compare

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/splatdepth/internal/metrics"
)

// RunSummary identifies one side of a comparison.
type RunSummary struct {
	Label     string           `json:"label"`
	RunID     string           `json:"run_id"`
	ModelPath string           `json:"model_path"`
	Mode      string           `json:"mode"`
	Status    metrics.Status   `json:"status"`
	Stats     map[string]Stats `json:"stats"`
}

// Report is the persisted comparison summary.
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Baseline    RunSummary `json:"baseline"`
	Candidate   RunSummary `json:"candidate"`
	Results     []Result   `json:"comparison"`
}

func summarize(label string, log *metrics.RunLog) RunSummary {
	return RunSummary{
		Label:     label,
		RunID:     log.Run.RunID,
		ModelPath: log.Run.ModelPath,
		Mode:      log.Run.Mode,
		Status:    log.Run.Status,
		Stats:     RunStats(log),
	}
}

// BuildReport compares two runs and gathers per-run statistics.
func BuildReport(baseLabel string, baseline *metrics.RunLog, candLabel string, candidate *metrics.RunLog, now time.Time) (*Report, error) {
	results, err := Compare(baseline, candidate)
	if err != nil {
		return nil, err
	}
	return &Report{
		GeneratedAt: now.UTC(),
		Baseline:    summarize(baseLabel, baseline),
		Candidate:   summarize(candLabel, candidate),
		Results:     results,
	}, nil
}

// Line renders one result, e.g. "✅ L1 Loss: -46.75% improvement".
func (r Result) Line() string {
	mark, word := "❌", "regression"
	switch {
	case r.Improved:
		mark, word = "✅", "improvement"
	case r.PercentDelta == 0:
		mark, word = "➖", "no change"
	}
	return fmt.Sprintf("%s %s: %+.2f%% %s", mark, r.Metric.Label, r.PercentDelta, word)
}

// WriteText prints a human-readable summary.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "%s\nTRAINING COMPARISON SUMMARY\n%s\n", rule, rule)
	fmt.Fprintf(&b, "baseline:  %s (%s, %s)\n", r.Baseline.Label, r.Baseline.Mode, r.Baseline.ModelPath)
	fmt.Fprintf(&b, "candidate: %s (%s, %s)\n\n", r.Candidate.Label, r.Candidate.Mode, r.Candidate.ModelPath)
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%-16s iter %-6d %12.4f -> %12.4f\n", res.Metric.Name, res.Iteration, res.Baseline, res.Candidate)
	}
	b.WriteString("\n")
	for _, res := range r.Results {
		b.WriteString(res.Line() + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
