package compare

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/splatdepth/internal/fsutil"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/monitoring"
)

var logf = monitoring.Prefixed("compare")

// Artifact file names written by WriteArtifacts.
const (
	SummaryJSON = "comparison_summary.json"
	SummaryText = "comparison_summary.txt"
	PlotPNG     = "training_comparison.png"
	PlotHTML    = "training_comparison.html"
)

// WriteArtifacts writes the summary, the PNG grid and the HTML page into dir.
func WriteArtifacts(fsys fsutil.FileSystem, dir string, report *Report, baseline, candidate *metrics.RunLog) error {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	bSeries, cSeries := ExtractSeries(baseline), ExtractSeries(candidate)
	bLabel, cLabel := report.Baseline.Label, report.Candidate.Label

	writers := []struct {
		name  string
		write func(*bytes.Buffer) error
	}{
		{SummaryJSON, func(b *bytes.Buffer) error { return report.WriteJSON(b) }},
		{SummaryText, func(b *bytes.Buffer) error { return report.WriteText(b) }},
		{PlotPNG, func(b *bytes.Buffer) error { return WritePNG(b, bLabel, bSeries, cLabel, cSeries) }},
		{PlotHTML, func(b *bytes.Buffer) error { return WriteHTML(b, bLabel, bSeries, cLabel, cSeries) }},
	}
	for _, wr := range writers {
		var buf bytes.Buffer
		if err := wr.write(&buf); err != nil {
			return fmt.Errorf("render %s: %w", wr.name, err)
		}
		path := filepath.Join(dir, wr.name)
		f, err := fsys.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}
		logf("wrote %s (%d bytes)", path, buf.Len())
	}
	return nil
}
