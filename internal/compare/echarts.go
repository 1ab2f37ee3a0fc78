package compare

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

func lineData(s Series) []opts.LineData {
	out := make([]opts.LineData, len(s.X))
	for i := range s.X {
		out[i] = opts.LineData{Value: []interface{}{s.X[i], s.Y[i]}}
	}
	return out
}

func panelChart(base, cand Series, baseLabel, candLabel string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "600px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: base.Label}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "30px"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: base.Unit}),
	)
	line.AddSeries(baseLabel, lineData(base)).
		AddSeries(candLabel, lineData(cand))
	return line
}

// WriteHTML renders the same six panels as WritePNG as an interactive page.
func WriteHTML(w io.Writer, baseLabel string, baseline []Series, candLabel string, candidate []Series) error {
	if len(baseline) != len(candidate) {
		return fmt.Errorf("series count mismatch: %d vs %d", len(baseline), len(candidate))
	}
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Training comparison: %s vs %s", baseLabel, candLabel)
	for i := range baseline {
		page.AddCharts(panelChart(baseline[i], candidate[i], baseLabel, candLabel))
	}
	return page.Render(w)
}
