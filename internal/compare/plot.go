package compare

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	baselineColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	candidateColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

const (
	gridRows = 2
	gridCols = 3
)

func xys(s Series) plotter.XYs {
	pts := make(plotter.XYs, len(s.X))
	for i := range s.X {
		pts[i] = plotter.XY{X: s.X[i], Y: s.Y[i]}
	}
	return pts
}

func addLine(p *plot.Plot, label string, s Series, c color.Color) error {
	line, err := plotter.NewLine(xys(s))
	if err != nil {
		return fmt.Errorf("%s %s: %w", label, s.Name, err)
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

// panelPlot draws one metric for both runs.
func panelPlot(base, cand Series, baseLabel, candLabel string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = base.Label
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = base.Unit
	p.Add(plotter.NewGrid())
	if err := addLine(p, baseLabel, base, baselineColor); err != nil {
		return nil, err
	}
	if err := addLine(p, candLabel, cand, candidateColor); err != nil {
		return nil, err
	}
	p.Legend.Top = true
	return p, nil
}

// WritePNG renders the 2x3 comparison grid.
func WritePNG(w io.Writer, baseLabel string, baseline []Series, candLabel string, candidate []Series) error {
	if len(baseline) != gridRows*gridCols || len(candidate) != gridRows*gridCols {
		return fmt.Errorf("comparison grid needs %d series per run, got %d and %d",
			gridRows*gridCols, len(baseline), len(candidate))
	}

	plots := make([][]*plot.Plot, gridRows)
	for r := range plots {
		plots[r] = make([]*plot.Plot, gridCols)
		for c := range plots[r] {
			i := r*gridCols + c
			p, err := panelPlot(baseline[i], candidate[i], baseLabel, candLabel)
			if err != nil {
				return err
			}
			plots[r][c] = p
		}
	}

	img := vgimg.New(18*vg.Inch, 10*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      gridRows,
		Cols:      gridCols,
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align(plots, tiles, dc)
	for r := range plots {
		for c := range plots[r] {
			plots[r][c].Draw(canvases[r][c])
		}
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("encode comparison png: %w", err)
	}
	return nil
}
