package render

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/brewer"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"

	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/models"
	"cohort-dashboard/internal/report"
)

const (
	paletteName   = "YlGnBu"
	paletteColors = 9

	// Labels on cells darker than this switch to white text.
	darkCellRate = 0.6

	imageWidth  = 16 * vg.Inch
	imageHeight = 9 * vg.Inch
)

// grid adapts a retention matrix to plotter.GridXYZ. Row 0 is drawn at the
// bottom, so rows are reversed to put the earliest cohort on top.
type grid struct {
	z [][]float64
}

func newGrid(matrix *models.RetentionMatrix) grid {
	n := matrix.Len()
	cols := matrix.MaxIndex() + 1
	z := make([][]float64, n)
	for i, row := range matrix.Cohorts {
		line := make([]float64, cols)
		for j := range line {
			rate, ok := matrix.Rate(row.Cohort, j)
			if !ok {
				rate = math.NaN()
			}
			line[j] = rate
		}
		z[n-1-i] = line
	}
	return grid{z: z}
}

func (g grid) Dims() (c, r int) {
	if len(g.z) == 0 {
		return 0, 0
	}
	return len(g.z[0]), len(g.z)
}

func (g grid) Z(c, r int) float64 { return g.z[r][c] }
func (g grid) X(c int) float64    { return float64(c) }
func (g grid) Y(r int) float64    { return float64(r) }

func retentionPalette() (palette.Palette, error) {
	return brewer.GetPalette(brewer.TypeSequential, paletteName, paletteColors)
}

// HeatmapPNG draws the retention matrix as an annotated heatmap and returns
// the encoded PNG.
func HeatmapPNG(matrix *models.RetentionMatrix) ([]byte, error) {
	p, err := Heatmap(matrix)
	if err != nil {
		return nil, err
	}

	wt, err := p.WriterTo(imageWidth, imageHeight, "png")
	if err != nil {
		return nil, errors.InternalWrap(err, "failed to encode heatmap")
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.InternalWrap(err, "failed to encode heatmap")
	}
	return buf.Bytes(), nil
}

func Heatmap(matrix *models.RetentionMatrix) (*plot.Plot, error) {
	if matrix.Len() == 0 {
		return nil, errors.EmptyInput("no cohorts to plot")
	}

	pal, err := retentionPalette()
	if err != nil {
		return nil, errors.InternalWrap(err, "failed to load heatmap palette")
	}

	g := newGrid(matrix)
	cols, rows := g.Dims()

	hm := plotter.NewHeatMap(g, pal)
	hm.Min, hm.Max = 0, 1

	p := plot.New()
	p.Title.Text = "Cohort Analysis - Retention Rate"
	p.X.Label.Text = "Months Since First Purchase"
	p.Y.Label.Text = "Cohort Month"
	p.Add(hm)

	labels, err := cellLabels(g)
	if err != nil {
		return nil, errors.InternalWrap(err, "failed to build heatmap labels")
	}
	if labels != nil {
		p.Add(labels)
	}

	xTicks := make(plot.ConstantTicks, cols)
	for c := range cols {
		xTicks[c] = plot.Tick{Value: float64(c), Label: strconv.Itoa(c)}
	}
	yTicks := make(plot.ConstantTicks, rows)
	for r := range rows {
		yTicks[r] = plot.Tick{Value: float64(r), Label: matrix.Cohorts[rows-1-r].Cohort.String()}
	}
	p.X.Tick.Marker = xTicks
	p.Y.Tick.Marker = yTicks
	p.X.Min, p.X.Max = -0.5, float64(cols)-0.5
	p.Y.Min, p.Y.Max = -0.5, float64(rows)-0.5

	return p, nil
}

func cellLabels(g grid) (*plotter.Labels, error) {
	cols, rows := g.Dims()
	var data plotter.XYLabels
	var dark []bool
	for r := range rows {
		for c := range cols {
			v := g.Z(c, r)
			if math.IsNaN(v) {
				continue
			}
			data.XYs = append(data.XYs, plotter.XY{X: g.X(c), Y: g.Y(r)})
			data.Labels = append(data.Labels, report.Percent(v))
			dark = append(dark, v > darkCellRate)
		}
	}
	if len(data.XYs) == 0 {
		return nil, nil
	}

	labels, err := plotter.NewLabels(data)
	if err != nil {
		return nil, fmt.Errorf("new labels: %w", err)
	}
	for i := range labels.TextStyle {
		labels.TextStyle[i].XAlign = text.XCenter
		labels.TextStyle[i].YAlign = text.YCenter
		if dark[i] {
			labels.TextStyle[i].Color = color.White
		}
	}
	return labels, nil
}
