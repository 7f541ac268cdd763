package render

import (
	"fmt"
	"html/template"
	"image/color"
	"strings"

	"cohort-dashboard/internal/models"
	"cohort-dashboard/internal/report"
)

var retentionTableTemplate = template.Must(template.New("retentionTable").Parse(`
<div id="retention-content">
{{if .Rows}}<table class="modern-table retention-table">
<thead><tr><th>Cohort</th><th>Customers</th>{{range .Indices}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>
<td>{{.Cohort}}</td>
<td>{{.Size}}</td>
{{range .Cells}}{{if .Present}}<td style="background:{{.Background}};color:{{.Foreground}}">{{.Label}}</td>{{else}}<td class="absent"></td>{{end}}{{end}}
</tr>{{end}}
</tbody>
</table>{{else}}<p class="placeholder">Upload a spreadsheet with Customer_ID and Date columns to see retention.</p>{{end}}
</div>`))

type tableCell struct {
	Present    bool
	Label      string
	Background template.CSS
	Foreground template.CSS
}

type tableRow struct {
	Cohort string
	Size   int
	Cells  []tableCell
}

type tableData struct {
	Indices []int
	Rows    []tableRow
}

// RetentionTable renders the matrix as an HTML fragment whose root element
// id is "retention-content". Cells are shaded with the heatmap palette.
func RetentionTable(matrix *models.RetentionMatrix) (string, error) {
	var data tableData

	if matrix.Len() > 0 {
		pal, err := retentionPalette()
		if err != nil {
			return "", err
		}
		colors := pal.Colors()

		maxIdx := matrix.MaxIndex()
		for i := 0; i <= maxIdx; i++ {
			data.Indices = append(data.Indices, i)
		}

		for _, row := range matrix.Cohorts {
			tr := tableRow{
				Cohort: row.Cohort.String(),
				Size:   row.Size,
				Cells:  make([]tableCell, maxIdx+1),
			}
			for _, c := range row.Cells {
				fg := "#1b1b1b"
				if c.Rate > darkCellRate {
					fg = "#ffffff"
				}
				tr.Cells[c.Index] = tableCell{
					Present:    true,
					Label:      report.Percent(c.Rate),
					Background: template.CSS(hexColor(shade(colors, c.Rate))),
					Foreground: template.CSS(fg),
				}
			}
			data.Rows = append(data.Rows, tr)
		}
	}

	var buf strings.Builder
	if err := retentionTableTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func shade(colors []color.Color, rate float64) color.Color {
	i := int(rate*float64(len(colors)-1) + 0.5)
	return colors[max(0, min(i, len(colors)-1))]
}

func hexColor(c color.Color) string {
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	return fmt.Sprintf("#%02x%02x%02x", rgba.R, rgba.G, rgba.B)
}
