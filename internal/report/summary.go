package report

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"cohort-dashboard/internal/models"
)

const absentCell = "-"

var hundred = decimal.NewFromInt(100)

// Percent formats a retention fraction as a whole percentage, rounding half
// away from zero.
func Percent(rate float64) string {
	return decimal.NewFromFloat(rate).Mul(hundred).Round(0).String() + "%"
}

// Summary renders the text block handed to the commentary model.
func Summary(matrix *models.RetentionMatrix) string {
	var b strings.Builder
	b.WriteString("Cohort Analysis Summary:\n")
	fmt.Fprintf(&b, "- Number of Cohorts: %d\n", matrix.Len())
	b.WriteString("- Retention Rate Breakdown:\n")
	b.WriteString(RetentionTable(matrix))
	return b.String()
}

// RetentionTable lays the matrix out as aligned text, one cohort per line.
func RetentionTable(matrix *models.RetentionMatrix) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	maxIdx := matrix.MaxIndex()
	header := []string{"CohortMonth", "Size"}
	for i := 0; i <= maxIdx; i++ {
		header = append(header, strconv.Itoa(i))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, row := range cohorts(matrix) {
		line := make([]string, 0, maxIdx+3)
		line = append(line, row.Cohort.String(), strconv.Itoa(row.Size))

		cells := make([]string, maxIdx+1)
		for i := range cells {
			cells[i] = absentCell
		}
		for _, c := range row.Cells {
			cells[c.Index] = Percent(c.Rate)
		}
		line = append(line, cells...)
		fmt.Fprintln(tw, strings.Join(line, "\t"))
	}

	tw.Flush()
	return b.String()
}

func cohorts(matrix *models.RetentionMatrix) []models.CohortRow {
	if matrix == nil {
		return nil
	}
	return matrix.Cohorts
}
