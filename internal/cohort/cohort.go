// Package cohort turns transaction rows into month-over-month retention rates.
//
// The pipeline has three steps: Assign labels each row with its customer's
// cohort month and its own purchase month, Index measures the whole calendar
// months between the two, and BuildMatrix counts distinct customers per
// (cohort, index) cell and divides each row by its index-0 count.
package cohort

import (
	"fmt"
	"slices"

	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/models"
)

// Assign labels every row with its cohort and purchase month. Rows keep their
// input order in the result.
func Assign(rows []models.Transaction) ([]models.Assignment, error) {
	if len(rows) == 0 {
		return nil, errors.EmptyInput("no transaction rows to analyse")
	}

	first := make(map[string]models.Month, len(rows)/2)
	for i, tx := range rows {
		if tx.CustomerID == "" {
			return nil, errors.Schema("missing customer id").WithDetails("row %d", rowNumber(tx, i))
		}
		if tx.Date.IsZero() {
			return nil, errors.Parse("missing transaction date").WithDetails("row %d, customer %s", rowNumber(tx, i), tx.CustomerID)
		}

		m := models.MonthOf(tx.Date)
		if cur, ok := first[tx.CustomerID]; !ok || m.Before(cur) {
			first[tx.CustomerID] = m
		}
	}

	out := make([]models.Assignment, len(rows))
	for i, tx := range rows {
		cohort := first[tx.CustomerID]
		purchase := models.MonthOf(tx.Date)
		out[i] = models.Assignment{
			CustomerID:    tx.CustomerID,
			Row:           rowNumber(tx, i),
			CohortMonth:   cohort,
			PurchaseMonth: purchase,
			Index:         Index(cohort, purchase),
		}
	}
	return out, nil
}

// Index returns the number of calendar months from cohort to purchase.
func Index(cohort, purchase models.Month) int {
	return purchase.Sub(cohort)
}

type cellKey struct {
	cohort models.Month
	index  int
}

// BuildMatrix aggregates distinct customers per (cohort, index) and normalizes
// each cohort by its size at index 0.
func BuildMatrix(assignments []models.Assignment) (*models.RetentionMatrix, error) {
	if len(assignments) == 0 {
		return nil, errors.EmptyInput("no cohort assignments to aggregate")
	}

	customers := make(map[cellKey]map[string]struct{})
	for _, a := range assignments {
		if a.Index < 0 {
			return nil, errors.Internal("negative cohort index").
				WithDetails("row %d, customer %s, cohort %s, purchase %s", a.Row, a.CustomerID, a.CohortMonth, a.PurchaseMonth)
		}
		k := cellKey{cohort: a.CohortMonth, index: a.Index}
		set, ok := customers[k]
		if !ok {
			set = make(map[string]struct{})
			customers[k] = set
		}
		set[a.CustomerID] = struct{}{}
	}

	rows := make(map[models.Month]*models.CohortRow)
	for k, set := range customers {
		row, ok := rows[k.cohort]
		if !ok {
			row = &models.CohortRow{Cohort: k.cohort}
			rows[k.cohort] = row
		}
		row.Cells = append(row.Cells, models.RetentionCell{Index: k.index, Customers: len(set)})
	}

	matrix := &models.RetentionMatrix{Cohorts: make([]models.CohortRow, 0, len(rows))}
	for _, row := range rows {
		slices.SortFunc(row.Cells, func(a, b models.RetentionCell) int {
			return a.Index - b.Index
		})
		if row.Cells[0].Index != 0 {
			return nil, errors.Internal(fmt.Sprintf("cohort %s has no customers at index 0", row.Cohort))
		}
		row.Size = row.Cells[0].Customers
		for i := range row.Cells {
			row.Cells[i].Rate = float64(row.Cells[i].Customers) / float64(row.Size)
		}
		matrix.Cohorts = append(matrix.Cohorts, *row)
	}
	slices.SortFunc(matrix.Cohorts, func(a, b models.CohortRow) int {
		return a.Cohort.Compare(b.Cohort)
	})

	return matrix, nil
}

// Result bundles everything one pass over the rows produces.
type Result struct {
	Assignments []models.Assignment
	Matrix      *models.RetentionMatrix
	Customers   int
}

// Compute assigns cohorts and builds the retention matrix in one pass.
func Compute(rows []models.Transaction) (*Result, error) {
	assignments, err := Assign(rows)
	if err != nil {
		return nil, err
	}

	matrix, err := BuildMatrix(assignments)
	if err != nil {
		return nil, err
	}

	customers := 0
	for _, row := range matrix.Cohorts {
		customers += row.Size
	}

	return &Result{
		Assignments: assignments,
		Matrix:      matrix,
		Customers:   customers,
	}, nil
}

func rowNumber(tx models.Transaction, i int) int {
	if tx.Row > 0 {
		return tx.Row
	}
	return i + 1
}
