package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Transaction struct {
	CustomerID string
	Date       time.Time
	Row        int
	Extra      map[string]string
}

// Month is a calendar month with no day or clock component.
type Month struct {
	Year  int
	Month time.Month
}

func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

// Sub returns the number of whole calendar months from o to m.
func (m Month) Sub(o Month) int {
	return (m.Year-o.Year)*12 + int(m.Month) - int(o.Month)
}

func (m Month) Compare(o Month) int {
	switch d := m.Sub(o); {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func (m Month) Before(o Month) bool {
	return m.Compare(o) < 0
}

func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

func (m Month) Time() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func (m Month) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Month) UnmarshalText(text []byte) error {
	parsed, err := ParseMonth(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Assignment struct {
	CustomerID    string `json:"customer_id"`
	Row           int    `json:"row"`
	CohortMonth   Month  `json:"cohort_month"`
	PurchaseMonth Month  `json:"purchase_month"`
	Index         int    `json:"cohort_index"`
}

type RetentionCell struct {
	Index     int     `json:"index"`
	Customers int     `json:"customers"`
	Rate      float64 `json:"rate"`
}

type CohortRow struct {
	Cohort Month           `json:"cohort"`
	Size   int             `json:"size"`
	Cells  []RetentionCell `json:"cells"`
}

// RetentionMatrix is sparse: a missing cell means no customer of that cohort
// transacted at that index, which is not the same as a zero rate.
type RetentionMatrix struct {
	Cohorts []CohortRow `json:"cohorts"`
}

func (m *RetentionMatrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Cohorts)
}

func (m *RetentionMatrix) Rate(cohort Month, index int) (float64, bool) {
	if m == nil {
		return 0, false
	}
	for _, row := range m.Cohorts {
		if row.Cohort != cohort {
			continue
		}
		for _, c := range row.Cells {
			if c.Index == index {
				return c.Rate, true
			}
		}
		return 0, false
	}
	return 0, false
}

// MaxIndex is the largest populated cohort index across all cohorts, or -1.
func (m *RetentionMatrix) MaxIndex() int {
	maxIdx := -1
	if m == nil {
		return maxIdx
	}
	for _, row := range m.Cohorts {
		if n := len(row.Cells); n > 0 && row.Cells[n-1].Index > maxIdx {
			maxIdx = row.Cells[n-1].Index
		}
	}
	return maxIdx
}

type PreviewRow struct {
	Row           int               `json:"row"`
	CustomerID    string            `json:"customer_id"`
	Date          time.Time         `json:"date"`
	CohortMonth   Month             `json:"cohort_month"`
	PurchaseMonth Month             `json:"purchase_month"`
	Index         int               `json:"cohort_index"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type Analysis struct {
	ID        uuid.UUID        `json:"id"`
	Source    string           `json:"source"`
	Rows      int              `json:"rows"`
	Customers int              `json:"customers"`
	Matrix    *RetentionMatrix `json:"matrix"`
	Preview   []PreviewRow     `json:"preview"`
	CreatedAt time.Time        `json:"created_at"`
}
