// Package templates holds the server-rendered dashboard page. Dynamic parts
// are filled in over SSE by the datastar handlers.
package templates

import (
	"encoding/json"

	"github.com/a-h/templ"

	"cohort-dashboard/internal/llm"
	"cohort-dashboard/internal/models"
)

const datastarScript = "https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0-RC.6/bundles/datastar.js"

type previewRow struct {
	Row         int
	CustomerID  string
	Date        string
	CohortMonth string
	Index       int
}

type dashboardView struct {
	Script     string
	Signals    string
	Error      string
	HasData    bool
	AnalysisID string
	Source     string
	Rows       int
	Customers  int
	Cohorts    int
	Preview    []previewRow
}

// Dashboard renders the page for the current analysis, which may be nil
// before the first upload. errMsg comes from a failed form upload.
func Dashboard(analysis *models.Analysis, errMsg string) templ.Component {
	view := dashboardView{
		Script:  datastarScript,
		Error:   errMsg,
		HasData: analysis != nil,
	}

	signals, _ := json.Marshal(map[string]any{
		"question": llm.DefaultQuestion,
		"thinking": false,
		"hasData":  view.HasData,
	})
	view.Signals = string(signals)

	if analysis != nil {
		view.AnalysisID = analysis.ID.String()
		view.Source = analysis.Source
		view.Rows = analysis.Rows
		view.Customers = analysis.Customers
		view.Cohorts = analysis.Matrix.Len()
		for _, p := range analysis.Preview {
			view.Preview = append(view.Preview, previewRow{
				Row:         p.Row,
				CustomerID:  p.CustomerID,
				Date:        p.Date.Format("2006-01-02"),
				CohortMonth: p.CohortMonth.String(),
				Index:       p.Index,
			})
		}
	}

	return dashboardPage(view)
}
