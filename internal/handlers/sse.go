package handlers

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starfederation/datastar-go/datastar"

	"cohort-dashboard/internal/render"
	"cohort-dashboard/internal/report"
	"cohort-dashboard/internal/services"
)

var commentaryTemplate = template.Must(template.New("commentary").Parse(`
<div id="commentary-content"{{if .Error}} class="error"{{end}}>
{{if .Error}}<p><strong>{{.Error}}</strong></p>{{else}}{{range .Paragraphs}}<p>{{.}}</p>{{end}}{{end}}
</div>`))

type commentaryView struct {
	Paragraphs []string
	Error      string
}

type SSEHandlers struct {
	cohorts *services.Cohorts
	logger  *slog.Logger
}

func NewSSEHandlers(cohorts *services.Cohorts, logger *slog.Logger) *SSEHandlers {
	return &SSEHandlers{
		cohorts: cohorts,
		logger:  logger,
	}
}

func (h *SSEHandlers) renderCommentary(view commentaryView) (string, error) {
	var buf strings.Builder
	err := commentaryTemplate.Execute(&buf, view)
	return buf.String(), err
}

// HandleRetention patches the retention table and the cohort signals.
func (h *SSEHandlers) HandleRetention(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)

	analysis, err := h.cohorts.Current()
	if err != nil {
		html, _ := render.RetentionTable(nil)
		sse.PatchElements(html)
		sse.PatchSignals([]byte(`{"hasData":false}`))
		return
	}

	html, err := render.RetentionTable(analysis.Matrix)
	if err != nil {
		h.logger.Error("render retention table", "error", err)
		return
	}
	sse.PatchElements(html)

	signals, err := json.Marshal(map[string]any{
		"hasData":    true,
		"source":     analysis.Source,
		"cohorts":    analysis.Matrix.Len(),
		"customers":  analysis.Customers,
		"rows":       analysis.Rows,
		"analysisId": analysis.ID.String(),
	})
	if err != nil {
		h.logger.Error("marshal retention signals", "error", err)
		return
	}
	sse.PatchSignals(signals)

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type commentarySignals struct {
	Question string `json:"question"`
}

// HandleCommentary reads the question signal, asks the model once and patches
// the answer (or the error) into the page.
func (h *SSEHandlers) HandleCommentary(w http.ResponseWriter, r *http.Request) {
	var signals commentarySignals
	if err := datastar.ReadSignals(r, &signals); err != nil {
		h.logger.Warn("read commentary signals", "error", err)
	}

	sse := datastar.NewSSE(w, r)
	sse.PatchSignals([]byte(`{"thinking":true}`))

	var view commentaryView
	text, err := h.cohorts.Commentary(r.Context(), signals.Question)
	if err != nil {
		view.Error = userMessage(err)
	} else {
		view.Paragraphs = paragraphs(text)
	}

	html, err := h.renderCommentary(view)
	if err != nil {
		h.logger.Error("render commentary", "error", err)
		return
	}
	sse.PatchElements(html)
	sse.PatchSignals([]byte(`{"thinking":false}`))

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// HandleSummary patches the plain-text summary block sent to the model.
func (h *SSEHandlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sse := datastar.NewSSE(w, r)

	summary, err := h.cohorts.Summary()
	if err != nil {
		summary = report.Summary(nil)
	}

	var buf strings.Builder
	buf.WriteString(`<pre id="summary-content">`)
	template.HTMLEscape(&buf, []byte(summary))
	buf.WriteString(`</pre>`)
	sse.PatchElements(buf.String())
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
