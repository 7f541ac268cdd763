package handlers

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/observability"
	"cohort-dashboard/internal/services"
)

const (
	uploadField     = "file"
	multipartMemory = 8 << 20
	maxQuestionBody = 16 << 10
)

type APIHandlers struct {
	cohorts   *services.Cohorts
	logger    *slog.Logger
	maxUpload int64
}

func NewAPIHandlers(cohorts *services.Cohorts, logger *slog.Logger, maxUpload int64) *APIHandlers {
	return &APIHandlers{
		cohorts:   cohorts,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

type commentaryRequest struct {
	Question string `json:"question"`
}

type commentaryResponse struct {
	Question   string `json:"question"`
	Commentary string `json:"commentary"`
}

func (h *APIHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	errors.WriteError(w, h.logger, err, observability.GetRequestID(r.Context()))
}

// readUpload pulls the uploaded file out of a multipart request, bounded by
// the configured size.
func (h *APIHandlers) readUpload(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, nil, errors.BadRequest("upload too large").WithDetails("limit is %d bytes", tooLarge.Limit)
		}
		return nil, nil, errors.BadRequestWrap(err, "expected a multipart form upload")
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return nil, nil, errors.BadRequestWrap(err, "missing file").WithDetails("form field %q", uploadField)
	}
	return file, header, nil
}

func (h *APIHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer file.Close()

	analysis, err := h.cohorts.Analyze(r.Context(), header.Filename, file)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	errors.WriteSuccess(w, analysis)
}

// HandleUploadForm backs the dashboard's plain HTML form and redirects back
// to the page, carrying any error message in the query string.
func (h *APIHandlers) HandleUploadForm(w http.ResponseWriter, r *http.Request) {
	target := "/"

	file, header, err := h.readUpload(w, r)
	if err == nil {
		defer file.Close()
		_, err = h.cohorts.Analyze(r.Context(), header.Filename, file)
	}
	if err != nil {
		h.logger.Warn("upload failed",
			"error", err,
			"request_id", observability.GetRequestID(r.Context()),
		)
		target = "/?error=" + url.QueryEscape(userMessage(err))
	}

	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *APIHandlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.cohorts.Current()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	errors.WriteSuccessWithHeaders(w, analysis, map[string]string{
		"Cache-Control": "no-store",
	})
}

func (h *APIHandlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.cohorts.Summary()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(summary))
}

func (h *APIHandlers) HandleHeatmap(w http.ResponseWriter, r *http.Request) {
	png, err := h.cohorts.Heatmap()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (h *APIHandlers) HandleCommentary(w http.ResponseWriter, r *http.Request) {
	var req commentaryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBody)).Decode(&req); err != nil {
		h.fail(w, r, errors.BadRequestWrap(err, "expected a JSON body with a question"))
		return
	}

	text, err := h.cohorts.Commentary(r.Context(), req.Question)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	errors.WriteSuccess(w, commentaryResponse{Question: req.Question, Commentary: text})
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	errors.WriteSuccess(w, healthData)
}

func (h *APIHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	errors.WriteSuccess(w, h.cohorts.Stats())
}

// userMessage is the text shown on the page for a failed action.
func userMessage(err error) string {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	if appErr.Details != "" {
		return appErr.Message + ": " + appErr.Details
	}
	return appErr.Message
}
