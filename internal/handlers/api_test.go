package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"cohort-dashboard/internal/services"
)

const testCSV = `Customer_ID,Date
A,2023-01-05
B,2023-01-20
A,2023-02-03
A,2023-03-14
B,2023-02-27
C,2023-02-01
`

type fakeCommentator struct {
	mu       sync.Mutex
	question string
	reply    string
	err      error
}

func (f *fakeCommentator) Commentary(ctx context.Context, summary, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.question = question
	return f.reply, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestCohorts(t *testing.T, llm services.Commentator) *services.Cohorts {
	t.Helper()
	c := services.NewCohorts(llm, services.Options{}, testLogger())
	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(testCSV)); err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}
	return c
}

func uploadRequest(t *testing.T, target, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(uploadField, filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	return response
}

func errorCode(response map[string]any) string {
	e, _ := response["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestNewAPIHandlers(t *testing.T) {
	cohorts := services.NewCohorts(nil, services.Options{}, nil)
	handlers := NewAPIHandlers(cohorts, slog.Default(), 1<<20)

	if handlers == nil {
		t.Fatal("NewAPIHandlers() returned nil")
	}
	if handlers.cohorts != cohorts {
		t.Error("NewAPIHandlers() should set cohorts field")
	}
	if handlers.maxUpload != 1<<20 {
		t.Errorf("maxUpload = %d", handlers.maxUpload)
	}
}

func TestAPIHandlers_HandleUpload(t *testing.T) {
	cohorts := services.NewCohorts(nil, services.Options{}, testLogger())
	handlers := NewAPIHandlers(cohorts, testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleUpload(w, uploadRequest(t, "/api/cohorts", "sales.csv", testCSV))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type 'application/json', got %q", ct)
	}

	response := decodeResponse(t, w)
	if success, ok := response["success"].(bool); !ok || !success {
		t.Error("expected success=true in response")
	}

	data, _ := response["data"].(map[string]any)
	if data["source"] != "sales.csv" || data["customers"] != float64(3) {
		t.Errorf("unexpected analysis: %v", data)
	}

	matrix, _ := data["matrix"].(map[string]any)
	rows, _ := matrix["cohorts"].([]any)
	if len(rows) != 2 {
		t.Errorf("expected 2 cohorts, got %d", len(rows))
	}
}

func TestAPIHandlers_HandleUpload_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		status   int
		code     string
	}{
		{"missing column", "sales.csv", "Customer_ID,Amount\nA,10\n", http.StatusUnprocessableEntity, "SCHEMA_ERROR"},
		{"bad date", "sales.csv", "Customer_ID,Date\nA,yesterday\n", http.StatusUnprocessableEntity, "PARSE_ERROR"},
		{"no rows", "sales.csv", "Customer_ID,Date\n", http.StatusBadRequest, "EMPTY_INPUT"},
		{"unsupported type", "sales.pdf", "whatever", http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewAPIHandlers(services.NewCohorts(nil, services.Options{}, testLogger()), testLogger(), 1<<20)

			w := httptest.NewRecorder()
			handlers.HandleUpload(w, uploadRequest(t, "/api/cohorts", tt.filename, tt.content))

			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
			if code := errorCode(decodeResponse(t, w)); code != tt.code {
				t.Errorf("expected error code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestAPIHandlers_HandleUpload_TooLarge(t *testing.T) {
	handlers := NewAPIHandlers(services.NewCohorts(nil, services.Options{}, testLogger()), testLogger(), 64)

	w := httptest.NewRecorder()
	handlers.HandleUpload(w, uploadRequest(t, "/api/cohorts", "sales.csv", strings.Repeat(testCSV, 20)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestAPIHandlers_HandleUpload_MissingFile(t *testing.T) {
	handlers := NewAPIHandlers(services.NewCohorts(nil, services.Options{}, testLogger()), testLogger(), 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/api/cohorts", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handlers.HandleUpload(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestAPIHandlers_HandleUploadForm(t *testing.T) {
	cohorts := services.NewCohorts(nil, services.Options{}, testLogger())
	handlers := NewAPIHandlers(cohorts, testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleUploadForm(w, uploadRequest(t, "/upload", "sales.csv", testCSV))

	if w.Code != http.StatusSeeOther {
		t.Errorf("expected status %d, got %d", http.StatusSeeOther, w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("expected redirect to /, got %q", loc)
	}
	if _, err := cohorts.Current(); err != nil {
		t.Errorf("upload should set the current analysis: %v", err)
	}

	w = httptest.NewRecorder()
	handlers.HandleUploadForm(w, uploadRequest(t, "/upload", "sales.csv", "Customer_ID\nA\n"))

	if w.Code != http.StatusSeeOther {
		t.Errorf("expected status %d, got %d", http.StatusSeeOther, w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "/?error=") {
		t.Errorf("expected redirect carrying the error, got %q", loc)
	}
}

func TestAPIHandlers_HandleCurrent(t *testing.T) {
	handlers := NewAPIHandlers(services.NewCohorts(nil, services.Options{}, testLogger()), testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleCurrent(w, httptest.NewRequest(http.MethodGet, "/api/cohorts", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d before upload, got %d", http.StatusNotFound, w.Code)
	}

	handlers = NewAPIHandlers(createTestCohorts(t, nil), testLogger(), 1<<20)
	w = httptest.NewRecorder()
	handlers.HandleCurrent(w, httptest.NewRequest(http.MethodGet, "/api/cohorts", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected cache-control 'no-store', got %q", cc)
	}
}

func TestAPIHandlers_HandleSummary(t *testing.T) {
	handlers := NewAPIHandlers(createTestCohorts(t, nil), testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleSummary(w, httptest.NewRequest(http.MethodGet, "/api/summary", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Number of Cohorts: 2") || !strings.Contains(body, "2023-01") {
		t.Errorf("unexpected summary: %s", body)
	}
}

func TestAPIHandlers_HandleHeatmap(t *testing.T) {
	handlers := NewAPIHandlers(createTestCohorts(t, nil), testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleHeatmap(w, httptest.NewRequest(http.MethodGet, "/heatmap.png", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body should be a PNG image")
	}
}

func TestAPIHandlers_HandleCommentary(t *testing.T) {
	fake := &fakeCommentator{reply: "Retention halves after month one."}
	handlers := NewAPIHandlers(createTestCohorts(t, fake), testLogger(), 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/api/commentary", strings.NewReader(`{"question":"What stands out?"}`))
	w := httptest.NewRecorder()
	handlers.HandleCommentary(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	data, _ := decodeResponse(t, w)["data"].(map[string]any)
	if data["commentary"] != "Retention halves after month one." {
		t.Errorf("unexpected commentary: %v", data)
	}
	if fake.question != "What stands out?" {
		t.Errorf("model got question %q", fake.question)
	}
}

func TestAPIHandlers_HandleCommentary_Errors(t *testing.T) {
	t.Run("bad body", func(t *testing.T) {
		handlers := NewAPIHandlers(createTestCohorts(t, &fakeCommentator{}), testLogger(), 1<<20)
		w := httptest.NewRecorder()
		handlers.HandleCommentary(w, httptest.NewRequest(http.MethodPost, "/api/commentary", strings.NewReader("{")))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("service failure", func(t *testing.T) {
		fake := &fakeCommentator{err: fmt.Errorf("upstream unavailable")}
		handlers := NewAPIHandlers(createTestCohorts(t, fake), testLogger(), 1<<20)
		w := httptest.NewRecorder()
		handlers.HandleCommentary(w, httptest.NewRequest(http.MethodPost, "/api/commentary", strings.NewReader(`{}`)))
		if w.Code != http.StatusBadGateway {
			t.Errorf("expected status %d, got %d", http.StatusBadGateway, w.Code)
		}
		if code := errorCode(decodeResponse(t, w)); code != "SERVICE_ERROR" {
			t.Errorf("expected SERVICE_ERROR, got %s", code)
		}
	})
}

func TestAPIHandlers_HandleHealth(t *testing.T) {
	handlers := NewAPIHandlers(services.NewCohorts(nil, services.Options{}, nil), slog.Default(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	data, _ := decodeResponse(t, w)["data"].(map[string]any)
	if data["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %v", data["status"])
	}
	for _, field := range []string{"timestamp", "version"} {
		if _, ok := data[field]; !ok {
			t.Errorf("expected %s field in health data", field)
		}
	}
}

func TestAPIHandlers_HandleStats(t *testing.T) {
	handlers := NewAPIHandlers(createTestCohorts(t, nil), testLogger(), 1<<20)

	w := httptest.NewRecorder()
	handlers.HandleStats(w, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))

	data, _ := decodeResponse(t, w)["data"].(map[string]any)
	if data["has_data"] != true || data["cohorts"] != float64(2) {
		t.Errorf("unexpected stats: %v", data)
	}
}

func BenchmarkAPIHandlers_HandleSummary(b *testing.B) {
	cohorts := services.NewCohorts(nil, services.Options{}, testLogger())
	if _, err := cohorts.Analyze(context.Background(), "sales.csv", strings.NewReader(testCSV)); err != nil {
		b.Fatal(err)
	}
	handlers := NewAPIHandlers(cohorts, testLogger(), 1<<20)

	for b.Loop() {
		w := httptest.NewRecorder()
		handlers.HandleSummary(w, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	}
}
