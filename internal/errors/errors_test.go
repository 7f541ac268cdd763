package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err    *AppError
		status int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{EmptyInput("empty"), http.StatusBadRequest},
		{Schema("schema"), http.StatusUnprocessableEntity},
		{Parse("parse"), http.StatusUnprocessableEntity},
		{NotFound("missing"), http.StatusNotFound},
		{RateLimit("slow down"), http.StatusTooManyRequests},
		{Service(fmt.Errorf("down"), "service"), http.StatusBadGateway},
		{Internal("oops"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			if tt.err.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", tt.err.StatusCode, tt.status)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	cause := fmt.Errorf("bad cell")
	wrapped := fmt.Errorf("load: %w", ParseWrap(cause, "invalid date"))

	if got := CodeOf(wrapped); got != CodeParse {
		t.Errorf("CodeOf() = %s, want %s", got, CodeParse)
	}
	if !Is(wrapped, CodeParse) || Is(wrapped, CodeSchema) {
		t.Error("Is() should match only the wrapped code")
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("the cause should stay reachable through Unwrap")
	}
	if CodeOf(fmt.Errorf("plain")) != CodeInternal {
		t.Error("plain errors should report INTERNAL_ERROR")
	}
	if Is(nil, CodeInternal) {
		t.Error("Is(nil) should be false")
	}
}

func TestAppError_Error(t *testing.T) {
	err := Schema("missing column").WithDetails("column %q", "Date")
	if err.Error() != "SCHEMA_ERROR: missing column" || err.Details != `column "Date"` {
		t.Errorf("Error() = %q, Details = %q", err.Error(), err.Details)
	}

	wrapped := Service(fmt.Errorf("timeout"), "commentary service failed")
	if !strings.Contains(wrapped.Error(), "caused by: timeout") {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, testLogger(), Service(fmt.Errorf("secret upstream detail"), "commentary service failed"), "req-1")

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if strings.Contains(w.Body.String(), "secret upstream detail") {
		t.Error("the cause must not be sent to the client")
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if resp.Success || resp.Error.Code != CodeService || resp.Error.RequestID != "req-1" {
		t.Errorf("unexpected response: %+v", resp.Error)
	}
}

func TestWriteError_PlainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, testLogger(), fmt.Errorf("disk on fire"), "")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Error("unexpected error text leaked to the client")
	}
}

func TestWriteSuccessWithHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessWithHeaders(w, map[string]int{"cohorts": 3}, map[string]string{"Cache-Control": "no-store"})

	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("headers = %v", w.Header())
	}

	var resp struct {
		Data    map[string]int `json:"data"`
		Success bool           `json:"success"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Data["cohorts"] != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
}
