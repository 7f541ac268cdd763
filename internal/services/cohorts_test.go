package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/models"
)

const sampleCSV = `Customer_ID,Date,Amount
A,2023-01-05,10
B,2023-01-20,12
A,2023-02-03,9
A,2023-03-14,11
B,2023-02-27,4
C,2023-02-01,30
D,2023-03-31,8
`

type fakeCommentator struct {
	mu       sync.Mutex
	calls    int
	summary  string
	question string
	reply    string
	err      error
}

func (f *fakeCommentator) Commentary(ctx context.Context, summary, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.summary = summary
	f.question = question
	return f.reply, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewCohorts(t *testing.T) {
	c := NewCohorts(nil, Options{}, nil)
	if c == nil {
		t.Fatal("NewCohorts() returned nil")
	}
	if c.logger == nil || c.limiter == nil {
		t.Error("logger and limiter should be initialized")
	}
	if _, err := c.Current(); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("Current() error = %v, want not found", err)
	}
}

func TestCohorts_Analyze(t *testing.T) {
	c := NewCohorts(nil, Options{}, testLogger())

	a, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if a.Rows != 7 || a.Customers != 4 || a.Matrix.Len() != 3 {
		t.Errorf("analysis = rows %d customers %d cohorts %d", a.Rows, a.Customers, a.Matrix.Len())
	}
	if len(a.Preview) != previewRows {
		t.Errorf("preview has %d rows, want %d", len(a.Preview), previewRows)
	}
	if a.Preview[2].Index != 1 || a.Preview[2].CohortMonth.String() != "2023-01" {
		t.Errorf("preview[2] = %+v", a.Preview[2])
	}

	rate, ok := a.Matrix.Rate(models.Month{Year: 2023, Month: time.January}, 2)
	if !ok || rate != 0.5 {
		t.Errorf("Rate(2023-01, 2) = %v, %v", rate, ok)
	}

	cur, err := c.Current()
	if err != nil || cur.ID != a.ID {
		t.Errorf("Current() = %v, %v", cur, err)
	}

	summary, err := c.Summary()
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if !strings.Contains(summary, "Number of Cohorts: 3") {
		t.Errorf("Summary() = %s", summary)
	}
}

func TestCohorts_Analyze_FailureKeepsPrevious(t *testing.T) {
	c := NewCohorts(nil, Options{}, testLogger())

	first, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Analyze(context.Background(), "bad.csv", strings.NewReader("Customer_ID,Date\nA,not-a-date\n"))
	if !errors.Is(err, errors.CodeParse) {
		t.Fatalf("Analyze() error = %v, want parse error", err)
	}

	cur, _ := c.Current()
	if cur.ID != first.ID {
		t.Error("a failed upload should not replace the current analysis")
	}
	if c.Stats()["analyses_failed"].(int64) != 1 {
		t.Errorf("Stats() = %v", c.Stats())
	}
}

func TestCohorts_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCohorts(nil, Options{}, testLogger())
	a, err := c.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if a.Source != "data.csv" {
		t.Errorf("Source = %q", a.Source)
	}

	if _, err := c.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("LoadFile() should fail for a missing file")
	}
}

func TestCohorts_Heatmap(t *testing.T) {
	c := NewCohorts(nil, Options{}, testLogger())
	if _, err := c.Heatmap(); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("Heatmap() error = %v, want not found", err)
	}

	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV)); err != nil {
		t.Fatal(err)
	}

	first, err := c.Heatmap()
	if err != nil {
		t.Fatalf("Heatmap() error = %v", err)
	}
	if !bytes.HasPrefix(first, []byte("\x89PNG")) {
		t.Error("Heatmap() should return a PNG")
	}

	second, _ := c.Heatmap()
	if &first[0] != &second[0] {
		t.Error("Heatmap() should reuse the rendered image")
	}
}

func TestCohorts_Commentary(t *testing.T) {
	fake := &fakeCommentator{reply: "Strong January cohort."}
	c := NewCohorts(fake, Options{}, testLogger())

	if _, err := c.Commentary(context.Background(), "q"); !errors.Is(err, errors.CodeNotFound) {
		t.Errorf("Commentary() before upload error = %v, want not found", err)
	}

	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV)); err != nil {
		t.Fatal(err)
	}

	got, err := c.Commentary(context.Background(), "How is retention?")
	if err != nil {
		t.Fatalf("Commentary() error = %v", err)
	}
	if got != "Strong January cohort." {
		t.Errorf("Commentary() = %q", got)
	}
	if fake.calls != 1 || fake.question != "How is retention?" || !strings.Contains(fake.summary, "Cohort Analysis Summary") {
		t.Errorf("fake saw calls=%d question=%q summary=%q", fake.calls, fake.question, fake.summary)
	}
}

func TestCohorts_Commentary_ServiceError(t *testing.T) {
	fake := &fakeCommentator{err: fmt.Errorf("connection refused")}
	c := NewCohorts(fake, Options{}, testLogger())
	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV)); err != nil {
		t.Fatal(err)
	}

	_, err := c.Commentary(context.Background(), "q")
	if !errors.Is(err, errors.CodeService) {
		t.Errorf("Commentary() error = %v, want service error", err)
	}
	if fake.calls != 1 {
		t.Errorf("model called %d times, want exactly 1 (no retry)", fake.calls)
	}
}

func TestCohorts_Commentary_RateLimited(t *testing.T) {
	fake := &fakeCommentator{reply: "ok"}
	c := NewCohorts(fake, Options{CommentaryPerMinute: 1}, testLogger())
	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV)); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Commentary(context.Background(), "q"); err != nil {
		t.Fatalf("first Commentary() error = %v", err)
	}
	if _, err := c.Commentary(context.Background(), "q"); !errors.Is(err, errors.CodeRateLimit) {
		t.Errorf("second Commentary() error = %v, want rate limit", err)
	}
	if fake.calls != 1 {
		t.Errorf("model called %d times, want 1", fake.calls)
	}
}

func TestCohorts_ConcurrentAccess(t *testing.T) {
	c := NewCohorts(nil, Options{}, testLogger())
	if _, err := c.Analyze(context.Background(), "sales.csv", strings.NewReader(sampleCSV)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Current()
			_, _ = c.Summary()
			_ = c.Stats()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Analyze(context.Background(), "again.csv", strings.NewReader(sampleCSV))
	}()
	wg.Wait()
}

func BenchmarkCohorts_Analyze(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("Customer_ID,Date\n")
	for i := range 5000 {
		fmt.Fprintf(&sb, "C%d,2023-%02d-%02d\n", i%700, 1+i%12, 1+i%28)
	}
	data := sb.String()
	c := NewCohorts(nil, Options{}, testLogger())

	b.ResetTimer()
	for b.Loop() {
		_, _ = c.Analyze(context.Background(), "bench.csv", strings.NewReader(data))
	}
}
