package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cohort-dashboard/internal/cohort"
	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/loader"
	"cohort-dashboard/internal/models"
	"cohort-dashboard/internal/observability"
	"cohort-dashboard/internal/render"
	"cohort-dashboard/internal/report"
)

const previewRows = 5

// Commentator turns a cohort summary and a question into written commentary.
type Commentator interface {
	Commentary(ctx context.Context, summary, question string) (string, error)
}

type Options struct {
	Sheet               string
	CommentaryPerMinute int
}

// Cohorts runs the retention pipeline for one upload at a time and keeps the
// latest result for the page to render. A new upload replaces it.
type Cohorts struct {
	mu       sync.RWMutex
	current  *models.Analysis
	summary  string
	heatmap  []byte
	sheet    string
	llm      Commentator
	limiter  *rate.Limiter
	logger   *slog.Logger
	analyses atomic.Int64
	comments atomic.Int64
	failures atomic.Int64
}

func NewCohorts(llm Commentator, opts Options, logger *slog.Logger) *Cohorts {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.CommentaryPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.CommentaryPerMinute))
	}

	return &Cohorts{
		sheet:   opts.Sheet,
		llm:     llm,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Analyze parses an uploaded file and computes its retention matrix. Any
// error leaves the previous analysis in place.
func (c *Cohorts) Analyze(ctx context.Context, name string, r io.Reader) (*models.Analysis, error) {
	loadCtx, span := observability.StartSpan(ctx, "cohort.load")
	span.SetTag("source", name)
	rows, err := loader.Load(loadCtx, name, r, loader.Options{Sheet: c.sheet})
	if err != nil {
		span.SetError(err)
		span.End(loadCtx, c.logger)
		c.failures.Add(1)
		return nil, err
	}
	span.SetTag("rows", strconv.Itoa(len(rows)))
	span.End(loadCtx, c.logger)

	return c.SetData(ctx, name, rows)
}

// LoadFile analyses a file on disk, used for the optional startup preload.
func (c *Cohorts) LoadFile(ctx context.Context, path string) (*models.Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return c.Analyze(ctx, filepath.Base(path), f)
}

// SetData runs the cohort computation on rows that are already loaded.
func (c *Cohorts) SetData(ctx context.Context, source string, rows []models.Transaction) (*models.Analysis, error) {
	ctx, span := observability.StartSpan(ctx, "cohort.compute")
	defer span.End(ctx, c.logger)

	res, err := cohort.Compute(rows)
	if err != nil {
		span.SetError(err)
		c.failures.Add(1)
		return nil, err
	}

	analysis := &models.Analysis{
		ID:        uuid.New(),
		Source:    source,
		Rows:      len(rows),
		Customers: res.Customers,
		Matrix:    res.Matrix,
		Preview:   buildPreview(rows, res.Assignments),
		CreatedAt: time.Now().UTC(),
	}
	span.SetTag("analysis_id", analysis.ID.String())
	span.SetTag("cohorts", strconv.Itoa(res.Matrix.Len()))

	c.mu.Lock()
	c.current = analysis
	c.summary = report.Summary(res.Matrix)
	c.heatmap = nil
	c.mu.Unlock()

	c.analyses.Add(1)
	c.logger.Info("cohort analysis complete",
		"analysis_id", analysis.ID,
		"source", source,
		"rows", analysis.Rows,
		"customers", analysis.Customers,
		"cohorts", res.Matrix.Len(),
		"request_id", observability.GetRequestID(ctx),
	)
	return analysis, nil
}

func buildPreview(rows []models.Transaction, assignments []models.Assignment) []models.PreviewRow {
	n := min(previewRows, len(rows))
	preview := make([]models.PreviewRow, n)
	for i := range n {
		preview[i] = models.PreviewRow{
			Row:           assignments[i].Row,
			CustomerID:    rows[i].CustomerID,
			Date:          rows[i].Date,
			CohortMonth:   assignments[i].CohortMonth,
			PurchaseMonth: assignments[i].PurchaseMonth,
			Index:         assignments[i].Index,
			Extra:         rows[i].Extra,
		}
	}
	return preview
}

func (c *Cohorts) Current() (*models.Analysis, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return nil, errors.NotFound("no cohort data uploaded yet")
	}
	return c.current, nil
}

func (c *Cohorts) Summary() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return "", errors.NotFound("no cohort data uploaded yet")
	}
	return c.summary, nil
}

// Heatmap returns the PNG for the current analysis, rendering it on first use.
func (c *Cohorts) Heatmap() ([]byte, error) {
	c.mu.RLock()
	current, cached := c.current, c.heatmap
	c.mu.RUnlock()

	if current == nil {
		return nil, errors.NotFound("no cohort data uploaded yet")
	}
	if cached != nil {
		return cached, nil
	}

	png, err := render.HeatmapPNG(current.Matrix)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current == current {
		c.heatmap = png
	}
	c.mu.Unlock()
	return png, nil
}

// Commentary sends the current summary and the question to the model once.
func (c *Cohorts) Commentary(ctx context.Context, question string) (string, error) {
	summary, err := c.Summary()
	if err != nil {
		return "", err
	}

	if c.llm == nil {
		return "", errors.Service(fmt.Errorf("no model client configured"), "commentary service unavailable")
	}

	if !c.limiter.Allow() {
		return "", errors.RateLimit("commentary requested too often, try again shortly")
	}

	ctx, span := observability.StartSpan(ctx, "cohort.commentary")
	defer span.End(ctx, c.logger)

	text, err := c.llm.Commentary(ctx, summary, question)
	if err != nil {
		span.SetError(err)
		if errors.CodeOf(err) != errors.CodeService {
			err = errors.Service(err, "commentary service failed")
		}
		return "", err
	}

	c.comments.Add(1)
	return text, nil
}

func (c *Cohorts) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[string]any{
		"analyses_run":     c.analyses.Load(),
		"analyses_failed":  c.failures.Load(),
		"commentaries_run": c.comments.Load(),
		"has_data":         c.current != nil,
	}
	if c.current != nil {
		stats["analysis_id"] = c.current.ID
		stats["source"] = c.current.Source
		stats["rows"] = c.current.Rows
		stats["customers"] = c.current.Customers
		stats["cohorts"] = c.current.Matrix.Len()
		stats["created_at"] = c.current.CreatedAt
	}
	return stats
}
