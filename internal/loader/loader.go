package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"cohort-dashboard/internal/errors"
	"cohort-dashboard/internal/models"
)

const (
	CustomerColumn = "Customer_ID"
	DateColumn     = "Date"

	batchSize  = 5000
	maxWorkers = 8

	// Excel serials outside this range are not calendar dates (9999-12-31 is 2958465).
	minExcelSerial = 1
	maxExcelSerial = 2958465
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2 15:04:05",
	"2006-1-2T15:04:05",
	"2006-1-2",
	"2006/01/02",
	"2006/1/2",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"02-Jan-2006",
	"2-Jan-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"2006-01",
	"20060102",
}

// cellDates says how date cells are read. Raw workbook values carry native
// dates as serial day numbers; CSV text never does, so a bare number there is
// a malformed date.
type cellDates struct {
	serials  bool
	date1904 bool
}

func (d cellDates) parse(s string) (time.Time, error) {
	t, err := ParseDate(s)
	if err == nil || !d.serials {
		return t, err
	}
	return ParseSerial(s, d.date1904)
}

type Options struct {
	// Sheet selects a worksheet by name; empty means the first sheet.
	Sheet string
}

// Load reads a spreadsheet or CSV file into transaction rows. The format is
// chosen from the file name's extension.
func Load(ctx context.Context, name string, r io.Reader, opts Options) ([]models.Transaction, error) {
	var (
		table [][]string
		dates cellDates
		err   error
	)

	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		table, dates, err = readWorkbook(r, opts.Sheet)
	case ".csv", ".txt":
		table, err = readCSV(r)
	default:
		return nil, errors.BadRequest("unsupported file type").WithDetails("%q: expected .xlsx or .csv", ext)
	}
	if err != nil {
		return nil, err
	}

	return parseTable(ctx, table, dates)
}

func readWorkbook(r io.Reader, sheet string) ([][]string, cellDates, error) {
	dates := cellDates{serials: true}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, dates, errors.BadRequestWrap(err, "failed to open workbook")
	}
	defer f.Close()

	props, err := f.GetWorkbookProps()
	if err != nil {
		return nil, dates, errors.BadRequestWrap(err, "failed to read workbook properties")
	}
	dates.date1904 = props.Date1904 != nil && *props.Date1904

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, dates, errors.EmptyInput("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	// Raw values keep native dates as serial numbers instead of locale formatted text.
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, dates, errors.BadRequestWrap(err, "failed to read sheet").WithDetails("sheet %q", sheet)
	}
	return rows, dates, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.BadRequestWrap(err, "failed to read CSV")
	}
	return rows, nil
}

type header struct {
	customer int
	date     int
	names    []string
}

func parseHeader(row []string) (header, error) {
	h := header{customer: -1, date: -1, names: make([]string, len(row))}
	for i, name := range row {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		h.names[i] = name
		switch normalize(name) {
		case normalize(CustomerColumn):
			if h.customer < 0 {
				h.customer = i
			}
		case normalize(DateColumn):
			if h.date < 0 {
				h.date = i
			}
		}
	}

	if h.customer < 0 {
		return h, errors.Schema("required column missing").WithDetails("column %q not found in header", CustomerColumn)
	}
	if h.date < 0 {
		return h, errors.Schema("required column missing").WithDetails("column %q not found in header", DateColumn)
	}
	return h, nil
}

func parseTable(ctx context.Context, table [][]string, dates cellDates) ([]models.Transaction, error) {
	if len(table) == 0 {
		return nil, errors.EmptyInput("file is empty")
	}

	h, err := parseHeader(table[0])
	if err != nil {
		return nil, err
	}

	type line struct {
		row   int
		cells []string
	}
	lines := make([]line, 0, len(table)-1)
	for i, cells := range table[1:] {
		if isBlank(cells) {
			continue
		}
		lines = append(lines, line{row: i + 2, cells: cells})
	}
	if len(lines) == 0 {
		return nil, errors.EmptyInput("file has a header but no data rows")
	}

	out := make([]models.Transaction, len(lines))
	rowErrs := make([]error, len(lines))

	for start := 0; start < len(lines); start += batchSize {
		end := min(start+batchSize, len(lines))

		var g errgroup.Group
		g.SetLimit(maxWorkers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				out[i], rowErrs[i] = parseRow(h, dates, lines[i].row, lines[i].cells)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Report the earliest bad row so the same file always fails the same way.
		for i := start; i < end; i++ {
			if rowErrs[i] != nil {
				return nil, rowErrs[i]
			}
		}
	}

	return out, nil
}

func parseRow(h header, dates cellDates, rowNum int, cells []string) (models.Transaction, error) {
	customer := strings.TrimSpace(cell(cells, h.customer))
	if customer == "" {
		return models.Transaction{}, errors.Schema("missing customer id").WithDetails("row %d", rowNum)
	}

	raw := strings.TrimSpace(cell(cells, h.date))
	date, err := dates.parse(raw)
	if err != nil {
		return models.Transaction{}, errors.ParseWrap(err, "malformed date").WithDetails("row %d: %q", rowNum, raw)
	}

	var extra map[string]string
	for i, v := range cells {
		if i == h.customer || i == h.date || i >= len(h.names) || h.names[i] == "" {
			continue
		}
		if extra == nil {
			extra = make(map[string]string, len(cells))
		}
		extra[h.names[i]] = strings.TrimSpace(v)
	}

	return models.Transaction{
		CustomerID: customer,
		Date:       date,
		Row:        rowNum,
		Extra:      extra,
	}, nil
}

// ParseDate accepts the common textual date layouts. Bare numbers are
// rejected; only workbook cells may carry serial day numbers.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseSerial converts an Excel serial day number in the workbook's 1900 or
// 1904 date system.
func ParseSerial(s string, date1904 bool) (time.Time, error) {
	serial, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	if serial < minExcelSerial || serial > maxExcelSerial {
		return time.Time{}, fmt.Errorf("serial %v out of range", serial)
	}
	return excelize.ExcelDateToTime(serial, date1904)
}

func normalize(name string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(name)))
}

func cell(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
