package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/mailbatch/internal/dataset"
)

// SuffixLayout is the timestamp inserted before the extension of a
// written file
const SuffixLayout = "20060102150405"

const sheetName = "Sheet1"

var timestampSuffix = regexp.MustCompile(`_(\d{14}|\d{8}_\d{6})$`)

const (
	fillSent   = "#C6EFCE"
	fillFailed = "#FFC7CE"
	fillHeader = "#D9E1F2"

	minColWidth = 10
	maxColWidth = 50
)

// Persister stores a written file and returns where it ended up
type Persister interface {
	Save(ctx context.Context, data []byte, filename string) (string, error)
}

// Gateway writes datasets through a Persister
type Gateway struct {
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithClock overrides the clock used for output names
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway
func NewGateway(p Persister, opts ...Option) *Gateway {
	g := &Gateway{
		persister: p,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Write serializes ds under a timestamped version of originalName and
// persists it. It returns the persisted location.
func (g *Gateway) Write(ctx context.Context, ds *dataset.Dataset, originalName string) (string, error) {
	name := OutputName(originalName, g.now())

	data, err := g.Encode(ds, name)
	if err != nil {
		return "", err
	}

	location, err := g.persister.Save(ctx, data, name)
	if err != nil {
		return "", err
	}

	g.logger.Info("dataset written", "file", name, "location", location, "rows", ds.Len())
	return location, nil
}

// OutputName inserts a timestamp suffix before the extension, replacing
// one already present. Names that are not CSV are written as .xlsx.
func OutputName(original string, t time.Time) string {
	base := filepath.Base(original)
	if base == "." || base == string(filepath.Separator) {
		base = "recipients"
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = timestampSuffix.ReplaceAllString(stem, "")
	if stem == "" {
		stem = "recipients"
	}

	if !strings.EqualFold(ext, ".csv") {
		ext = ".xlsx"
	}
	return stem + "_" + t.Format(SuffixLayout) + ext
}

// Encode serializes ds in the format implied by name: headers first,
// then every row's values in header order
func (g *Gateway) Encode(ds *dataset.Dataset, name string) ([]byte, error) {
	format, err := FormatOf(name)
	if err != nil {
		format = FormatXLSX
	}
	if format == FormatCSV {
		return encodeCSV(ds)
	}
	return g.encodeXLSX(ds)
}

func encodeCSV(ds *dataset.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(ds.Headers); err != nil {
		return nil, err
	}
	record := make([]string, len(ds.Headers))
	for _, row := range ds.Rows {
		for i, h := range ds.Headers {
			v, _ := row.Get(h)
			record[i] = dataset.ValueString(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Gateway) encodeXLSX(ds *dataset.Dataset) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	for c, h := range ds.Headers {
		cell, err := excelize.CoordinatesToCellName(c+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for r, row := range ds.Rows {
		for c, h := range ds.Headers {
			v, _ := row.Get(h)
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, fmt.Errorf("failed to write cell %s: %w", cell, err)
			}
		}
	}

	if err := g.style(f, ds); err != nil {
		g.logger.Debug("spreadsheet styling skipped", "error", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// style applies presentation only; a failure leaves plain cells
func (g *Gateway) style(f *excelize.File, ds *dataset.Dataset) error {
	if len(ds.Headers) == 0 {
		return nil
	}

	for c, h := range ds.Headers {
		col, err := excelize.ColumnNumberToName(c + 1)
		if err != nil {
			return err
		}
		width := utf8.RuneCountInString(h)
		for _, row := range ds.Rows {
			v, _ := row.Get(h)
			if n := utf8.RuneCountInString(dataset.ValueString(v)); n > width {
				width = n
			}
		}
		width = min(max(width+2, minColWidth), maxColWidth)
		if err := f.SetColWidth(sheetName, col, col, float64(width)); err != nil {
			return err
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(ds.Headers))
	if err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{fillHeader}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetName, "A1", lastCol+"1", header); err != nil {
		return err
	}

	sent, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{fillSent}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	failed, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{fillFailed}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	emailCol := -1
	if key, ok := FindEmailColumn(ds.Rows); ok {
		for c, h := range ds.Headers {
			if h == key {
				emailCol = c
				break
			}
		}
	}

	for r, row := range ds.Rows {
		line := r + 2
		switch row.Status() {
		case dataset.StatusSent:
			err = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", line), fmt.Sprintf("%s%d", lastCol, line), sent)
		case dataset.StatusFailed:
			err = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", line), fmt.Sprintf("%s%d", lastCol, line), failed)
		}
		if err != nil {
			return err
		}

		if emailCol < 0 {
			continue
		}
		addr := row.Email()
		if !strings.Contains(addr, "@") {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(emailCol+1, line)
		if err != nil {
			return err
		}
		if err := f.SetCellHyperLink(sheetName, cell, "mailto:"+addr, "External"); err != nil {
			return err
		}
	}

	return f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
