// Package tabular reads recipient spreadsheets into datasets and writes
// them back with send results.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/mailbatch/internal/dataset"
)

// ErrNoData is returned for a sheet without data rows
var ErrNoData = errors.New("no data")

// ErrUnsupported is returned for file types that cannot be read
var ErrUnsupported = errors.New("unsupported file type")

// ParseError describes a spreadsheet that could not be loaded
type ParseError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Name, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Format is a supported spreadsheet format
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatOf returns the format for a file name
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", ErrUnsupported
	}
}

// ParseFile reads a spreadsheet from disk
func ParseFile(path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Name: filepath.Base(path), Reason: "cannot open file", Err: err}
	}
	defer f.Close()
	return Parse(filepath.Base(path), f)
}

// Parse reads the first sheet of a spreadsheet. The first row holds the
// headers; every following non-blank row becomes a row keyed by header
// with missing cells stored as nil.
func Parse(name string, r io.Reader) (*dataset.Dataset, error) {
	format, err := FormatOf(name)
	if err != nil {
		return nil, &ParseError{Name: name, Reason: "expected .xlsx or .csv", Err: err}
	}

	var (
		headers []string
		records [][]any
	)
	switch format {
	case FormatCSV:
		headers, records, err = readCSV(r)
	default:
		headers, records, err = readXLSX(r)
	}
	if err != nil {
		return nil, &ParseError{Name: name, Reason: "cannot read " + string(format), Err: err}
	}

	if len(records) == 0 {
		return nil, &ParseError{Name: name, Reason: "sheet is empty", Err: ErrNoData}
	}

	rows := make([]*dataset.Row, 0, len(records))
	for _, rec := range records {
		row := dataset.NewRow()
		for i, h := range headers {
			var v any
			if i < len(rec) {
				v = rec[i]
			}
			row.Set(h, v)
		}
		rows = append(rows, row)
	}

	return dataset.New(rows, headers), nil
}

// normalizeHeaders names blank headers ColumnN and makes duplicates
// unique with the lowest free numeric suffix
func normalizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	used := make(map[string]bool, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "Column" + strconv.Itoa(i+1)
		}
		name := h
		for n := 1; used[name]; n++ {
			name = h + "_" + strconv.Itoa(n)
		}
		used[name] = true
		headers[i] = name
	}
	return headers
}

func blank(rec []any) bool {
	for _, v := range rec {
		if v != nil {
			return false
		}
	}
	return true
}

func readCSV(r io.Reader) ([]string, [][]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	lines, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(lines) == 0 {
		return nil, nil, nil
	}

	headers := normalizeHeaders(lines[0])
	var records [][]any
	for _, line := range lines[1:] {
		rec := make([]any, len(line))
		for i, cell := range line {
			if cell != "" {
				rec[i] = cell
			}
		}
		if !blank(rec) {
			records = append(records, rec)
		}
	}
	return headers, records, nil
}

func readXLSX(r io.Reader) ([]string, [][]any, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, nil
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	headers := normalizeHeaders(rows[0])
	var records [][]any
	for r, line := range rows[1:] {
		rec := make([]any, len(line))
		for c, raw := range line {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, nil, err
			}
			typ, err := f.GetCellType(sheet, cell)
			if err != nil {
				return nil, nil, err
			}
			rec[c] = cellValue(typ, raw)
		}
		if !blank(rec) {
			records = append(records, rec)
		}
	}
	return headers, records, nil
}

// cellValue restores the scalar type of a raw cell. Cells without an
// explicit type hold numbers.
func cellValue(typ excelize.CellType, raw string) any {
	switch typ {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString, excelize.CellTypeFormula, excelize.CellTypeDate:
		if raw == "" {
			return nil
		}
		return raw
	case excelize.CellTypeBool:
		return raw == "1" || strings.EqualFold(raw, "true")
	default:
		if raw == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	}
}

// AddMissingColumn appends name to the headers when absent and stores
// nil under it on every row lacking it. Calling it again changes nothing.
func AddMissingColumn(ds *dataset.Dataset, name string) {
	if !ds.HasHeader(name) {
		ds.Headers = append(ds.Headers, name)
	}
	for _, row := range ds.Rows {
		if !row.Has(name) {
			row.Set(name, nil)
		}
	}
}

// FindEmailColumn returns the first row's key matching "email" without
// regard to case
func FindEmailColumn(rows []*dataset.Row) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	return rows[0].FindKey(dataset.ColumnEmail)
}
