package mapper

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/lawbridge/store"
)

// ErrUnsupportedTable is returned for import files that are neither CSV nor XLSX.
var ErrUnsupportedTable = errors.New("only .csv and .xlsx mapping files are supported")

// ImportReport summarises a curated import.
type ImportReport struct {
	Success int        `json:"success_count"`
	Kept    int        `json:"kept_count"`
	Errors  []RowError `json:"errors"`
}

// column header aliases. A column named after a code (ipc_section) lets rows
// carry bare section numbers.
var headerAliases = map[string]struct {
	field string
	code  string
}{
	"old_section_id": {"old", ""},
	"old_section":    {"old", ""},
	"old":            {"old", ""},
	"ipc_section":    {"old", "IPC"},
	"ipc":            {"old", "IPC"},
	"new_section_id": {"new", ""},
	"new_section":    {"new", ""},
	"new":            {"new", ""},
	"bns_section":    {"new", "BNS"},
	"bns":            {"new", "BNS"},
	"change_type":    {"change", ""},
	"change":         {"change", ""},
	"notes":          {"notes", ""},
	"note":           {"notes", ""},
}

type columnSpec struct {
	index int
	code  string
}

// ImportFile imports curated mappings from a .csv or .xlsx file.
func (m *Mapper) ImportFile(ctx context.Context, path string) (*ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "opening mapping file", goerr.V("path", path))
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return m.ImportCSV(ctx, f)
	case ".xlsx":
		return m.ImportXLSX(ctx, f)
	default:
		return nil, goerr.Wrap(ErrUnsupportedTable, "importing mappings", goerr.V("path", path))
	}
}

// ImportCSV imports curated mappings from CSV with a header row.
func (m *Mapper) ImportCSV(ctx context.Context, r io.Reader) (*ImportReport, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows [][]string
	var lines []int
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(ErrInvalidMapping, "reading CSV: "+err.Error())
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, rec)
		lines = append(lines, line)
	}
	return m.importRows(ctx, rows, lines)
}

// ImportXLSX imports curated mappings from the first sheet of a workbook.
func (m *Mapper) ImportXLSX(ctx context.Context, r io.Reader) (*ImportReport, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidMapping, "opening XLSX: "+err.Error())
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, goerr.Wrap(ErrInvalidMapping, "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidMapping, "reading sheet: "+err.Error(), goerr.V("sheet", sheets[0]))
	}
	lines := make([]int, len(rows))
	for i := range lines {
		lines[i] = i + 1
	}
	return m.importRows(ctx, rows, lines)
}

// importRows applies a header row plus data rows; lines holds the source
// line of each row for error reports.
func (m *Mapper) importRows(ctx context.Context, rows [][]string, lines []int) (*ImportReport, error) {
	if len(rows) == 0 {
		return nil, goerr.Wrap(ErrInvalidMapping, "mapping table is empty")
	}
	cols := make(map[string]columnSpec)
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.ReplaceAll(key, " ", "_")
		if a, ok := headerAliases[key]; ok {
			if _, dup := cols[a.field]; !dup {
				cols[a.field] = columnSpec{index: i, code: a.code}
			}
		}
	}
	if _, ok := cols["old"]; !ok {
		return nil, goerr.Wrap(ErrInvalidMapping, "header has no old section column", goerr.V("header", rows[0]))
	}

	cell := func(row []string, field string) string {
		c, ok := cols[field]
		if !ok || c.index >= len(row) {
			return ""
		}
		v := strings.TrimSpace(row[c.index])
		if v != "" && c.code != "" && !strings.Contains(v, "-") {
			v = c.code + "-" + v
		}
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rep := &ImportReport{Errors: []RowError{}}
	for i, row := range rows[1:] {
		line := lines[i+1]
		if blank(row) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		mapping := store.Mapping{
			OldSectionID: cell(row, "old"),
			NewSectionID: cell(row, "new"),
			ChangeType:   store.ChangeType(cell(row, "change")),
			Notes:        cell(row, "notes"),
		}
		if mapping.ChangeType == "" && mapping.NewSectionID == "" {
			mapping.ChangeType = store.ChangeRepealed
		}
		written, err := m.putCuratedLocked(ctx, mapping, store.SourceCurated)
		if err != nil {
			if errors.Is(err, ErrInvalidMapping) || errors.Is(err, ErrInvalidSectionID) {
				rep.Errors = append(rep.Errors, RowError{Row: line, OldSectionID: mapping.OldSectionID, Error: err.Error()})
				continue
			}
			return rep, err
		}
		if written {
			rep.Success++
		} else {
			rep.Kept++
		}
	}
	return rep, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var exportHeader = []string{"old_section_id", "new_section_id", "change_type", "confidence", "source", "version", "notes"}

func exportRecord(mp store.Mapping) []string {
	return []string{
		mp.OldSectionID,
		mp.NewSectionID,
		string(mp.ChangeType),
		strconv.FormatFloat(mp.Confidence, 'f', -1, 64),
		string(mp.Source),
		strconv.Itoa(mp.Version),
		mp.Notes,
	}
}

// ExportJSON writes every active mapping as an indented JSON array.
func (m *Mapper) ExportJSON(ctx context.Context, w io.Writer) error {
	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	if list == nil {
		list = []store.Mapping{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

// ExportCSV writes every active mapping as CSV in the import column layout.
func (m *Mapper) ExportCSV(ctx context.Context, w io.Writer) error {
	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, mp := range list {
		if err := cw.Write(exportRecord(mp)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportXLSX writes every active mapping to a single-sheet workbook.
func (m *Mapper) ExportXLSX(ctx context.Context, w io.Writer) error {
	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	write := func(row int, values []string) error {
		for col, v := range values {
			ref, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellStr(sheet, ref, v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(1, exportHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, mp := range list {
		if err := write(i+2, exportRecord(mp)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	return f.Write(w)
}

// Export writes active mappings in the named format: json, csv or xlsx.
func (m *Mapper) Export(ctx context.Context, format string, w io.Writer) error {
	switch strings.ToLower(format) {
	case "", "json":
		return m.ExportJSON(ctx, w)
	case "csv":
		return m.ExportCSV(ctx, w)
	case "xlsx":
		return m.ExportXLSX(ctx, w)
	default:
		return goerr.New("unknown export format", goerr.V("format", format))
	}
}
