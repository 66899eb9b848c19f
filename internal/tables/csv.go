// Package tables reads the claims, stay and drug-list tables and writes the
// episode, overlap and exposure tables.
package tables

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"ddiexposure/internal/extract"
	"ddiexposure/internal/interval"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing column")

// csvTable streams a headed CSV file one record at a time.
type csvTable struct {
	path   string
	file   *os.File
	csv    *csv.Reader
	rowNum int64
	colIdx map[string]int // lowercase header → column index

	progress func(path string, rows int64)
	lastLog  time.Time
}

// progressEvery is how often a long read reports how far it got.
const progressEvery = 5 * time.Second

// rowHooks receive rejected rows and progress of a CSV read. Either may be
// nil.
type rowHooks struct {
	reject   func(*RowError)
	progress func(path string, rows int64)
}

func (h rowHooks) rejectRow(e *RowError) {
	if h.reject != nil {
		h.reject(e)
	}
}

func openCSV(path string, required ...string) (*csvTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	buf := bufio.NewReaderSize(file, 256*1024)
	// Skip UTF-8 BOM if present
	if bom, err := buf.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		buf.Discard(3)
	}

	r := csv.NewReader(buf)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	t := &csvTable{path: path, file: file, csv: r, colIdx: make(map[string]int), lastLog: time.Now()}
	header, err := r.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	t.rowNum++
	for i, h := range header {
		t.colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := t.colIdx[col]; !ok {
			file.Close()
			return nil, fmt.Errorf("%s: %w %q", path, ErrMissingColumn, col)
		}
	}
	return t, nil
}

// next returns the next record, or io.EOF.
func (t *csvTable) next() ([]string, error) {
	row, err := t.csv.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%s row %d: %w", t.path, t.rowNum+1, err)
	}
	t.rowNum++
	if t.progress != nil && time.Since(t.lastLog) >= progressEvery {
		t.progress(t.path, t.rowNum-1)
		t.lastLog = time.Now()
	}
	return row, nil
}

func (t *csvTable) Close() error {
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

func valAt(row []string, idx map[string]int, col string) string {
	if i, ok := idx[col]; ok && i < len(row) {
		return strings.ToValidUTF8(strings.TrimSpace(row[i]), "\uFFFD")
	}
	return ""
}

func dayAt(row []string, idx map[string]int, col string) (interval.Day, error) {
	return interval.ParseDay(valAt(row, idx, col))
}

func intAt(row []string, idx map[string]int, col string) (int, error) {
	s := valAt(row, idx, col)
	if s == "" {
		// Missing; Clean drops and counts it.
		return 0, nil
	}
	// Some extracts write supply as "30.0".
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", col, s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s %q is not a whole number", col, s)
	}
	return int(f), nil
}

// RowError describes a rejected input row.
type RowError struct {
	Path string
	Row  int64
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("%s row %d: %v", e.Path, e.Row, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// readDispensingCSV reads bene_id, drug_name, fill_date, days_supply and an
// optional route column. Rows with an unreadable date or supply are handed
// to h and skipped.
func readDispensingCSV(path string, h rowHooks) ([]extract.Dispensing, error) {
	t, err := openCSV(path, "bene_id", "drug_name", "fill_date", "days_supply")
	if err != nil {
		return nil, err
	}
	defer t.Close()
	t.progress = h.progress

	var out []extract.Dispensing
	for {
		row, err := t.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		fill, err := dayAt(row, t.colIdx, "fill_date")
		if err != nil {
			h.rejectRow(&RowError{Path: path, Row: t.rowNum, Err: err})
			continue
		}
		supply, err := intAt(row, t.colIdx, "days_supply")
		if err != nil {
			h.rejectRow(&RowError{Path: path, Row: t.rowNum, Err: err})
			continue
		}
		out = append(out, extract.Dispensing{
			BeneID:     valAt(row, t.colIdx, "bene_id"),
			DrugName:   valAt(row, t.colIdx, "drug_name"),
			FillDate:   fill,
			DaysSupply: supply,
			Route:      valAt(row, t.colIdx, "route"),
		})
	}
}

// readStaysCSV reads bene_id, stay_start, stay_end.
func readStaysCSV(path string, h rowHooks) ([]StayRow, error) {
	t, err := openCSV(path, "bene_id", "stay_start", "stay_end")
	if err != nil {
		return nil, err
	}
	defer t.Close()
	t.progress = h.progress

	var out []StayRow
	for {
		row, err := t.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		start, err := dayAt(row, t.colIdx, "stay_start")
		if err != nil {
			h.rejectRow(&RowError{Path: path, Row: t.rowNum, Err: err})
			continue
		}
		end, err := dayAt(row, t.colIdx, "stay_end")
		if err != nil {
			h.rejectRow(&RowError{Path: path, Row: t.rowNum, Err: err})
			continue
		}
		out = append(out, StayRow{
			BeneID:    valAt(row, t.colIdx, "bene_id"),
			StayStart: int32(start),
			StayEnd:   int32(end),
		})
	}
}

// ReadDrugList reads a drug_name, core_drug[, drug_class] list file.
func ReadDrugList(path string) ([]extract.Entry, error) {
	t, err := openCSV(path, "drug_name", "core_drug")
	if err != nil {
		return nil, err
	}
	defer t.Close()

	var out []extract.Entry
	for {
		row, err := t.next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		e := extract.Entry{
			DrugName: valAt(row, t.colIdx, "drug_name"),
			CoreDrug: valAt(row, t.colIdx, "core_drug"),
			Class:    valAt(row, t.colIdx, "drug_class"),
		}
		if e.DrugName == "" {
			continue
		}
		out = append(out, e)
	}
}
