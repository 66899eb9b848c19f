package tables

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"ddiexposure/internal/episode"
	"ddiexposure/internal/extract"
)

// Format is a table file format.
type Format string

const (
	FormatAuto    Format = ""
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

func formatOf(path string, f Format) (Format, error) {
	if f != FormatAuto {
		return f, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("%s: cannot tell table format from extension", path)
}

// LoadStats counts rows read from one input table.
type LoadStats struct {
	Read     int
	Rejected int
	Filtered int // outside the cohort
}

// Loader reads input tables, optionally restricted to a cohort.
type Loader struct {
	Format Format
	Cohort Cohort
	Logger *zap.Logger
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Loader) hooks(stats *LoadStats) rowHooks {
	return rowHooks{
		reject: func(e *RowError) {
			stats.Rejected++
			// Only the first few rejects are worth a line each.
			if stats.Rejected <= 10 {
				l.logger().Warn("rejected row", zap.String("file", e.Path), zap.Int64("row", e.Row), zap.Error(e.Err))
			}
		},
		progress: func(path string, rows int64) {
			l.logger().Info("reading", zap.String("file", path), zap.Int64("rows", rows), zap.Int("rejected", stats.Rejected))
		},
	}
}

// Dispensing loads a dispensing table.
func (l *Loader) Dispensing(path string) ([]extract.Dispensing, LoadStats, error) {
	var stats LoadStats
	format, err := formatOf(path, l.Format)
	if err != nil {
		return nil, stats, err
	}

	var rows []extract.Dispensing
	switch format {
	case FormatCSV:
		rows, err = readDispensingCSV(path, l.hooks(&stats))
	case FormatParquet:
		var pq []DispensingRow
		pq, err = ReadFile[DispensingRow](path)
		rows = make([]extract.Dispensing, 0, len(pq))
		for _, r := range pq {
			rows = append(rows, r.dispensing())
		}
	default:
		err = fmt.Errorf("unsupported table format %q", format)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("load dispensing: %w", err)
	}

	stats.Read = len(rows) + stats.Rejected
	kept := rows[:0]
	for _, r := range rows {
		if !l.Cohort.Has(r.BeneID) {
			stats.Filtered++
			continue
		}
		kept = append(kept, r)
	}
	l.logger().Info("loaded dispensing",
		zap.String("file", path),
		zap.Int("read", stats.Read),
		zap.Int("rejected", stats.Rejected),
		zap.Int("filtered", stats.Filtered),
		zap.Int("kept", len(kept)))
	return kept, stats, nil
}

// Stays loads a facility-stay table.
func (l *Loader) Stays(path string) ([]episode.Stay, LoadStats, error) {
	var stats LoadStats
	format, err := formatOf(path, l.Format)
	if err != nil {
		return nil, stats, err
	}

	var rows []StayRow
	switch format {
	case FormatCSV:
		rows, err = readStaysCSV(path, l.hooks(&stats))
	case FormatParquet:
		rows, err = ReadFile[StayRow](path)
	default:
		err = fmt.Errorf("unsupported table format %q", format)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("load stays: %w", err)
	}

	stats.Read = len(rows) + stats.Rejected
	out := make([]episode.Stay, 0, len(rows))
	for _, r := range rows {
		if !l.Cohort.Has(r.BeneID) {
			stats.Filtered++
			continue
		}
		out = append(out, r.stay())
	}
	l.logger().Info("loaded stays",
		zap.String("file", path),
		zap.Int("read", stats.Read),
		zap.Int("rejected", stats.Rejected),
		zap.Int("filtered", stats.Filtered),
		zap.Int("kept", len(out)))
	return out, stats, nil
}
