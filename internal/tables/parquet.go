package tables

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const flushInterval = 100_000

// Writer writes rows of one table to a Parquet file.
//
// Zstd keeps exposure and audit files small; rows are flushed into a new
// row group every flushInterval rows so a large audit dump does not sit in
// memory.
type Writer[T any] struct {
	path   string
	file   *os.File
	writer *parquet.GenericWriter[T]
	count  int
}

// NewWriter creates path and a writer for T.
func NewWriter[T any](path string) (*Writer[T], error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}
	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("ddiexposure", "1.0", ""),
	)
	return &Writer[T]{path: path, file: file, writer: writer}, nil
}

// Write writes a batch of rows.
func (w *Writer[T]) Write(rows []T) error {
	for len(rows) > 0 {
		n := min(len(rows), flushInterval-w.count%flushInterval)
		if _, err := w.writer.Write(rows[:n]); err != nil {
			return fmt.Errorf("write %s: %w", w.path, err)
		}
		w.count += n
		rows = rows[n:]
		if w.count%flushInterval == 0 {
			if err := w.writer.Flush(); err != nil {
				return fmt.Errorf("flush %s: %w", w.path, err)
			}
		}
	}
	return nil
}

// Close flushes the final row group and closes the file.
func (w *Writer[T]) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// Count returns the number of rows written.
func (w *Writer[T]) Count() int { return w.count }

// WriteFile writes rows to path in one go.
func WriteFile[T any](path string, rows []T) error {
	w, err := NewWriter[T](path)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadFile reads every row of a Parquet file into T.
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows[:n], nil
}
