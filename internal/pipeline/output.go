package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ddiexposure/internal/exposure"
	"ddiexposure/internal/tables"
)

// Output stores the result of one definition.
type Output interface {
	Write(ctx context.Context, runID uuid.UUID, res *Result) error
}

// Ledger records run and definition outcomes.
type Ledger interface {
	StartRun(ctx context.Context, runID uuid.UUID, catalog string, started time.Time) error
	RecordDefinition(ctx context.Context, runID uuid.UUID, defID, errMsg string) error
	FinishRun(ctx context.Context, runID uuid.UUID, ok, failed int, finished time.Time) error
}

// ExposureWriter is the part of a database sink an Output needs.
type ExposureWriter interface {
	WriteExposures(ctx context.Context, runID uuid.UUID, defID string, v exposure.Variant, eps []exposure.Episode) (int64, error)
}

// ParquetOutput writes one exposure file per definition and variant, plus
// audit files of clipped episodes and overlaps when Audit is set.
type ParquetOutput struct {
	Dir   string
	Audit bool
}

func (o *ParquetOutput) Write(_ context.Context, runID uuid.UUID, res *Result) error {
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, v := range exposure.Variants {
		eps, ok := res.Exposures[v]
		if !ok {
			continue
		}
		path := filepath.Join(o.Dir, tables.ExposureFileName(res.DefinitionID, v))
		if err := tables.WriteFile(path, tables.ExposureRows(runID.String(), eps)); err != nil {
			return err
		}
	}
	if !o.Audit {
		return nil
	}
	base := filepath.Join(o.Dir, "audit")
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	if err := tables.WriteFile(filepath.Join(base, tables.AuditFileName(res.DefinitionID, "clipped")),
		tables.ClippedRows(res.DefinitionID, res.Clipped)); err != nil {
		return err
	}
	return tables.WriteFile(filepath.Join(base, tables.AuditFileName(res.DefinitionID, "overlaps")),
		tables.OverlapRows(res.Overlaps))
}

// DatabaseOutput copies exposures into a database.
type DatabaseOutput struct {
	Sink ExposureWriter
}

func (o *DatabaseOutput) Write(ctx context.Context, runID uuid.UUID, res *Result) error {
	for _, v := range exposure.Variants {
		eps, ok := res.Exposures[v]
		if !ok {
			continue
		}
		if _, err := o.Sink.WriteExposures(ctx, runID, res.DefinitionID, v, eps); err != nil {
			return err
		}
	}
	return nil
}
