// Package pgsink stores exposure episodes and the run ledger in PostgreSQL.
package pgsink

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ddiexposure/internal/exposure"
)

// Schema creates every table the sink writes. It is idempotent.
//
//go:embed schema.sql
var Schema string

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

var exposureCols = []string{
	"run_id", "definition_id", "variant", "bene_id",
	"ddi_episode_id", "ddi_start", "ddi_end", "days_with_ddi",
}

// Sink writes to one database.
type Sink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool against connStr and checks it.
func Connect(ctx context.Context, connStr string, maxConns int32, logger *zap.Logger) (*Sink, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := New(pool, logger)
	s.logger.Info("connected to postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{pool: pool, logger: logger}
}

// Close closes the pool.
func (s *Sink) Close() { s.pool.Close() }

// Migrate applies Schema.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: [16]byte(id), Valid: true} }

// StartRun records a new run as running.
func (s *Sink) StartRun(ctx context.Context, runID uuid.UUID, catalog string, started time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ddi_runs (run_id, started_at, catalog, status) VALUES ($1, $2, $3, $4)`,
		pgUUID(runID), started, catalog, StatusRunning)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stamps the outcome of a run.
func (s *Sink) FinishRun(ctx context.Context, runID uuid.UUID, ok, failed int, finished time.Time) error {
	status := StatusComplete
	switch {
	case ok == 0 && failed > 0:
		status = StatusFailed
	case failed > 0:
		status = StatusPartial
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ddi_runs
		    SET finished_at = $2, status = $3, definitions_ok = $4, definitions_failed = $5
		  WHERE run_id = $1`,
		pgUUID(runID), finished, status, ok, failed)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("finish run %s: run not found", runID)
	}
	return nil
}

// RecordDefinition stores the outcome of one definition. errMsg is empty
// on success.
func (s *Sink) RecordDefinition(ctx context.Context, runID uuid.UUID, defID, errMsg string) error {
	status, errText := "ok", pgtype.Text{}
	if errMsg != "" {
		status, errText = "failed", pgtype.Text{String: errMsg, Valid: true}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ddi_run_definitions (run_id, definition_id, status, error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, definition_id) DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error`,
		pgUUID(runID), defID, status, errText)
	if err != nil {
		return fmt.Errorf("record definition %s: %w", defID, err)
	}
	return nil
}

// WriteExposures replaces the episodes of one definition and variant in a
// run with eps, and stores their summary, in one transaction.
func (s *Sink) WriteExposures(ctx context.Context, runID uuid.UUID, defID string, v exposure.Variant, eps []exposure.Episode) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	id := pgUUID(runID)
	if _, err := tx.Exec(ctx,
		`DELETE FROM ddi_exposure_episodes WHERE run_id = $1 AND definition_id = $2 AND variant = $3`,
		id, defID, string(v)); err != nil {
		return 0, fmt.Errorf("clear %s/%s: %w", defID, v, err)
	}

	rows := make([][]any, 0, len(eps))
	for _, e := range eps {
		rows = append(rows, []any{
			id, defID, string(v), e.BeneID,
			int32(e.EpisodeID), e.Start.Time(), e.End.Time(), int32(e.DaysWithDDI),
		})
	}
	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"ddi_exposure_episodes"},
		exposureCols,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy ddi_exposure_episodes: %w", err)
	}

	sum := exposure.Summarize(defID, v, eps)
	if _, err := tx.Exec(ctx,
		`INSERT INTO ddi_exposure_summary (run_id, definition_id, variant, beneficiaries, episodes, total_days)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, definition_id, variant) DO UPDATE
		    SET beneficiaries = EXCLUDED.beneficiaries, episodes = EXCLUDED.episodes, total_days = EXCLUDED.total_days`,
		id, defID, string(v), sum.Beneficiaries, sum.Episodes, int64(sum.Days)); err != nil {
		return 0, fmt.Errorf("upsert summary %s/%s: %w", defID, v, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("stored exposures",
		zap.String("definition", defID),
		zap.String("variant", string(v)),
		zap.Int64("rows", copied))
	return copied, nil
}
