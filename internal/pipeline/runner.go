package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ddiexposure/internal/definition"
	"ddiexposure/internal/exposure"
	"ddiexposure/internal/metrics"
	"ddiexposure/internal/workerpool"
)

// Runner runs a batch of definitions over shared inputs. Definitions are
// independent: one failing never stops the others.
type Runner struct {
	Stages      *Stages
	Inputs      Inputs
	Outputs     []Output
	Ledger      Ledger
	CatalogPath string
	Workers     int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Failure is one definition that did not complete.
type Failure struct {
	DefinitionID string
	Err          error
}

// Summary reports a batch.
type Summary struct {
	RunID     uuid.UUID
	Started   time.Time
	Finished  time.Time
	Succeeded []string
	Failed    []Failure
	Exposures []exposure.Summary
}

// OK reports whether every definition completed.
func (s *Summary) OK() bool { return len(s.Failed) == 0 }

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run processes defs and writes every successful result to each output.
// The returned error is reserved for failures of the run itself, such as
// the ledger being unreachable.
func (r *Runner) Run(ctx context.Context, defs []definition.Definition) (*Summary, error) {
	sum := &Summary{RunID: uuid.New(), Started: time.Now()}

	// A repeated id fails on its own; the first occurrence still runs.
	seen := make(map[string]bool, len(defs))
	unique := make([]definition.Definition, 0, len(defs))
	var repeated []Failure
	for _, d := range defs {
		if seen[d.ID] {
			repeated = append(repeated, Failure{
				DefinitionID: d.ID,
				Err:          fmt.Errorf("%w %q: listed twice in one run", definition.ErrConfig, d.ID),
			})
			continue
		}
		seen[d.ID] = true
		unique = append(unique, d)
	}
	defs = unique

	log := r.logger().With(zap.String("run_id", sum.RunID.String()))
	if r.Ledger != nil {
		if err := r.Ledger.StartRun(ctx, sum.RunID, r.CatalogPath, sum.Started); err != nil {
			return nil, err
		}
	}
	log.Info("run started", zap.Int("definitions", len(defs)), zap.Int("repeated", len(repeated)), zap.Int("workers", r.Workers))

	tasks := make([]*workerpool.Task, len(defs))
	for i, d := range defs {
		tasks[i] = &workerpool.Task{ID: d.ID, Payload: d}
	}
	process := func(ctx context.Context, task *workerpool.Task) (any, error) {
		return r.process(ctx, sum.RunID, task.Payload.(definition.Definition))
	}
	results, err := workerpool.Run(ctx, workerpool.Config{Workers: r.Workers, QueueSize: len(defs)}, process, log, tasks)
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		errMsg := ""
		if res.Success {
			sum.Succeeded = append(sum.Succeeded, res.TaskID)
			sum.Exposures = append(sum.Exposures, res.Data.([]exposure.Summary)...)
			if r.Metrics != nil {
				r.Metrics.Definitions.WithLabelValues("ok").Inc()
			}
		} else {
			sum.Failed = append(sum.Failed, Failure{DefinitionID: res.TaskID, Err: res.Error})
			errMsg = res.Error.Error()
			if r.Metrics != nil {
				r.Metrics.Definitions.WithLabelValues("failed").Inc()
			}
		}
		if r.Ledger != nil {
			if err := r.Ledger.RecordDefinition(ctx, sum.RunID, res.TaskID, errMsg); err != nil {
				log.Warn("could not record definition outcome", zap.String("definition", res.TaskID), zap.Error(err))
			}
		}
	}

	for _, f := range repeated {
		log.Error("definition skipped", zap.String("definition", f.DefinitionID), zap.Error(f.Err))
		sum.Failed = append(sum.Failed, f)
		if r.Metrics != nil {
			r.Metrics.Definitions.WithLabelValues("failed").Inc()
		}
	}

	sum.Finished = time.Now()
	if r.Ledger != nil {
		if err := r.Ledger.FinishRun(ctx, sum.RunID, len(sum.Succeeded), len(sum.Failed), sum.Finished); err != nil {
			return sum, err
		}
	}
	log.Info("run finished",
		zap.Int("succeeded", len(sum.Succeeded)),
		zap.Int("failed", len(sum.Failed)),
		zap.Duration("elapsed", sum.Finished.Sub(sum.Started)))
	return sum, nil
}

func (r *Runner) process(ctx context.Context, runID uuid.UUID, def definition.Definition) (any, error) {
	res, err := r.Stages.Run(ctx, def, r.Inputs)
	if err != nil {
		return nil, err
	}
	for _, out := range r.Outputs {
		if err := out.Write(ctx, runID, res); err != nil {
			return nil, fmt.Errorf("definition %s: write output: %w", def.ID, err)
		}
	}
	return res.Summaries, nil
}
