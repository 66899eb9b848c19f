// Package pipeline runs interaction definitions through extraction, episode
// building, concurrent-use detection and exposure collapsing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ddiexposure/internal/concurrent"
	"ddiexposure/internal/definition"
	"ddiexposure/internal/episode"
	"ddiexposure/internal/exposure"
	"ddiexposure/internal/extract"
	"ddiexposure/internal/interval"
	"ddiexposure/internal/metrics"
	"ddiexposure/internal/tracing"
)

// ErrInvariant marks a definition aborted because an interval came out
// malformed. It wraps interval.ErrInvalid.
var ErrInvariant = errors.New("invariant violated")

// Inputs are the tables shared by every definition of a run.
type Inputs struct {
	Dispensing []extract.Dispensing
	Stays      *episode.StayIndex
}

// Options tune a definition run.
type Options struct {
	Variants []exposure.Variant
	// BeneWorkers splits episode building across beneficiaries.
	BeneWorkers int
	// KeepIntermediate retains clipped episodes and overlaps in the Result.
	KeepIntermediate bool
}

// Result is everything one definition produced.
type Result struct {
	DefinitionID string
	Clean        extract.CleanStats
	Episodes     int
	Clipped      []episode.Clipped
	ClippedCount int
	Overlaps     []concurrent.Overlap
	Detect       concurrent.Stats
	Exposures    map[exposure.Variant][]exposure.Episode
	Summaries    []exposure.Summary
}

// Stages bundles what a definition run needs besides its inputs.
type Stages struct {
	Catalog *definition.Catalog
	Lists   *Lists
	Options Options
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (s *Stages) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Run takes one definition through all four stages. The definition is
// checked before any episode is built; a failure wraps definition.ErrConfig
// or ErrInvariant and names the definition.
func (s *Stages) Run(ctx context.Context, def definition.Definition, in Inputs) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "definition",
		trace.WithAttributes(attribute.String("definition", def.ID), attribute.Int("components", def.Arity())))
	defer span.End()

	res, err := s.run(ctx, def, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrap(def.ID, err)
	}
	return res, nil
}

func wrap(defID string, err error) error {
	if errors.Is(err, interval.ErrInvalid) {
		return fmt.Errorf("%w: definition %s: %w", ErrInvariant, defID, err)
	}
	return fmt.Errorf("definition %s: %w", defID, err)
}

func (s *Stages) run(ctx context.Context, def definition.Definition, in Inputs) (*Result, error) {
	if err := s.Catalog.Check(def); err != nil {
		return nil, err
	}
	lists, err := s.Lists.Resolve(def)
	if err != nil {
		return nil, err
	}
	log := s.logger().With(zap.String("definition", def.ID))
	res := &Result{DefinitionID: def.ID, Exposures: make(map[exposure.Variant][]exposure.Episode)}

	// Stage 1: every component list over the shared claims. Episodes are
	// built over the union so a drug shared by two components gets one set
	// of episode numbers.
	var fills []extract.Resolved
	err = s.stage(ctx, "extract", func(context.Context) error {
		fills, res.Clean = extract.Clean(resolveAll(uniqueLists(lists), slices.Values(in.Dispensing)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.RecordsDropped.WithLabelValues(def.ID, "supply").Add(float64(res.Clean.Dropped))
		s.Metrics.RecordsDropped.WithLabelValues(def.ID, "truncated").Add(float64(res.Clean.Truncated))
		s.Metrics.RecordsDropped.WithLabelValues(def.ID, "duplicate").Add(float64(res.Clean.Duplicates))
	}

	// Stage 2.
	var clipped []episode.Clipped
	err = s.stage(ctx, "episodes", func(ctx context.Context) error {
		eps, err := buildEpisodes(ctx, fills, s.Options.BeneWorkers)
		if err != nil {
			return err
		}
		res.Episodes = len(eps)
		clipped, err = episode.Clip(eps, in.Stays)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.ClippedCount = len(clipped)
	if s.Metrics != nil {
		s.Metrics.Episodes.WithLabelValues(def.ID, "built").Add(float64(res.Episodes))
		s.Metrics.Episodes.WithLabelValues(def.ID, "clipped").Add(float64(res.ClippedCount))
	}

	// Stage 3.
	var overlaps []concurrent.Overlap
	err = s.stage(ctx, "concurrent", func(context.Context) error {
		comps := make([][]episode.Clipped, def.Arity())
		for i, l := range lists {
			drugs := l.CoreDrugs()
			for _, c := range clipped {
				if drugs[c.CoreDrug] {
					comps[i] = append(comps[i], c)
				}
			}
		}
		var err error
		overlaps, res.Detect, err = concurrent.Detect(def, comps)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Stage 4.
	err = s.stage(ctx, "collapse", func(context.Context) error {
		for _, v := range s.Options.Variants {
			periods := exposure.Periods(v, overlaps)
			eps, err := exposure.Collapse(def.ID, v, periods)
			if err != nil {
				return fmt.Errorf("%s variant: %w", v, err)
			}
			res.Exposures[v] = eps
			sum := exposure.Summarize(def.ID, v, eps)
			res.Summaries = append(res.Summaries, sum)
			if s.Metrics != nil {
				s.Metrics.Overlaps.WithLabelValues(def.ID, string(v)).Add(float64(len(periods)))
				s.Metrics.Exposures.WithLabelValues(def.ID, string(v)).Add(float64(sum.Episodes))
				s.Metrics.ExposureDays.WithLabelValues(def.ID, string(v)).Add(float64(sum.Days))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Options.KeepIntermediate {
		res.Clipped = clipped
		res.Overlaps = overlaps
	}
	log.Info("definition done",
		zap.Bool("same_list", def.SameList()),
		zap.Int("fills", res.Clean.Kept),
		zap.Int("episodes", res.Episodes),
		zap.Int("clipped", res.ClippedCount),
		zap.Int("overlaps", res.Detect.Overlaps),
		zap.Int("duplicates", res.Detect.Duplicates),
		zap.Int("stability_voided", res.Detect.StabilityOff))
	return res, nil
}

// stage runs fn inside a span and records its duration.
func (s *Stages) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.Tracer().Start(ctx, name)
	defer span.End()
	start := time.Now()
	defer s.Metrics.ObserveStage(name, start)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func uniqueLists(lists []*extract.List) []*extract.List {
	var out []*extract.List
	for _, l := range lists {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func resolveAll(lists []*extract.List, src iter.Seq[extract.Dispensing]) iter.Seq[extract.Resolved] {
	return func(yield func(extract.Resolved) bool) {
		for _, l := range lists {
			for r := range l.Extract(src) {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// buildEpisodes builds episodes, splitting sorted fills at beneficiary
// boundaries across workers. Output order matches a single-threaded build.
func buildEpisodes(ctx context.Context, fills []extract.Resolved, workers int) ([]episode.Episode, error) {
	if workers <= 1 || len(fills) < 2 {
		return episode.Build(fills)
	}

	chunks := splitByBene(fills, workers*4)
	results := make([][]episode.Episode, len(chunks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			eps, err := episode.Build(chunk)
			results[i] = eps
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

// splitByBene cuts fills, sorted by beneficiary, into about n chunks that
// never split a beneficiary.
func splitByBene(fills []extract.Resolved, n int) [][]extract.Resolved {
	target := max(1, (len(fills)+n-1)/n)
	var out [][]extract.Resolved
	start := 0
	for i := 1; i <= len(fills); i++ {
		if i == len(fills) || (i-start >= target && fills[i].BeneID != fills[i-1].BeneID) {
			out = append(out, fills[start:i])
			start = i
		}
	}
	return out
}
