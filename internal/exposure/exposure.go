// Package exposure collapses concurrent-use overlaps into per-beneficiary
// exposure episodes.
package exposure

import (
	"cmp"
	"fmt"
	"slices"

	"ddiexposure/internal/concurrent"
	"ddiexposure/internal/interval"
)

// Variant selects which overlap period is collapsed.
type Variant string

const (
	Primary   Variant = "primary"
	Stability Variant = "stability"
)

// Variants lists every variant in output order.
var Variants = []Variant{Primary, Stability}

// Episode is one continuous period of exposure to a definition.
type Episode struct {
	BeneID       string
	DefinitionID string
	Variant      Variant
	// EpisodeID numbers a beneficiary's episodes from 1 in time order.
	EpisodeID   int
	Start       interval.Day
	End         interval.Day
	DaysWithDDI int
}

// Periods picks the overlap period for v. Overlaps voided under the
// stability rule are skipped.
func Periods(v Variant, overlaps []concurrent.Overlap) []Period {
	out := make([]Period, 0, len(overlaps))
	for _, o := range overlaps {
		switch v {
		case Primary:
			out = append(out, Period{BeneID: o.BeneID, Interval: o.Interval})
		case Stability:
			if o.HasSens {
				out = append(out, Period{BeneID: o.BeneID, Interval: o.Sens})
			}
		}
	}
	return out
}

// Period is one overlap period of one beneficiary.
type Period struct {
	BeneID string
	interval.Interval
}

// Collapse merges overlapping or adjacent periods of each beneficiary into
// exposure episodes. The result is ordered by beneficiary and start.
func Collapse(defID string, v Variant, periods []Period) ([]Episode, error) {
	sorted := slices.Clone(periods)
	slices.SortFunc(sorted, func(a, b Period) int {
		return cmp.Or(cmp.Compare(a.BeneID, b.BeneID), cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})

	var (
		out    []Episode
		cursor interval.Cursor
		prev   string
		id     int
	)
	for i, p := range sorted {
		if !p.Valid() {
			return nil, fmt.Errorf("definition %s bene %s: %w: period %s", defID, p.BeneID, interval.ErrInvalid, p.Interval)
		}
		if i == 0 || p.BeneID != prev {
			cursor.Reset()
			id = 0
		}
		prev = p.BeneID

		switch cursor.Advance(p.Interval) {
		case interval.Opened:
			id++
			out = append(out, Episode{
				BeneID:       p.BeneID,
				DefinitionID: defID,
				Variant:      v,
				EpisodeID:    id,
				Start:        p.Start,
				End:          p.End,
			})
		case interval.Extended:
			out[len(out)-1].End = p.End
		}
	}

	for i := range out {
		e := &out[i]
		e.DaysWithDDI = int(e.End-e.Start) + 1
		if e.DaysWithDDI <= 0 {
			return nil, fmt.Errorf("definition %s bene %s episode %d: %w: %d days with interaction",
				defID, e.BeneID, e.EpisodeID, interval.ErrInvalid, e.DaysWithDDI)
		}
	}
	return out, nil
}

// Summary aggregates one definition and variant.
type Summary struct {
	DefinitionID  string
	Variant       Variant
	Beneficiaries int
	Episodes      int
	Days          int
}

// Summarize totals collapsed episodes.
func Summarize(defID string, v Variant, eps []Episode) Summary {
	s := Summary{DefinitionID: defID, Variant: v, Episodes: len(eps)}
	for i, e := range eps {
		if i == 0 || e.BeneID != eps[i-1].BeneID {
			s.Beneficiaries++
		}
		s.Days += e.DaysWithDDI
	}
	return s
}
