// Package concurrent finds the periods in which every component drug of an
// interaction definition was in use at once, within one facility stay.
package concurrent

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"ddiexposure/internal/definition"
	"ddiexposure/internal/episode"
	"ddiexposure/internal/interval"
)

// Overlap is one concurrent-use period of one pairing (or tripling) of
// clipped episodes.
type Overlap struct {
	DefinitionID string
	BeneID       string
	Stay         interval.Interval
	interval.Interval
	// Refs and Drugs follow component order.
	Refs  []episode.Ref
	Drugs []string

	// Sens is the overlap after discontinuation censoring; HasSens is false
	// when the stability variant voids the pairing.
	Sens    interval.Interval
	HasSens bool
	// Censored lists the 0-based components whose end was censored.
	Censored []int
}

// Stats counts what Detect saw.
type Stats struct {
	Candidates   int // combinations sharing beneficiary and stay
	Ineligible   int // same drug, same class or excluded
	Disjoint     int
	Duplicates   int
	Overlaps     int
	StabilityOff int // overlaps voided by the stability rule
}

type stayKey struct {
	bene string
	stay interval.Interval
}

// Detect joins the clipped episodes of each component on (beneficiary,
// stay) and intersects every eligible combination. comps must hold one slice
// per definition component, in order.
func Detect(def definition.Definition, comps [][]episode.Clipped) ([]Overlap, Stats, error) {
	var stats Stats
	if len(comps) != def.Arity() || (len(comps) != 2 && len(comps) != 3) {
		return nil, stats, fmt.Errorf("%w %q: %d component episode sets for %d components",
			definition.ErrConfig, def.ID, len(comps), def.Arity())
	}

	groups := make([]map[stayKey][]episode.Clipped, len(comps))
	for i, eps := range comps {
		excluded := def.Excluded(i)
		groups[i] = make(map[stayKey][]episode.Clipped)
		for _, e := range eps {
			if excluded[e.CoreDrug] {
				stats.Ineligible++
				continue
			}
			k := stayKey{bene: e.BeneID, stay: e.Stay}
			groups[i][k] = append(groups[i][k], e)
		}
	}

	keys := make([]stayKey, 0, len(groups[0]))
	for k := range groups[0] {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b stayKey) int {
		return cmp.Or(cmp.Compare(a.bene, b.bene), cmp.Compare(a.stay.Start, b.stay.Start), cmp.Compare(a.stay.End, b.stay.End))
	})

	d := detector{def: def, seen: make(map[string]bool), stats: &stats}
	for _, k := range keys {
		sets := make([][]episode.Clipped, len(groups))
		missing := false
		for i := range groups {
			if sets[i] = groups[i][k]; len(sets[i]) == 0 {
				missing = true
				break
			}
		}
		if missing {
			continue
		}
		if err := d.combine(k, sets, nil); err != nil {
			return nil, stats, err
		}
	}

	slices.SortFunc(d.out, func(a, b Overlap) int {
		return cmp.Or(
			cmp.Compare(a.BeneID, b.BeneID),
			cmp.Compare(a.Start, b.Start),
			cmp.Compare(a.End, b.End),
			slices.CompareFunc(a.Refs, b.Refs, episode.Ref.Compare),
		)
	})
	stats.Overlaps = len(d.out)
	return d.out, stats, nil
}

type detector struct {
	def   definition.Definition
	seen  map[string]bool
	out   []Overlap
	stats *Stats
}

// combine walks the cartesian product of sets depth-first, pruning as soon
// as a prefix is ineligible or stops overlapping.
func (d *detector) combine(k stayKey, sets [][]episode.Clipped, picked []episode.Clipped) error {
	depth := len(picked)
	if depth == len(sets) {
		return d.emit(k, picked)
	}
	for _, e := range sets[depth] {
		d.stats.Candidates++
		if !d.eligible(picked, e) {
			d.stats.Ineligible++
			continue
		}
		if depth > 0 {
			if _, ok := d.primary(append(picked, e)); !ok {
				d.stats.Disjoint++
				continue
			}
		}
		if err := d.combine(k, sets, append(picked, e)); err != nil {
			return err
		}
	}
	return nil
}

func (d *detector) eligible(picked []episode.Clipped, e episode.Clipped) bool {
	for _, p := range picked {
		if p.CoreDrug == e.CoreDrug {
			return false
		}
		if d.def.DistinctClass && p.Class == e.Class {
			return false
		}
	}
	return true
}

// primary intersects the first two episodes, then the result with the
// third.
func (d *detector) primary(eps []episode.Clipped) (interval.Interval, bool) {
	acc := eps[0].NH
	for _, e := range eps[1:] {
		var ok bool
		if acc, ok = interval.Intersect(acc, e.NH); !ok {
			return interval.Interval{}, false
		}
	}
	return acc, true
}

func (d *detector) emit(k stayKey, eps []episode.Clipped) error {
	ov, ok := d.primary(eps)
	if !ok {
		d.stats.Disjoint++
		return nil
	}

	refs := make([]episode.Ref, len(eps))
	drugs := make([]string, len(eps))
	for i, e := range eps {
		refs[i] = e.Ref()
		drugs[i] = e.CoreDrug
	}
	key := canonicalKey(k.bene, refs)
	if d.seen[key] {
		d.stats.Duplicates++
		return nil
	}
	d.seen[key] = true

	o := Overlap{
		DefinitionID: d.def.ID,
		BeneID:       k.bene,
		Stay:         k.stay,
		Interval:     ov,
		Refs:         refs,
		Drugs:        drugs,
	}
	o.Sens, o.HasSens, o.Censored = Stability(eps)
	if !o.HasSens {
		d.stats.StabilityOff++
	}

	if err := checkOverlap(o, eps); err != nil {
		return fmt.Errorf("definition %s bene %s: %w", d.def.ID, k.bene, err)
	}
	d.out = append(d.out, o)
	return nil
}

// canonicalKey identifies a pairing regardless of the column order the join
// produced it in.
func canonicalKey(bene string, refs []episode.Ref) string {
	sorted := slices.Clone(refs)
	slices.SortFunc(sorted, episode.Ref.Compare)
	var b strings.Builder
	b.WriteString(bene)
	for _, r := range sorted {
		b.WriteByte('|')
		b.WriteString(r.String())
	}
	return b.String()
}

func checkOverlap(o Overlap, eps []episode.Clipped) error {
	if !o.Valid() {
		return fmt.Errorf("%w: overlap %s", interval.ErrInvalid, o.Interval)
	}
	for _, e := range eps {
		if !e.NH.Covers(o.Interval) {
			return fmt.Errorf("%w: overlap %s outside %s episode %s", interval.ErrInvalid, o.Interval, e.CoreDrug, e.NH)
		}
	}
	if o.HasSens && (!o.Sens.Valid() || !o.Interval.Covers(o.Sens)) {
		return fmt.Errorf("%w: stability overlap %s outside primary %s", interval.ErrInvalid, o.Sens, o.Interval)
	}
	return nil
}
