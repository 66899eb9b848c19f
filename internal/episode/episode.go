// Package episode turns cleaned fills into medication-use episodes and clips
// them to facility stays.
package episode

import (
	"fmt"
	"slices"

	"ddiexposure/internal/extract"
	"ddiexposure/internal/interval"
)

// Episode is a maximal run of continuous use of one core drug by one
// beneficiary.
type Episode struct {
	BeneID   string
	CoreDrug string
	Class    string
	interval.Interval
	// Fills is the number of dispensings folded into the episode, including
	// ones fully covered by earlier fills.
	Fills int
	// MaxDisconDate is the latest discontinuation date among all fills of
	// the episode, covered ones included. It never passes End.
	MaxDisconDate interval.Day
}

// DisconDate is the day a fill would run out if only half its supply were
// taken: start - 1 + ceil(supply/2).
func DisconDate(start interval.Day, supply int) interval.Day {
	return start - 1 + interval.Day((supply+1)/2)
}

// builder is the accumulator of the left-to-right episode scan.
type builder struct {
	prevBene string
	prevDrug string
	open     bool
	cur      Episode
	cursor   interval.Cursor
	out      []Episode
}

func (b *builder) flush() {
	if b.open {
		b.out = append(b.out, b.cur)
		b.open = false
	}
}

func (b *builder) add(r extract.Resolved) {
	if b.open && (r.BeneID != b.prevBene || r.CoreDrug != b.prevDrug) {
		b.flush()
		b.cursor.Reset()
	}
	b.prevBene, b.prevDrug = r.BeneID, r.CoreDrug

	fill := interval.Supply(r.FillDate, r.DaysSupply)
	discon := DisconDate(r.FillDate, r.DaysSupply)

	switch b.cursor.Advance(fill) {
	case interval.Opened:
		b.flush()
		b.cur = Episode{
			BeneID:        r.BeneID,
			CoreDrug:      r.CoreDrug,
			Class:         r.Class,
			Interval:      fill,
			Fills:         1,
			MaxDisconDate: discon,
		}
		b.open = true
	case interval.Subsumed:
		b.cur.Fills++
		b.cur.MaxDisconDate = max(b.cur.MaxDisconDate, discon)
	case interval.Extended:
		b.cur.End = fill.End
		b.cur.Fills++
		b.cur.MaxDisconDate = max(b.cur.MaxDisconDate, discon)
	}
}

// Build folds fills into episodes. Input need not be sorted; a sorted copy
// is scanned. Every fill must carry a positive supply.
func Build(fills []extract.Resolved) ([]Episode, error) {
	sorted := slices.Clone(fills)
	extract.SortFills(sorted)

	var b builder
	for _, r := range sorted {
		if r.DaysSupply < 1 {
			return nil, fmt.Errorf("bene %s drug %s fill %s: %w: days supply %d",
				r.BeneID, r.CoreDrug, r.FillDate, interval.ErrInvalid, r.DaysSupply)
		}
		b.add(r)
	}
	b.flush()

	for _, e := range b.out {
		if !e.Valid() {
			return nil, fmt.Errorf("bene %s drug %s episode %s: %w", e.BeneID, e.CoreDrug, e.Interval, interval.ErrInvalid)
		}
	}
	return b.out, nil
}

// AsFills turns episodes back into one fill each covering the whole
// episode. Building from the result reproduces the episode intervals.
func AsFills(eps []Episode) []extract.Resolved {
	out := make([]extract.Resolved, 0, len(eps))
	for _, e := range eps {
		out = append(out, extract.Resolved{
			BeneID:     e.BeneID,
			CoreDrug:   e.CoreDrug,
			Class:      e.Class,
			FillDate:   e.Start,
			DaysSupply: e.Days(),
		})
	}
	return out
}
