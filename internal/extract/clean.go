package extract

import (
	"cmp"
	"iter"
	"slices"
)

// MaxDaysSupply caps a single fill's days' supply.
const MaxDaysSupply = 90

// CleanStats counts what Clean did to its input.
type CleanStats struct {
	Read       int
	Dropped    int // missing or non-positive supply
	Truncated  int // supply above MaxDaysSupply
	Duplicates int // same beneficiary, core drug and fill date
	Kept       int
}

type fillKey struct {
	bene string
	drug string
	fill int32
}

// Clean applies the supply rules and keeps one record per (beneficiary,
// core drug, fill date), preferring the longest supply. The result is sorted
// by beneficiary, core drug, fill date.
func Clean(src iter.Seq[Resolved]) ([]Resolved, CleanStats) {
	var stats CleanStats
	best := make(map[fillKey]int)
	var out []Resolved

	for r := range src {
		stats.Read++
		switch {
		case r.DaysSupply <= 0:
			stats.Dropped++
			continue
		case r.DaysSupply > MaxDaysSupply:
			r.DaysSupply = MaxDaysSupply
			stats.Truncated++
		}

		k := fillKey{bene: r.BeneID, drug: r.CoreDrug, fill: int32(r.FillDate)}
		if i, ok := best[k]; ok {
			stats.Duplicates++
			if r.DaysSupply > out[i].DaysSupply {
				out[i] = r
			}
			continue
		}
		best[k] = len(out)
		out = append(out, r)
	}

	SortFills(out)
	stats.Kept = len(out)
	return out, stats
}

// SortFills orders records by beneficiary, core drug, fill date, and longest
// supply first within a day.
func SortFills(rs []Resolved) {
	slices.SortFunc(rs, func(a, b Resolved) int {
		return cmp.Or(
			cmp.Compare(a.BeneID, b.BeneID),
			cmp.Compare(a.CoreDrug, b.CoreDrug),
			cmp.Compare(a.FillDate, b.FillDate),
			cmp.Compare(b.DaysSupply, a.DaysSupply),
		)
	})
}
