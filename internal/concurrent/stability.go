package concurrent

import (
	"ddiexposure/internal/episode"
	"ddiexposure/internal/interval"
)

// FirstStarters returns the indices of the episodes whose clipped period
// starts earliest. A pair has two orderings plus a tie; a triple has seven
// cases: three single first starters, three tied first pairs and one
// three-way tie.
func FirstStarters(eps []episode.Clipped) []int {
	if len(eps) == 0 {
		return nil
	}
	first := eps[0].NH.Start
	for _, e := range eps[1:] {
		first = min(first, e.NH.Start)
	}
	var idx []int
	for i, e := range eps {
		if e.NH.Start == first {
			idx = append(idx, i)
		}
	}
	return idx
}

// Stability computes the discontinuation-censored overlap of eps. Episodes
// that started first are cut back to their half-supply window, since the
// later drug was likely started once the first one was being stopped. When
// every episode starts the same day nothing is censored. A censored episode
// with no half-supply use inside the stay voids the overlap.
func Stability(eps []episode.Clipped) (interval.Interval, bool, []int) {
	first := FirstStarters(eps)
	if len(first) == len(eps) {
		ivs := make([]interval.Interval, len(eps))
		for i, e := range eps {
			ivs[i] = e.NH
		}
		iv, ok := interval.IntersectAll(ivs...)
		return iv, ok, nil
	}

	censored := make(map[int]bool, len(first))
	for _, i := range first {
		if !eps[i].MedUseSens {
			return interval.Interval{}, false, first
		}
		censored[i] = true
	}
	ivs := make([]interval.Interval, len(eps))
	for i, e := range eps {
		if censored[i] {
			ivs[i] = e.NHSens
		} else {
			ivs[i] = e.NH
		}
	}
	iv, ok := interval.IntersectAll(ivs...)
	return iv, ok, first
}
