package episode

import (
	"cmp"
	"fmt"
	"slices"

	"ddiexposure/internal/interval"
)

// Stay is one facility-stay window of a beneficiary.
type Stay struct {
	BeneID string
	interval.Interval
}

// StayIndex holds each beneficiary's stays sorted by start.
type StayIndex struct {
	byBene map[string][]interval.Interval
	// Dropped counts stays that ended before they started.
	Dropped int
}

// NewStayIndex groups stays by beneficiary. Inverted stays are dropped.
func NewStayIndex(stays []Stay) *StayIndex {
	x := &StayIndex{byBene: make(map[string][]interval.Interval)}
	for _, s := range stays {
		if !s.Valid() {
			x.Dropped++
			continue
		}
		x.byBene[s.BeneID] = append(x.byBene[s.BeneID], s.Interval)
	}
	for _, ivs := range x.byBene {
		slices.SortFunc(ivs, func(a, b interval.Interval) int {
			return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
		})
	}
	return x
}

// For returns the stays of one beneficiary.
func (x *StayIndex) For(bene string) []interval.Interval { return x.byBene[bene] }

// Len is the number of beneficiaries with at least one stay.
func (x *StayIndex) Len() int { return len(x.byBene) }

// Clipped is an episode restricted to one facility stay.
type Clipped struct {
	BeneID   string
	CoreDrug string
	Class    string
	// Seq numbers a beneficiary's clipped episodes from 1 after clipping.
	Seq     int
	Episode interval.Interval
	Stay    interval.Interval
	NH      interval.Interval
	// NHSens is [episode start, MaxDisconDate] clipped to the stay; it is
	// meaningful only when MedUseSens is set.
	NHSens        interval.Interval
	MedUseSens    bool
	MaxDisconDate interval.Day
	Fills         int
}

// Ref identifies a clipped episode within one run.
func (c Clipped) Ref() Ref { return Ref{CoreDrug: c.CoreDrug, Seq: c.Seq} }

// Ref names a clipped episode by core drug and per-beneficiary sequence.
type Ref struct {
	CoreDrug string
	Seq      int
}

// Compare orders refs by sequence, then core drug.
func (r Ref) Compare(o Ref) int {
	return cmp.Or(cmp.Compare(r.Seq, o.Seq), cmp.Compare(r.CoreDrug, o.CoreDrug))
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.CoreDrug, r.Seq) }

// Clip restricts each episode to every stay it touches, drops episodes
// outside all stays and renumbers the rest per beneficiary in
// (core drug, stay time) order.
func Clip(eps []Episode, stays *StayIndex) ([]Clipped, error) {
	var out []Clipped
	for _, e := range eps {
		sensWindow := interval.Interval{Start: e.Start, End: e.MaxDisconDate}
		for _, stay := range stays.For(e.BeneID) {
			nh, ok := interval.Intersect(e.Interval, stay)
			if !ok {
				continue
			}
			if !nh.Valid() {
				return nil, fmt.Errorf("bene %s drug %s stay %s: %w: clipped %s",
					e.BeneID, e.CoreDrug, stay, interval.ErrInvalid, nh)
			}
			c := Clipped{
				BeneID:        e.BeneID,
				CoreDrug:      e.CoreDrug,
				Class:         e.Class,
				Episode:       e.Interval,
				Stay:          stay,
				NH:            nh,
				MaxDisconDate: e.MaxDisconDate,
				Fills:         e.Fills,
			}
			if sens, ok := interval.Intersect(sensWindow, stay); ok {
				c.NHSens = sens
				c.MedUseSens = true
			}
			out = append(out, c)
		}
	}

	slices.SortFunc(out, func(a, b Clipped) int {
		return cmp.Or(
			cmp.Compare(a.BeneID, b.BeneID),
			cmp.Compare(a.CoreDrug, b.CoreDrug),
			cmp.Compare(a.NH.Start, b.NH.Start),
			cmp.Compare(a.NH.End, b.NH.End),
		)
	})
	seq := 0
	for i := range out {
		if i == 0 || out[i].BeneID != out[i-1].BeneID {
			seq = 0
		}
		seq++
		out[i].Seq = seq
	}
	return out, nil
}
