package episode

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"ddiexposure/internal/extract"
	"ddiexposure/internal/interval"
)

func fill(bene, drug string, day, supply int) extract.Resolved {
	return extract.Resolved{BeneID: bene, CoreDrug: drug, FillDate: interval.Day(day), DaysSupply: supply}
}

func spans(eps []Episode) []interval.Interval {
	out := make([]interval.Interval, 0, len(eps))
	for _, e := range eps {
		out = append(out, e.Interval)
	}
	return out
}

func TestDisconDate(t *testing.T) {
	tests := []struct {
		start, supply int
		want          interval.Day
	}{
		{1, 30, 15},
		{1, 31, 16},
		{10, 1, 10},
		{10, 2, 10},
		{10, 13, 16},
	}
	for _, tt := range tests {
		if got := DisconDate(interval.Day(tt.start), tt.supply); got != tt.want {
			t.Errorf("DisconDate(%d,%d) = %d, want %d", tt.start, tt.supply, got, tt.want)
		}
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name  string
		fills []extract.Resolved
		want  []interval.Interval
	}{
		{
			name:  "contained fill dropped",
			fills: []extract.Resolved{fill("B", "X", 1, 30), fill("B", "X", 20, 10)},
			want:  []interval.Interval{{Start: 1, End: 30}},
		},
		{
			name:  "overlap extends",
			fills: []extract.Resolved{fill("B", "X", 1, 30), fill("B", "X", 25, 30)},
			want:  []interval.Interval{{Start: 1, End: 54}},
		},
		{
			name:  "next day is contiguous",
			fills: []extract.Resolved{fill("B", "X", 1, 30), fill("B", "X", 31, 10)},
			want:  []interval.Interval{{Start: 1, End: 40}},
		},
		{
			name:  "one day gap starts new episode",
			fills: []extract.Resolved{fill("B", "X", 1, 30), fill("B", "X", 32, 10)},
			want:  []interval.Interval{{Start: 1, End: 30}, {Start: 32, End: 41}},
		},
		{
			name:  "unsorted input",
			fills: []extract.Resolved{fill("B", "X", 32, 10), fill("B", "X", 1, 30)},
			want:  []interval.Interval{{Start: 1, End: 30}, {Start: 32, End: 41}},
		},
		{
			name:  "new drug opens new episode",
			fills: []extract.Resolved{fill("B", "X", 1, 30), fill("B", "Y", 5, 10)},
			want:  []interval.Interval{{Start: 1, End: 30}, {Start: 5, End: 14}},
		},
		{
			name:  "new beneficiary opens new episode",
			fills: []extract.Resolved{fill("A", "X", 1, 30), fill("B", "X", 5, 10)},
			want:  []interval.Interval{{Start: 1, End: 30}, {Start: 5, End: 14}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eps, err := Build(tt.fills)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if got := spans(eps); !slices.Equal(got, tt.want) {
				t.Errorf("episodes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildDisconAndFillCount(t *testing.T) {
	// [1,30] opens, [20,29] is covered, [25,34] extends.
	eps, err := Build([]extract.Resolved{
		fill("B", "X", 1, 30),
		fill("B", "X", 20, 10),
		fill("B", "X", 25, 10),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("got %d episodes, want 1", len(eps))
	}
	e := eps[0]
	if e.Interval != (interval.Interval{Start: 1, End: 34}) {
		t.Errorf("interval = %v", e.Interval)
	}
	if e.Fills != 3 {
		t.Errorf("Fills = %d, want 3", e.Fills)
	}
	// max(DisconDate(1,30)=15, DisconDate(20,10)=24, DisconDate(25,10)=29).
	if e.MaxDisconDate != 29 {
		t.Errorf("MaxDisconDate = %d, want 29", e.MaxDisconDate)
	}
	if e.MaxDisconDate > e.End {
		t.Errorf("MaxDisconDate %d past episode end %d", e.MaxDisconDate, e.End)
	}
}

func TestBuildCoveredFillMovesDiscon(t *testing.T) {
	// [1,30] opens with discon 15; [20,29] is covered but runs out later.
	eps, err := Build([]extract.Resolved{
		fill("B", "X", 1, 30),
		fill("B", "X", 20, 10),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(eps) != 1 || eps[0].Interval != (interval.Interval{Start: 1, End: 30}) {
		t.Fatalf("episodes = %+v", eps)
	}
	if eps[0].Fills != 2 || eps[0].MaxDisconDate != 24 {
		t.Errorf("Fills = %d, MaxDisconDate = %d, want 2 and 24", eps[0].Fills, eps[0].MaxDisconDate)
	}
}

func TestBuildRejectsZeroSupply(t *testing.T) {
	_, err := Build([]extract.Resolved{fill("B", "X", 1, 0)})
	if !errors.Is(err, interval.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func randomFills(r *rand.Rand, n int) []extract.Resolved {
	benes := []string{"B1", "B2", "B3"}
	drugs := []string{"X", "Y"}
	out := make([]extract.Resolved, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fill(
			benes[r.IntN(len(benes))],
			drugs[r.IntN(len(drugs))],
			r.IntN(400),
			1+r.IntN(90),
		))
	}
	return out
}

func TestBuildSeparationProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 50; round++ {
		eps, err := Build(randomFills(r, 40))
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		for i := 1; i < len(eps); i++ {
			prev, cur := eps[i-1], eps[i]
			if prev.BeneID != cur.BeneID || prev.CoreDrug != cur.CoreDrug {
				continue
			}
			if cur.Start < prev.End+2 {
				t.Fatalf("round %d: episodes %v and %v closer than 2 days", round, prev.Interval, cur.Interval)
			}
		}
	}
}

func TestBuildIdempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for round := 0; round < 50; round++ {
		first, err := Build(randomFills(r, 40))
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		second, err := Build(AsFills(first))
		if err != nil {
			t.Fatalf("rebuild: %v", err)
		}
		if !slices.Equal(spans(first), spans(second)) {
			t.Fatalf("round %d: rebuild changed episodes\n%v\n%v", round, spans(first), spans(second))
		}
	}
}

func TestClip(t *testing.T) {
	stays := NewStayIndex([]Stay{
		{BeneID: "B", Interval: interval.Interval{Start: 10, End: 20}},
		{BeneID: "B", Interval: interval.Interval{Start: 30, End: 60}},
		{BeneID: "B", Interval: interval.Interval{Start: 90, End: 80}},
	})
	if stays.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stays.Dropped)
	}

	eps := []Episode{
		// spans both stays
		{BeneID: "B", CoreDrug: "X", Interval: interval.Interval{Start: 5, End: 40}, MaxDisconDate: 12},
		// outside every stay
		{BeneID: "B", CoreDrug: "X", Interval: interval.Interval{Start: 62, End: 70}, MaxDisconDate: 65},
		// beneficiary without stays
		{BeneID: "C", CoreDrug: "X", Interval: interval.Interval{Start: 5, End: 40}, MaxDisconDate: 20},
		{BeneID: "B", CoreDrug: "A", Interval: interval.Interval{Start: 50, End: 70}, MaxDisconDate: 60},
	}
	got, err := Clip(eps, stays)
	if err != nil {
		t.Fatalf("Clip: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d clipped episodes, want 3: %+v", len(got), got)
	}

	// Sorted by core drug, then stay time.
	a, x1, x2 := got[0], got[1], got[2]
	if a.CoreDrug != "A" || a.Seq != 1 || a.NH != (interval.Interval{Start: 50, End: 60}) {
		t.Errorf("A = %+v", a)
	}
	if !a.MedUseSens || a.NHSens != (interval.Interval{Start: 50, End: 60}) {
		t.Errorf("A sens = %v %v", a.MedUseSens, a.NHSens)
	}
	if x1.Seq != 2 || x1.NH != (interval.Interval{Start: 10, End: 20}) {
		t.Errorf("X first stay = %+v", x1)
	}
	if !x1.MedUseSens || x1.NHSens != (interval.Interval{Start: 10, End: 12}) {
		t.Errorf("X first stay sens = %v %v", x1.MedUseSens, x1.NHSens)
	}
	if x2.Seq != 3 || x2.NH != (interval.Interval{Start: 30, End: 40}) {
		t.Errorf("X second stay = %+v", x2)
	}
	// Half-supply window [5,12] ends before the second stay.
	if x2.MedUseSens {
		t.Errorf("X second stay should have no sensitivity use, got %v", x2.NHSens)
	}
	for _, c := range got {
		if !c.Stay.Covers(c.NH) || !c.Episode.Covers(c.NH) {
			t.Errorf("%v not inside stay %v and episode %v", c.NH, c.Stay, c.Episode)
		}
		if c.MedUseSens && c.NHSens.End > c.NH.End {
			t.Errorf("sens end %d past primary end %d", c.NHSens.End, c.NH.End)
		}
	}
}
