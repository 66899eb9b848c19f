package interval

// Relation is the position of interval a relative to interval b. The values
// are ordered the way Classify tests them; the first case that holds wins.
type Relation int

const (
	// Before: a ends before b starts.
	Before Relation = iota + 1
	// After: a starts after b ends.
	After
	// Within: both ends of a lie in b.
	Within
	// StartsWithin: a starts in b and ends after it.
	StartsWithin
	// EndsWithin: a starts before b and ends in it.
	EndsWithin
	// Encloses: a starts no later and ends no earlier than b.
	Encloses
)

var relationNames = map[Relation]string{
	Before:       "before",
	After:        "after",
	Within:       "within",
	StartsWithin: "starts_within",
	EndsWithin:   "ends_within",
	Encloses:     "encloses",
}

func (r Relation) String() string {
	if s, ok := relationNames[r]; ok {
		return s
	}
	return "unknown"
}

// Overlapping reports whether the relation implies a non-empty intersection.
func (r Relation) Overlapping() bool { return r >= Within }

// Classify returns the relation of a to b.
func Classify(a, b Interval) Relation {
	switch {
	case a.End < b.Start:
		return Before
	case a.Start > b.End:
		return After
	case b.Contains(a.Start) && b.Contains(a.End):
		return Within
	case b.Contains(a.Start):
		return StartsWithin
	case b.Contains(a.End):
		return EndsWithin
	default:
		return Encloses
	}
}

// Intersect returns the overlap of a and b, and false when they share no day.
func Intersect(a, b Interval) (Interval, bool) {
	switch Classify(a, b) {
	case Within:
		return a, true
	case StartsWithin:
		return Interval{Start: a.Start, End: b.End}, true
	case EndsWithin:
		return Interval{Start: b.Start, End: a.End}, true
	case Encloses:
		return b, true
	default:
		return Interval{}, false
	}
}

// IntersectAll folds Intersect left to right over ivs. It returns false for
// an empty argument list or as soon as the running overlap vanishes.
func IntersectAll(ivs ...Interval) (Interval, bool) {
	if len(ivs) == 0 {
		return Interval{}, false
	}
	acc := ivs[0]
	for _, iv := range ivs[1:] {
		var ok bool
		if acc, ok = Intersect(acc, iv); !ok {
			return Interval{}, false
		}
	}
	return acc, true
}
