// Package interval implements closed intervals on a daily calendar grid and
// the single overlap relation every stage of the pipeline is built on.
package interval

import (
	"errors"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// ErrInvalid reports an interval whose end precedes its start.
var ErrInvalid = errors.New("interval end before start")

// Day is a calendar day counted from 1970-01-01. Day arithmetic is plain
// integer arithmetic: d+1 is the next day.
type Day int32

// ParseDay parses YYYY-MM-DD, with MM/DD/YYYY accepted as a fallback.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse("01/02/2006", s)
		if err2 != nil {
			return 0, fmt.Errorf("parse day %q: %w", s, err)
		}
	}
	return DayOf(t), nil
}

// MustDay is ParseDay for literals in tests and fixtures.
func MustDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DayOf truncates t to its calendar day in t's location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Day(u.Unix() / 86400)
}

// Time returns midnight UTC of d.
func (d Day) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

func (d Day) String() string {
	return d.Time().Format(dayLayout)
}

// Interval is a closed range of days [Start, End].
type Interval struct {
	Start Day
	End   Day
}

// New returns [start, end] or ErrInvalid.
func New(start, end Day) (Interval, error) {
	iv := Interval{Start: start, End: end}
	if !iv.Valid() {
		return Interval{}, fmt.Errorf("%w: [%s, %s]", ErrInvalid, start, end)
	}
	return iv, nil
}

// Supply is the interval covered by a fill of n days starting on start.
func Supply(start Day, n int) Interval {
	return Interval{Start: start, End: start + Day(n) - 1}
}

// Valid reports whether Start <= End.
func (iv Interval) Valid() bool { return iv.Start <= iv.End }

// Days is the inclusive length End - Start + 1.
func (iv Interval) Days() int { return int(iv.End-iv.Start) + 1 }

// Contains reports whether d lies in iv.
func (iv Interval) Contains(d Day) bool { return d >= iv.Start && d <= iv.End }

// Covers reports whether o lies entirely inside iv.
func (iv Interval) Covers(o Interval) bool {
	return iv.Contains(o.Start) && iv.Contains(o.End)
}

func (iv Interval) String() string {
	return "[" + iv.Start.String() + ", " + iv.End.String() + "]"
}
