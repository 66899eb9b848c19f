package interval

// Step is what a Cursor did with the interval it was just advanced over.
type Step int

const (
	// Opened: the interval starts a new run.
	Opened Step = iota
	// Subsumed: the interval ends on or before the running end and adds nothing.
	Subsumed
	// Extended: the interval overlaps or touches the open run and pushes its end out.
	Extended
)

// Cursor is the accumulator of a left-to-right merge over intervals sorted by
// start. Intervals that overlap the open run, or start the day after it ends,
// join the run; anything later opens a new one. The zero value has no open run.
type Cursor struct {
	open bool
	end  Day
}

// Advance folds iv into the cursor.
func (c *Cursor) Advance(iv Interval) Step {
	switch {
	case !c.open:
		c.open = true
		c.end = iv.End
		return Opened
	case iv.End <= c.end:
		return Subsumed
	case iv.Start <= c.end+1:
		c.end = iv.End
		return Extended
	default:
		c.end = iv.End
		return Opened
	}
}

// End is the running end of the open run.
func (c *Cursor) End() Day { return c.end }

// Reset drops the open run, e.g. when the scan crosses to a new beneficiary.
func (c *Cursor) Reset() { *c = Cursor{} }
