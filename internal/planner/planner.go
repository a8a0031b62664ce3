// Package planner turns an artifact's time axis and a store checkpoint into
// the ordered work units of a drill.
package planner

import (
	"iter"
	"time"
)

const day = 24 * time.Hour

// WorkUnit is one step of a drill: a single time step, or an aggregation
// window of consecutive steps. Indices point into the time axis.
type WorkUnit struct {
	Start   time.Time
	End     time.Time
	Indices []int
}

// daysApart is the whole number of days between a and b.
func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d / day)
}

// FirstPending returns the index of the first time step that still needs
// drilling. Steps at or before the checkpoint are done, and when
// aggregating so are steps less than aggregateDays after it, since the
// window that wrote the checkpoint covered them. A nil checkpoint skips
// nothing.
func FirstPending(times []time.Time, checkpoint *time.Time, aggregateDays int) int {
	if checkpoint == nil {
		return 0
	}
	i := 0
	for i < len(times) {
		switch {
		case !checkpoint.Before(times[i]):
			i++
		case aggregateDays > 0 && daysApart(*checkpoint, times[i]) < aggregateDays:
			i++
		default:
			return i
		}
	}
	return i
}

// Plan yields the work units after the checkpoint in time order. Without
// aggregation every time step is its own unit. With aggregation a window
// starts at the first pending step and absorbs following steps while they
// are less than aggregateDays from its start; the last window closes at the
// end of the axis however narrow it is. times must be sorted ascending.
func Plan(times []time.Time, checkpoint *time.Time, aggregateDays int) iter.Seq[WorkUnit] {
	return func(yield func(WorkUnit) bool) {
		i := FirstPending(times, checkpoint, aggregateDays)
		for i < len(times) {
			end := i + 1
			if aggregateDays > 0 {
				for end < len(times) && daysApart(times[i], times[end]) < aggregateDays {
					end++
				}
			}
			idx := make([]int, 0, end-i)
			for k := i; k < end; k++ {
				idx = append(idx, k)
			}
			if !yield(WorkUnit{Start: times[i], End: times[end-1], Indices: idx}) {
				return
			}
			i = end
		}
	}
}

// Batches groups units into slices of at most size units.
func Batches(units iter.Seq[WorkUnit], size int) iter.Seq[[]WorkUnit] {
	size = max(1, size)
	return func(yield func([]WorkUnit) bool) {
		var batch []WorkUnit
		for u := range units {
			batch = append(batch, u)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}
