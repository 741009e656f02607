package availability

import (
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// SubtractBusy removes every busy interval from the given windows,
// clipping or splitting them as needed. Windows must be disjoint and
// ordered (as produced by schedule.WindowsForDate); busy may be in any
// order. The result is disjoint and ordered.
//
// All times are half-open [start, end) and expected in the same location.
func SubtractBusy(windows []schedule.Window, busy []Interval) []Interval {
	merged := mergeIntervals(busy)

	var out []Interval
	for _, w := range windows {
		cursor := w.Start
		for _, b := range merged {
			if !b.End.After(cursor) || !w.End.After(b.Start) {
				continue
			}
			if b.Start.After(cursor) {
				out = append(out, Interval{Start: cursor, End: b.Start})
			}
			if b.End.After(cursor) {
				cursor = b.End
			}
		}
		if w.End.After(cursor) {
			out = append(out, Interval{Start: cursor, End: w.End})
		}
	}
	return out
}

// TileSlots cuts each free interval into consecutive slots of the given
// duration, anchored at the interval start. A trailing remainder shorter
// than the duration is dropped, as is any slot starting before now.
func TileSlots(free []Interval, duration time.Duration, now time.Time) []Interval {
	if duration <= 0 {
		return nil
	}
	var slots []Interval
	for _, f := range free {
		for t := f.Start; !t.Add(duration).After(f.End); t = t.Add(duration) {
			if t.Before(now) {
				continue
			}
			slots = append(slots, Interval{Start: t, End: t.Add(duration)})
		}
	}
	return slots
}

// Overlaps reports whether [start, end) intersects any busy interval.
func Overlaps(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

// Contains reports whether [start, end) lies fully inside one window.
func Contains(windows []schedule.Window, start, end time.Time) bool {
	for _, w := range windows {
		if !start.Before(w.Start) && !end.After(w.End) {
			return true
		}
	}
	return false
}

func mergeIntervals(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]Interval, len(in))
	copy(sorted, in)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && sorted[j].Start.Before(sorted[j-1].Start) {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}

	out := make([]Interval, 0, len(sorted))
	for _, cur := range sorted {
		if !cur.End.After(cur.Start) {
			continue
		}
		if len(out) == 0 {
			out = append(out, cur)
			continue
		}
		last := &out[len(out)-1]
		if cur.Start.After(last.End) {
			out = append(out, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return out
}
