package schedule

import "time"

// RecurringRule is a weekly-repeating availability window for a practitioner.
// An empty ClinicID means the rule applies at any clinic.
type RecurringRule struct {
	ID             string
	PractitionerID string
	ClinicID       string
	Weekday        time.Weekday
	StartMinute    int
	EndMinute      int
	Active         bool
}

// Override adds or removes availability on one calendar date, superseding
// recurring rules over the same interval. Available=false subtracts from
// the recurring windows; Available=true contributes an extra window.
type Override struct {
	ID             string
	PractitionerID string
	ClinicID       string
	Date           time.Time // midnight UTC of the calendar date
	StartMinute    int
	EndMinute      int
	Available      bool
	Reason         string
}

// Window is a half-open [Start, End) availability interval in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

type span struct {
	start int
	end   int
}

// WindowsForDate resolves the availability windows for one practitioner on
// one calendar date at one clinic. The result is a minimal disjoint set,
// ordered by start time: recurring rules for the weekday plus Available=true
// overrides, merged, minus every Available=false override interval (clipped
// or split as needed).
func WindowsForDate(rules []RecurringRule, overrides []Override, day time.Time, clinicID string) []Window {
	day = Midnight(day)
	weekday := day.Weekday()

	var base []span
	for _, r := range rules {
		if !r.Active || r.Weekday != weekday {
			continue
		}
		if r.ClinicID != "" && clinicID != "" && r.ClinicID != clinicID {
			continue
		}
		if s, ok := normalize(r.StartMinute, r.EndMinute); ok {
			base = append(base, s)
		}
	}

	var blocks []span
	for _, o := range overrides {
		if !Midnight(o.Date).Equal(day) {
			continue
		}
		if o.ClinicID != "" && clinicID != "" && o.ClinicID != clinicID {
			continue
		}
		s, ok := normalize(o.StartMinute, o.EndMinute)
		if !ok {
			continue
		}
		if o.Available {
			base = append(base, s)
		} else {
			blocks = append(blocks, s)
		}
	}

	open := subtract(merge(base), merge(blocks))

	out := make([]Window, 0, len(open))
	for _, s := range open {
		out = append(out, Window{
			Start: day.Add(time.Duration(s.start) * time.Minute),
			End:   day.Add(time.Duration(s.end) * time.Minute),
		})
	}
	return out
}

// RuleConflicts reports whether r overlaps an active rule in rules for the
// same practitioner, weekday and clinic scope. The store does not enforce
// this; the schedule write path rejects conflicting rules before insert.
func RuleConflicts(rules []RecurringRule, r RecurringRule) bool {
	cand, ok := normalize(r.StartMinute, r.EndMinute)
	if !ok {
		return false
	}
	for _, existing := range rules {
		if !existing.Active || existing.ID == r.ID {
			continue
		}
		if existing.Weekday != r.Weekday || existing.PractitionerID != r.PractitionerID {
			continue
		}
		if existing.ClinicID != "" && r.ClinicID != "" && existing.ClinicID != r.ClinicID {
			continue
		}
		s, ok := normalize(existing.StartMinute, existing.EndMinute)
		if !ok {
			continue
		}
		if cand.start < s.end && s.start < cand.end {
			return true
		}
	}
	return false
}

// Midnight truncates t to 00:00 UTC of its calendar date.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

const minutesPerDay = 24 * 60

func normalize(start, end int) (span, bool) {
	if start < 0 {
		start = 0
	}
	if end > minutesPerDay {
		end = minutesPerDay
	}
	if end <= start {
		return span{}, false
	}
	return span{start: start, end: end}, true
}

// merge sorts spans and coalesces overlapping or touching ones into a
// minimal disjoint set.
func merge(in []span) []span {
	if len(in) == 0 {
		return nil
	}
	sortSpans(in)
	out := make([]span, 0, len(in))
	for _, cur := range in {
		if len(out) == 0 {
			out = append(out, cur)
			continue
		}
		last := &out[len(out)-1]
		if cur.start > last.end {
			out = append(out, cur)
			continue
		}
		if cur.end > last.end {
			last.end = cur.end
		}
	}
	return out
}

// subtract removes every block interval from base. Both inputs must be
// merged. A block strictly inside a base span splits it in two.
func subtract(base, blocks []span) []span {
	if len(blocks) == 0 {
		return base
	}
	var out []span
	for _, b := range base {
		cursor := b.start
		for _, blk := range blocks {
			if blk.end <= cursor || blk.start >= b.end {
				continue
			}
			if blk.start > cursor {
				out = append(out, span{start: cursor, end: blk.start})
			}
			if blk.end > cursor {
				cursor = blk.end
			}
		}
		if cursor < b.end {
			out = append(out, span{start: cursor, end: b.end})
		}
	}
	return out
}

func sortSpans(in []span) {
	for i := 1; i < len(in); i++ {
		j := i
		for j > 0 && (in[j].start < in[j-1].start || (in[j].start == in[j-1].start && in[j].end < in[j-1].end)) {
			in[j], in[j-1] = in[j-1], in[j]
			j--
		}
	}
}
