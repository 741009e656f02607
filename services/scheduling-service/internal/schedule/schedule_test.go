package schedule

import (
	"testing"
	"time"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

func mins(h, m int) int { return h*60 + m }

func rule(start, end int) RecurringRule {
	return RecurringRule{
		ID:             "r1",
		PractitionerID: "prac-1",
		Weekday:        time.Monday,
		StartMinute:    start,
		EndMinute:      end,
		Active:         true,
	}
}

func wantWindows(t *testing.T, got []Window, want [][2]int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d windows, got %d (%v)", len(want), len(got), got)
	}
	for i, w := range want {
		start := monday.Add(time.Duration(w[0]) * time.Minute)
		end := monday.Add(time.Duration(w[1]) * time.Minute)
		if !got[i].Start.Equal(start) || !got[i].End.Equal(end) {
			t.Fatalf("window %d: expected %s-%s, got %s-%s", i,
				start.Format("15:04"), end.Format("15:04"),
				got[i].Start.Format("15:04"), got[i].End.Format("15:04"))
		}
	}
}

func TestWindowsForDate_BlockSplitsRecurringWindow(t *testing.T) {
	rules := []RecurringRule{rule(mins(9, 0), mins(17, 0))}
	overrides := []Override{{
		PractitionerID: "prac-1",
		Date:           monday,
		StartMinute:    mins(12, 0),
		EndMinute:      mins(13, 0),
		Available:      false,
		Reason:         "lunch cover",
	}}

	got := WindowsForDate(rules, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(12, 0)}, {mins(13, 0), mins(17, 0)}})
}

func TestWindowsForDate_PartialOverlapClips(t *testing.T) {
	rules := []RecurringRule{rule(mins(9, 0), mins(12, 0))}
	overrides := []Override{{
		PractitionerID: "prac-1",
		Date:           monday,
		StartMinute:    mins(11, 0),
		EndMinute:      mins(14, 0),
		Available:      false,
	}}

	got := WindowsForDate(rules, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(11, 0)}})
}

func TestWindowsForDate_AvailableOverrideAddsWindow(t *testing.T) {
	rules := []RecurringRule{rule(mins(9, 0), mins(12, 0))}
	overrides := []Override{{
		PractitionerID: "prac-1",
		Date:           monday,
		StartMinute:    mins(18, 0),
		EndMinute:      mins(20, 0),
		Available:      true,
	}}

	got := WindowsForDate(rules, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(12, 0)}, {mins(18, 0), mins(20, 0)}})
}

func TestWindowsForDate_TouchingIntervalsMerge(t *testing.T) {
	rules := []RecurringRule{rule(mins(9, 0), mins(12, 0))}
	overrides := []Override{{
		PractitionerID: "prac-1",
		Date:           monday,
		StartMinute:    mins(12, 0),
		EndMinute:      mins(14, 0),
		Available:      true,
	}}

	got := WindowsForDate(rules, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(14, 0)}})
}

func TestWindowsForDate_BlockWinsOverAdd(t *testing.T) {
	overrides := []Override{
		{PractitionerID: "prac-1", Date: monday, StartMinute: mins(10, 0), EndMinute: mins(12, 0), Available: true},
		{PractitionerID: "prac-1", Date: monday, StartMinute: mins(10, 30), EndMinute: mins(11, 0), Available: false},
	}

	got := WindowsForDate(nil, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(10, 0), mins(10, 30)}, {mins(11, 0), mins(12, 0)}})
}

func TestWindowsForDate_OtherWeekdayRuleIgnored(t *testing.T) {
	r := rule(mins(9, 0), mins(17, 0))
	r.Weekday = time.Tuesday

	got := WindowsForDate([]RecurringRule{r}, nil, monday, "")
	if len(got) != 0 {
		t.Fatalf("expected no windows, got %v", got)
	}
}

func TestWindowsForDate_ClinicScoping(t *testing.T) {
	general := rule(mins(9, 0), mins(12, 0))
	cityOnly := rule(mins(14, 0), mins(17, 0))
	cityOnly.ID = "r2"
	cityOnly.ClinicID = "clinic-city"

	got := WindowsForDate([]RecurringRule{general, cityOnly}, nil, monday, "clinic-north")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(12, 0)}})

	got = WindowsForDate([]RecurringRule{general, cityOnly}, nil, monday, "clinic-city")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(12, 0)}, {mins(14, 0), mins(17, 0)}})
}

func TestWindowsForDate_OverrideOnDifferentDateIgnored(t *testing.T) {
	rules := []RecurringRule{rule(mins(9, 0), mins(12, 0))}
	overrides := []Override{{
		PractitionerID: "prac-1",
		Date:           monday.AddDate(0, 0, 7),
		StartMinute:    mins(9, 0),
		EndMinute:      mins(12, 0),
		Available:      false,
	}}

	got := WindowsForDate(rules, overrides, monday, "")
	wantWindows(t, got, [][2]int{{mins(9, 0), mins(12, 0)}})
}

func TestWindowsForDate_DisjointAndOrdered(t *testing.T) {
	rules := []RecurringRule{rule(mins(13, 0), mins(15, 0))}
	second := rule(mins(8, 0), mins(10, 0))
	second.ID = "r2"
	rules = append(rules, second)
	third := rule(mins(9, 30), mins(13, 30))
	third.ID = "r3"
	rules = append(rules, third)

	got := WindowsForDate(rules, nil, monday, "")
	wantWindows(t, got, [][2]int{{mins(8, 0), mins(15, 0)}})

	for i := 1; i < len(got); i++ {
		if !got[i].Start.After(got[i-1].End) {
			t.Fatalf("windows not disjoint/ordered: %v", got)
		}
	}
}

func TestRuleConflicts(t *testing.T) {
	existing := []RecurringRule{rule(mins(9, 0), mins(12, 0))}

	overlap := rule(mins(11, 0), mins(14, 0))
	overlap.ID = "r-new"
	if !RuleConflicts(existing, overlap) {
		t.Fatal("expected overlap to conflict")
	}

	adjacent := rule(mins(12, 0), mins(14, 0))
	adjacent.ID = "r-new"
	if RuleConflicts(existing, adjacent) {
		t.Fatal("adjacent rule should not conflict")
	}

	otherDay := rule(mins(9, 0), mins(12, 0))
	otherDay.ID = "r-new"
	otherDay.Weekday = time.Tuesday
	if RuleConflicts(existing, otherDay) {
		t.Fatal("rule on another weekday should not conflict")
	}

	otherClinic := rule(mins(9, 0), mins(12, 0))
	otherClinic.ID = "r-new"
	otherClinic.ClinicID = "clinic-a"
	scoped := rule(mins(9, 0), mins(12, 0))
	scoped.ClinicID = "clinic-b"
	if RuleConflicts([]RecurringRule{scoped}, otherClinic) {
		t.Fatal("rules scoped to different clinics should not conflict")
	}
}
