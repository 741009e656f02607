package availability

import (
	"testing"
	"time"

	"github.com/physiobook/physiobook/services/scheduling-service/internal/schedule"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func TestSubtractBusy_SplitsWindow(t *testing.T) {
	windows := []schedule.Window{{Start: at(9, 0), End: at(17, 0)}}
	busy := []Interval{{Start: at(12, 0), End: at(13, 0)}}

	free := SubtractBusy(windows, busy)
	if len(free) != 2 {
		t.Fatalf("expected 2 free intervals, got %d", len(free))
	}
	if !free[0].Start.Equal(at(9, 0)) || !free[0].End.Equal(at(12, 0)) {
		t.Fatalf("unexpected first interval: %v", free[0])
	}
	if !free[1].Start.Equal(at(13, 0)) || !free[1].End.Equal(at(17, 0)) {
		t.Fatalf("unexpected second interval: %v", free[1])
	}
}

func TestSubtractBusy_UnorderedOverlappingBusy(t *testing.T) {
	windows := []schedule.Window{{Start: at(9, 0), End: at(12, 0)}}
	busy := []Interval{
		{Start: at(10, 30), End: at(11, 0)},
		{Start: at(10, 0), End: at(10, 45)},
	}

	free := SubtractBusy(windows, busy)
	if len(free) != 2 {
		t.Fatalf("expected 2 free intervals, got %d", len(free))
	}
	if !free[0].End.Equal(at(10, 0)) || !free[1].Start.Equal(at(11, 0)) {
		t.Fatalf("busy intervals not merged before subtraction: %v", free)
	}
}

func TestSubtractBusy_BusyOutsideWindowIgnored(t *testing.T) {
	windows := []schedule.Window{{Start: at(9, 0), End: at(12, 0)}}
	busy := []Interval{{Start: at(13, 0), End: at(14, 0)}}

	free := SubtractBusy(windows, busy)
	if len(free) != 1 || !free[0].Start.Equal(at(9, 0)) || !free[0].End.Equal(at(12, 0)) {
		t.Fatalf("expected untouched window, got %v", free)
	}
}

func TestTileSlots_DropsShortRemainder(t *testing.T) {
	free := []Interval{{Start: at(9, 0), End: at(10, 10)}}

	slots := TileSlots(free, 30*time.Minute, day)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 0)) || !slots[1].Start.Equal(at(9, 30)) {
		t.Fatalf("unexpected slot starts: %v", slots)
	}
}

func TestTileSlots_ExactFitIsASlot(t *testing.T) {
	free := []Interval{{Start: at(9, 30), End: at(10, 0)}}

	slots := TileSlots(free, 30*time.Minute, day)
	if len(slots) != 1 || !slots[0].Start.Equal(at(9, 30)) {
		t.Fatalf("expected the exact-fit slot, got %v", slots)
	}
}

func TestTileSlots_SkipsPast(t *testing.T) {
	free := []Interval{{Start: at(9, 0), End: at(10, 0)}}

	now := at(9, 31)
	slots := TileSlots(free, 15*time.Minute, now)
	// 09:00, 09:15, 09:30 start before now; 09:45 remains.
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 45)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Start.Format(time.RFC3339))
	}
}

func TestContains(t *testing.T) {
	windows := []schedule.Window{
		{Start: at(9, 0), End: at(12, 0)},
		{Start: at(14, 0), End: at(17, 0)},
	}

	if !Contains(windows, at(9, 0), at(10, 0)) {
		t.Fatal("interval at window start should be contained")
	}
	if !Contains(windows, at(16, 0), at(17, 0)) {
		t.Fatal("interval at window end should be contained")
	}
	if Contains(windows, at(11, 30), at(12, 30)) {
		t.Fatal("interval crossing a window end should not be contained")
	}
	if Contains(windows, at(12, 30), at(13, 30)) {
		t.Fatal("interval in a gap should not be contained")
	}
}

func TestOverlaps(t *testing.T) {
	busy := []Interval{{Start: at(10, 0), End: at(11, 0)}}

	if Overlaps(at(9, 0), at(10, 0), busy) {
		t.Fatal("touching intervals should not overlap (half-open)")
	}
	if !Overlaps(at(10, 30), at(11, 30), busy) {
		t.Fatal("intersecting intervals should overlap")
	}
}
