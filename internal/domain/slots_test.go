package domain

import (
	"testing"
	"time"
)

func TestSlotTimes_SegmentContainment(t *testing.T) {
	start := time.Date(2025, time.May, 5, 6, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(12 * time.Hour)}
	now := start.Add(-time.Hour)

	for trial := 0; trial < 50; trial++ {
		slots := SlotTimes(w, 6, now)
		if len(slots) != 6 {
			t.Fatalf("want 6 slots, got %d", len(slots))
		}
		segment := 2 * time.Hour
		for i, s := range slots {
			segStart := start.Add(time.Duration(i) * segment)
			segEnd := segStart.Add(segment)
			if s.Before(segStart) || !s.Before(segEnd) {
				t.Fatalf("slot %d = %s outside its segment [%s, %s)", i, s, segStart, segEnd)
			}
			if i > 0 && !s.After(slots[i-1]) {
				t.Fatalf("slots not strictly increasing: %s then %s", slots[i-1], s)
			}
		}
	}
}

func TestSlotTimes_DropsElapsedSegments(t *testing.T) {
	start := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(12 * time.Hour)}
	// Half the window already elapsed: at most 3 of 6 segments can remain,
	// plus possibly a tail of the current one.
	now := start.Add(6 * time.Hour)

	for trial := 0; trial < 50; trial++ {
		slots := SlotTimes(w, 6, now)
		if len(slots) > 4 {
			t.Fatalf("want at most 4 future slots, got %d", len(slots))
		}
		for _, s := range slots {
			if !s.After(now) {
				t.Fatalf("slot %s not after now %s", s, now)
			}
		}
	}
}

func TestSlotTimes_WindowFullyElapsed(t *testing.T) {
	start := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(12 * time.Hour)}
	now := w.End.Add(time.Minute)
	if slots := SlotTimes(w, 6, now); len(slots) != 0 {
		t.Fatalf("want no slots after window end, got %d", len(slots))
	}
}

func TestSlotTimes_ZeroCount(t *testing.T) {
	w := Window{Start: time.Now(), End: time.Now().Add(time.Hour)}
	if slots := SlotTimes(w, 0, time.Now()); slots != nil {
		t.Fatalf("want nil for zero count, got %v", slots)
	}
}

func TestFirstSlotAfter(t *testing.T) {
	start := time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(12 * time.Hour)}
	now := start.Add(-time.Hour)

	first, ok := FirstSlotAfter(w, 4, now)
	if !ok {
		t.Fatal("expected a slot")
	}
	if !w.Contains(first) {
		t.Fatalf("first slot %s outside window", first)
	}
	if !first.Before(start.Add(3 * time.Hour)) {
		t.Fatalf("first slot %s not in first segment", first)
	}
}
