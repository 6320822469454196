package domain

import (
	"math/rand"
	"time"
)

// SlotTimes picks count pseudo-random instants inside w, each confined to its
// own equal sub-segment of the window. Partitioning keeps the prompts spread
// over the day instead of clustering, while the within-segment jitter keeps
// them unpredictable. Instants at or before now are dropped, so the result
// may be shorter than count; it is always strictly increasing.
func SlotTimes(w Window, count int, now time.Time) []time.Time {
	if count <= 0 || !w.End.After(w.Start) {
		return nil
	}
	segment := w.End.Sub(w.Start) / time.Duration(count)
	if segment <= 0 {
		return nil
	}

	slots := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		segStart := w.Start.Add(time.Duration(i) * segment)
		at := segStart.Add(time.Duration(rand.Int63n(int64(segment))))
		if !at.After(now) {
			continue
		}
		slots = append(slots, at)
	}
	return slots
}

// FirstSlotAfter returns the earliest slot strictly after now, or false if
// every segment of the window has already elapsed.
func FirstSlotAfter(w Window, count int, now time.Time) (time.Time, bool) {
	slots := SlotTimes(w, count, now)
	if len(slots) == 0 {
		return time.Time{}, false
	}
	return slots[0], true
}
