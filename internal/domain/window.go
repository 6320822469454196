package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrEmptyWindow = errors.New("zero-length active window")

// Window is an absolute UTC span corresponding to one day's active hours in
// the user's timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window (start inclusive,
// end exclusive).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// InWindow returns true if local time (minutes since midnight) is inside the
// active window. Supports wrap-around windows like 22:00–02:00 (fromM > toM).
func InWindow(localM, fromM, toM int) bool {
	if fromM == toM {
		return false
	}
	if fromM < toM {
		return localM >= fromM && localM < toM
	}
	// wrap: [from..1440) U [0..to)
	return localM >= fromM || localM < toM
}

// ResolveWindow converts the user's local active hours into absolute UTC
// instants for the day containing now, or for the following day if now is
// already past today's window end. Boundaries are built as wall-clock times
// in the target zone, so the window keeps its local meaning across DST
// transitions even when its UTC duration changes.
func ResolveWindow(tz string, fromM, toM int, now time.Time) (Window, error) {
	if fromM == toM {
		return Window{}, ErrEmptyWindow
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Window{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	localNow := now.In(loc)
	start := localWallClock(localNow, fromM)
	end := localWallClock(localNow, toM)
	if toM <= fromM {
		// wrap window: end lands on the next day
		end = end.AddDate(0, 0, 1)
		// a now in the early-morning segment belongs to the window that
		// started yesterday evening
		if localNow.Hour()*60+localNow.Minute() < toM {
			start = start.AddDate(0, 0, -1)
			end = end.AddDate(0, 0, -1)
		}
	}
	if !now.Before(end.UTC()) {
		start = start.AddDate(0, 0, 1)
		end = end.AddDate(0, 0, 1)
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// NextDayWindow returns the active window for the day after the one w covers.
func NextDayWindow(tz string, fromM, toM int, w Window) (Window, error) {
	return ResolveWindow(tz, fromM, toM, w.End)
}

// localWallClock builds the instant at mins-since-midnight on base's local
// date. Going through time.Date lets the zone database pick the right offset
// for that specific day.
func localWallClock(base time.Time, mins int) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), mins/60, mins%60, 0, 0, base.Location())
}

// ValidateWindow rejects windows the scheduler cannot plan within. A wrap
// window (from > to) is allowed; an empty one is not.
func ValidateWindow(fromM, toM int) error {
	if fromM < 0 || fromM > 1439 || toM < 0 || toM > 1439 {
		return errors.New("window bounds out of range")
	}
	if fromM == toM {
		return ErrEmptyWindow
	}
	return nil
}
