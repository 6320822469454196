package domain

import (
	"fmt"
	"time"
)

// PlanNext computes the user's next prompt instant: the earliest remaining
// random slot in today's active window, or the first slot of tomorrow's
// window when today is exhausted. The result is always strictly after now;
// a past instant is a planning bug and is reported as an error instead of
// being silently scheduled.
func PlanNext(now time.Time, u *UserSchedule) (time.Time, error) {
	today, err := ResolveWindow(u.TZ, u.ActiveFromM, u.ActiveToM, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve window: %w", err)
	}

	next, ok := FirstSlotAfter(today, u.DailyCount, now)
	if !ok {
		tomorrow, err := NextDayWindow(u.TZ, u.ActiveFromM, u.ActiveToM, today)
		if err != nil {
			return time.Time{}, fmt.Errorf("resolve next-day window: %w", err)
		}
		next, ok = FirstSlotAfter(tomorrow, u.DailyCount, now)
		if !ok {
			return time.Time{}, fmt.Errorf("no future slot for chat %d", u.ChatID)
		}
	}
	if !next.After(now) {
		return time.Time{}, fmt.Errorf("planned slot %s not after now %s", next, now)
	}
	return next.UTC(), nil
}
