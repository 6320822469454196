package domain

import (
	"testing"
	"time"
)

func testUser(tz string, fromM, toM, count int) *UserSchedule {
	return &UserSchedule{
		ChatID:      1,
		Enabled:     true,
		TZ:          tz,
		ActiveFromM: fromM,
		ActiveToM:   toM,
		DailyCount:  count,
	}
}

func TestPlanNext_BeforeWindowYieldsTodaySlot(t *testing.T) {
	u := testUser("Europe/Moscow", 9*60, 21*60, 6)
	// 08:00 MSK → slot strictly between 09:00 and 21:00 local today
	now := mustLocalUTC(t, u.TZ, 2025, time.May, 5, 8, 0)

	for trial := 0; trial < 30; trial++ {
		next, err := PlanNext(now, u)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if !next.After(now) {
			t.Fatalf("next %s not after now %s", next, now)
		}
		winStart := mustLocalUTC(t, u.TZ, 2025, time.May, 5, 9, 0)
		winEnd := mustLocalUTC(t, u.TZ, 2025, time.May, 5, 21, 0)
		if next.Before(winStart) || !next.Before(winEnd) {
			t.Fatalf("next %s outside today's window [%s, %s)", next, winStart, winEnd)
		}
	}
}

func TestPlanNext_ExhaustedDayRollsToTomorrow(t *testing.T) {
	u := testUser("Europe/Moscow", 9*60, 21*60, 3)
	// 20:59:59 local: the last segment may or may not have a future instant
	// left; past window end the plan must land tomorrow.
	now := mustLocalUTC(t, u.TZ, 2025, time.May, 5, 21, 30)

	next, err := PlanNext(now, u)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	tomorrowStart := mustLocalUTC(t, u.TZ, 2025, time.May, 6, 9, 0)
	tomorrowEnd := mustLocalUTC(t, u.TZ, 2025, time.May, 6, 21, 0)
	if next.Before(tomorrowStart) || !next.Before(tomorrowEnd) {
		t.Fatalf("next %s outside tomorrow's window [%s, %s)", next, tomorrowStart, tomorrowEnd)
	}
}

func TestPlanNext_AlwaysFuture(t *testing.T) {
	u := testUser("Asia/Almaty", 8*60, 22*60, 10)
	now := time.Now().UTC()
	for trial := 0; trial < 30; trial++ {
		next, err := PlanNext(now, u)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if !next.After(now) {
			t.Fatalf("next %s not after now %s", next, now)
		}
	}
}

func TestPlanNext_CountChangeReplans(t *testing.T) {
	// Changing daily count mid-day must produce a valid plan under the new
	// count; there is no stale state to carry because planning is stateless.
	u := testUser("Europe/Moscow", 9*60, 21*60, 6)
	now := mustLocalUTC(t, u.TZ, 2025, time.May, 5, 13, 0)

	u.DailyCount = 2
	next, err := PlanNext(now, u)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("next %s not after now", next)
	}
	winEnd := mustLocalUTC(t, u.TZ, 2025, time.May, 6, 21, 0)
	if !next.Before(winEnd) {
		t.Fatalf("next %s past tomorrow's window end", next)
	}
}

func TestPlanNext_InvalidTZ(t *testing.T) {
	u := testUser("Nope/Nowhere", 9*60, 21*60, 4)
	if _, err := PlanNext(time.Now(), u); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}
