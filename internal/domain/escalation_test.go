package domain

import (
	"testing"
	"time"
)

func testPolicy() EscalationPolicy {
	return EscalationPolicy{
		Intervals: []IntervalRange{
			{Min: 15 * time.Minute, Max: 30 * time.Minute},
			{Min: 10 * time.Minute, Max: 20 * time.Minute},
			{Min: 5 * time.Minute, Max: 10 * time.Minute},
		},
		MaxLevel:      3,
		MaxDuration:   2 * time.Hour,
		RespectWindow: true,
	}
}

func TestResendDelay_WithinRange(t *testing.T) {
	p := testPolicy()
	for level := 1; level <= 3; level++ {
		r := p.Intervals[level-1]
		for trial := 0; trial < 50; trial++ {
			d := p.ResendDelay(level)
			if d < r.Min || d >= r.Max {
				t.Fatalf("level %d delay %s outside [%s, %s)", level, d, r.Min, r.Max)
			}
		}
	}
}

func TestResendDelay_LevelPastTableUsesLastRange(t *testing.T) {
	p := testPolicy()
	last := p.Intervals[len(p.Intervals)-1]
	for trial := 0; trial < 50; trial++ {
		d := p.ResendDelay(7)
		if d < last.Min || d >= last.Max {
			t.Fatalf("delay %s outside last range [%s, %s)", d, last.Min, last.Max)
		}
	}
}

func TestExpired(t *testing.T) {
	p := testPolicy()
	started := time.Date(2025, time.May, 5, 12, 0, 0, 0, time.UTC)
	if p.Expired(started, started.Add(time.Hour)) {
		t.Fatal("1h into 2h budget should not be expired")
	}
	if !p.Expired(started, started.Add(2*time.Hour+time.Minute)) {
		t.Fatal("past 2h budget should be expired")
	}
}
