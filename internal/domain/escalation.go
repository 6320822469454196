package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// IntervalRange is the [min,max] random delay before an escalation resend.
type IntervalRange struct {
	Min time.Duration
	Max time.Duration
}

// EscalationPolicy is the process-wide escalation configuration. Intervals
// shrink as the level grows, so follow-ups arrive faster the longer a prompt
// stays unanswered.
type EscalationPolicy struct {
	Intervals     []IntervalRange // index 0 = delay before the level-1 resend
	MaxLevel      int
	MaxDuration   time.Duration // total budget since escalation started
	RespectWindow bool          // suppress resends outside the active window
}

// ResendDelay picks a uniform random delay from the range configured for the
// given level. Levels past the table reuse the last (shortest) range.
func (p EscalationPolicy) ResendDelay(level int) time.Duration {
	if len(p.Intervals) == 0 {
		return 15 * time.Minute
	}
	idx := level - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Intervals) {
		idx = len(p.Intervals) - 1
	}
	r := p.Intervals[idx]
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rand.Int63n(int64(r.Max-r.Min)))
}

// Expired reports whether the escalation sequence has used up its total time
// budget.
func (p EscalationPolicy) Expired(startedAt, now time.Time) bool {
	return now.Sub(startedAt) > p.MaxDuration
}

// ParseIntervalTable parses the "15-30,10-20,5-10" form (minutes per level)
// used in configuration.
func ParseIntervalTable(s string) ([]IntervalRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty interval table")
	}
	var out []IntervalRange
	for i, part := range strings.Split(s, ",") {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("level %d: expected min-max, got %q", i+1, part)
		}
		lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil || lo <= 0 {
			return nil, fmt.Errorf("level %d: invalid min %q", i+1, bounds[0])
		}
		hi, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
		if err != nil || hi < lo {
			return nil, fmt.Errorf("level %d: invalid max %q", i+1, bounds[1])
		}
		out = append(out, IntervalRange{
			Min: time.Duration(lo) * time.Minute,
			Max: time.Duration(hi) * time.Minute,
		})
	}
	return out, nil
}
