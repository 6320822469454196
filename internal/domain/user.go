package domain

import "time"

// UserSchedule holds per-chat sampling settings and the scheduling state the
// engine maintains for that user. The engine only ever keeps the single next
// due instant; later slots are recomputed lazily after each send.
type UserSchedule struct {
	ChatID             int64
	Enabled            bool
	TZ                 string
	ActiveFromM        int // minutes from midnight (0..1439), local
	ActiveToM          int // minutes from midnight (0..1439), local
	DailyCount         int // prompts per day, 1..10
	ResponseTimeoutSec int // 0 means "use process default"
	NextDueAt          *time.Time
	LastSentAt         *time.Time
	Escalation         EscalationState
	CreatedAt          time.Time
}

// EscalationState tracks the per-user escalation machine. IsEscalating is
// true exactly when Level > 0.
type EscalationState struct {
	IsEscalating     bool
	Level            int
	MissedCount      int
	StartedAt        *time.Time
	LastSentAt       *time.Time
	NextEscalationAt *time.Time
	LastResponseAt   *time.Time
}

// MissedReason values recorded on a prompt that was never answered.
const (
	MissedTimeout = "timeout"
	MissedSkipped = "skipped"
)

// Prompt is one outbound survey invitation. Rows are append-only: created by
// the dispatch or escalation path, resolved exactly once by a response event.
type Prompt struct {
	ID              string
	ChatID          int64
	SentAt          time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	MissedReason    string // empty, MissedTimeout or MissedSkipped
	IsEscalation    bool
	EscalationLevel int
	MessageID       int // Telegram message id of the sent prompt, 0 if send failed
}

// Resolved reports whether the prompt has already been answered, skipped or
// marked missed; resolved prompts are never touched again.
func (p *Prompt) Resolved() bool {
	return p.StartedAt != nil || p.CompletedAt != nil || p.MissedReason != ""
}
