package store

import (
	"context"
	"errors"
	"time"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
)

// ErrNotFound is returned when the requested user or prompt does not exist.
var ErrNotFound = errors.New("not found")

// Stats is a read-only snapshot for the monitoring API.
type Stats struct {
	EnabledUsers    int64 `json:"enabled_users"`
	UsersDue        int64 `json:"users_due"`
	UsersEscalating int64 `json:"users_escalating"`
	PromptsSentUTC  int64 `json:"prompts_sent_today_utc"`
}

// Repo defines storage operations for user schedules, escalation state and
// prompt records. All conditional updates ("claims") report whether this
// caller won the row, which is what makes overlapping ticks safe.
type Repo interface {
	// User schedules.
	UpsertUser(ctx context.Context, u *domain.UserSchedule) error
	GetUser(ctx context.Context, chatID int64) (*domain.UserSchedule, error)
	SetEnabled(ctx context.Context, chatID int64, enabled bool) error
	SetNextDue(ctx context.Context, chatID int64, next time.Time, last *time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.UserSchedule, error)
	ListUnplanned(ctx context.Context, limit int) ([]domain.UserSchedule, error)
	// ClaimDue atomically clears next_due_at if it still equals due. Only the
	// claimant that gets true may send for this instant.
	ClaimDue(ctx context.Context, chatID int64, due time.Time) (bool, error)

	// Escalation state machine.
	// BeginEscalation moves an idle user to level 1; false when the user is
	// already escalating, disabled, missing, or has responded since the
	// triggering prompt was sent.
	BeginEscalation(ctx context.Context, chatID int64, promptSentAt, startedAt, nextAt time.Time) (bool, error)
	ListEscalationDue(ctx context.Context, now time.Time, limit int) ([]domain.UserSchedule, error)
	ClaimEscalation(ctx context.Context, chatID int64, due time.Time) (bool, error)
	// AdvanceEscalation records a sent resend and schedules the next one.
	AdvanceEscalation(ctx context.Context, chatID int64, level int, sentAt, nextAt time.Time) error
	// StopEscalation ends the sequence without a response; missed_count is
	// preserved for analytics.
	StopEscalation(ctx context.Context, chatID int64) error
	// SilenceEscalation ends the sequence because the user responded.
	SilenceEscalation(ctx context.Context, chatID int64, respondedAt time.Time, resetMissed bool) error
	// NormalizeEscalation repairs rows where is_escalating disagrees with
	// escalation_level, and reschedules escalating rows left without a next
	// resend instant (a claim that never advanced) to resume; returns the
	// number of rows fixed.
	NormalizeEscalation(ctx context.Context, resume time.Time) (int64, error)

	// Prompt records (append-only; resolution fields written once).
	CreatePrompt(ctx context.Context, p *domain.Prompt) error
	GetPrompt(ctx context.Context, id string) (*domain.Prompt, error)
	SetPromptMessageID(ctx context.Context, id string, messageID int) error
	LatestOpenPrompt(ctx context.Context, chatID int64) (*domain.Prompt, error)
	// ListTimedOut returns unanswered prompts older than the per-user
	// response timeout (falling back to defaultTimeout).
	ListTimedOut(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]domain.Prompt, error)
	MarkPromptMissed(ctx context.Context, id, reason string) (bool, error)
	MarkPromptStarted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkPromptCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkPromptSkipped(ctx context.Context, id string) (bool, error)

	Stats(ctx context.Context, now time.Time) (Stats, error)
	Close() error
}
