package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/survey"
)

// Sender is the minimal outbound capability the scheduling loops need.
// telegram.Sender implements it; tests use a fake.
type Sender interface {
	// SendPrompt delivers text to the chat with the answer/skip buttons
	// bound to promptID. Returns the transport message id.
	SendPrompt(ctx context.Context, chatID int64, promptID, text string) (int, error)
}

const batchSize = 100

// Dispatcher is the low-frequency loop that sends regular prompts. Each tick
// it claims due users, records the send, and plans the following slot. It
// never holds more than the single next instant per user, so a crash between
// sends leaves at most one user unplanned, which the next tick heals.
type Dispatcher struct {
	repo     store.Repo
	log      *zap.Logger
	sender   Sender
	interval time.Duration
}

// NewDispatcher creates the dispatch loop.
func NewDispatcher(repo store.Repo, log *zap.Logger, sender Sender, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Dispatcher{repo: repo, log: log, sender: sender, interval: interval}
}

// Run starts the loop until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick performs one dispatch cycle: heal unplanned users, then claim and
// send for every due user. Per-user errors are logged and skipped so one
// malformed schedule cannot stall the rest.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	d.healUnplanned(ctx, now)

	users, err := d.repo.ListDue(ctx, now, batchSize)
	if err != nil {
		d.log.Error("ListDue failed", zap.Error(err))
		return
	}
	for i := range users {
		d.dispatchOne(ctx, now, &users[i])
	}
}

// healUnplanned plans users that are enabled but have no next slot: freshly
// resumed users, or users a crashed tick claimed without finishing.
func (d *Dispatcher) healUnplanned(ctx context.Context, now time.Time) {
	users, err := d.repo.ListUnplanned(ctx, batchSize)
	if err != nil {
		d.log.Error("ListUnplanned failed", zap.Error(err))
		return
	}
	for i := range users {
		u := &users[i]
		next, err := domain.PlanNext(now, u)
		if err != nil {
			d.log.Warn("replan failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
			continue
		}
		if err := d.repo.SetNextDue(ctx, u.ChatID, next, nil); err != nil {
			d.log.Error("SetNextDue failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, now time.Time, u *domain.UserSchedule) {
	due := *u.NextDueAt

	// Claim before sending: clearing next_due_at conditionally is what keeps
	// an overlapping slow tick from dispatching this instant twice.
	claimed, err := d.repo.ClaimDue(ctx, u.ChatID, due)
	if err != nil {
		d.log.Error("ClaimDue failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return
	}
	if !claimed {
		return
	}

	// A due instant stale by more than one tick interval means the loop was
	// not running when it elapsed. Delivering it now could land far outside
	// the user's active hours, so the slot is replanned instead of sent.
	if now.Sub(due) > d.interval {
		next, err := domain.PlanNext(now, u)
		if err != nil {
			// Left unplanned; healUnplanned picks it up next tick.
			d.log.Warn("replan of stale slot failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
			return
		}
		if err := d.repo.SetNextDue(ctx, u.ChatID, next, nil); err != nil {
			d.log.Error("SetNextDue failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
			return
		}
		d.log.Info("stale slot replanned",
			zap.Int64("chatID", u.ChatID), zap.Time("was", due), zap.Time("next", next))
		return
	}

	p := &domain.Prompt{
		ID:     uuid.NewString(),
		ChatID: u.ChatID,
		SentAt: now,
	}
	if err := d.repo.CreatePrompt(ctx, p); err != nil {
		d.log.Error("CreatePrompt failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return
	}

	// The record already reflects intent; a failed send is logged and the
	// user simply waits for the next regular slot. No inline retry.
	msgID, err := d.sender.SendPrompt(ctx, u.ChatID, p.ID, survey.PromptText)
	if err != nil {
		d.log.Error("send failed", zap.Error(err),
			zap.Int64("chatID", u.ChatID), zap.String("promptID", p.ID))
	} else if err := d.repo.SetPromptMessageID(ctx, p.ID, msgID); err != nil {
		d.log.Error("SetPromptMessageID failed", zap.Error(err), zap.String("promptID", p.ID))
	}

	next, err := domain.PlanNext(now, u)
	if err != nil {
		// Left unplanned; healUnplanned picks it up next tick.
		d.log.Warn("plan after send failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return
	}
	if err := d.repo.SetNextDue(ctx, u.ChatID, next, &now); err != nil {
		d.log.Error("SetNextDue failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
	}
}
