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

// Sweeper is the escalation loop. Each tick it moves users whose prompt went
// unanswered past the response timeout into the escalation sequence, and
// fires due escalation resends with increasing urgency until the user
// responds or a stop condition hits.
type Sweeper struct {
	repo     store.Repo
	log      *zap.Logger
	sender   Sender
	interval time.Duration
	timeout  time.Duration // process-wide default response timeout
	policy   domain.EscalationPolicy
}

// NewSweeper creates the escalation sweep loop.
func NewSweeper(repo store.Repo, log *zap.Logger, sender Sender, interval, timeout time.Duration, policy domain.EscalationPolicy) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		repo:     repo,
		log:      log,
		sender:   sender,
		interval: interval,
		timeout:  timeout,
		policy:   policy,
	}
}

// Run starts the loop until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick performs one sweep cycle: repair inconsistent rows, enter escalation
// for freshly timed-out prompts, then fire due resends.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	// Rows stuck with a claimed-but-unrecorded resend get a fresh instant one
	// level-1 delay out.
	if fixed, err := s.repo.NormalizeEscalation(ctx, now.Add(s.policy.ResendDelay(1))); err != nil {
		s.log.Error("NormalizeEscalation failed", zap.Error(err))
	} else if fixed > 0 {
		s.log.Warn("repaired inconsistent escalation state", zap.Int64("rows", fixed))
	}

	s.enterEscalations(ctx, now)
	s.fireResends(ctx, now)
}

// enterEscalations marks timed-out prompts missed and starts the state
// machine for their users. Marking the record first doubles as the claim: a
// concurrent sweep loses the conditional update and does nothing.
func (s *Sweeper) enterEscalations(ctx context.Context, now time.Time) {
	prompts, err := s.repo.ListTimedOut(ctx, now, s.timeout, batchSize)
	if err != nil {
		s.log.Error("ListTimedOut failed", zap.Error(err))
		return
	}
	for i := range prompts {
		p := &prompts[i]

		marked, err := s.repo.MarkPromptMissed(ctx, p.ID, domain.MissedTimeout)
		if err != nil {
			s.log.Error("MarkPromptMissed failed", zap.Error(err), zap.String("promptID", p.ID))
			continue
		}
		if !marked {
			continue // a response or another sweep got there first
		}

		// Unanswered escalation resends are only marked for the audit trail;
		// they never start a second sequence.
		if p.IsEscalation {
			continue
		}

		firstResend := now.Add(s.policy.ResendDelay(1))
		began, err := s.repo.BeginEscalation(ctx, p.ChatID, p.SentAt, now, firstResend)
		if err != nil {
			s.log.Error("BeginEscalation failed", zap.Error(err), zap.Int64("chatID", p.ChatID))
			continue
		}
		if began {
			s.log.Info("escalation started",
				zap.Int64("chatID", p.ChatID),
				zap.String("promptID", p.ID),
				zap.Time("firstResend", firstResend))
		}
	}
}

// fireResends claims and sends due escalation follow-ups, honoring the stop
// conditions before anything leaves the process.
func (s *Sweeper) fireResends(ctx context.Context, now time.Time) {
	users, err := s.repo.ListEscalationDue(ctx, now, batchSize)
	if err != nil {
		s.log.Error("ListEscalationDue failed", zap.Error(err))
		return
	}
	for i := range users {
		s.resendOne(ctx, now, &users[i])
	}
}

func (s *Sweeper) resendOne(ctx context.Context, now time.Time, u *domain.UserSchedule) {
	due := *u.Escalation.NextEscalationAt

	claimed, err := s.repo.ClaimEscalation(ctx, u.ChatID, due)
	if err != nil {
		s.log.Error("ClaimEscalation failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return
	}
	if !claimed {
		return
	}

	if u.Escalation.StartedAt != nil && s.policy.Expired(*u.Escalation.StartedAt, now) {
		s.stop(ctx, u.ChatID, "max escalation duration reached")
		return
	}
	if s.policy.RespectWindow && !s.insideWindow(u, now) {
		s.stop(ctx, u.ChatID, "outside active window")
		return
	}

	level := u.Escalation.Level
	p := &domain.Prompt{
		ID:              uuid.NewString(),
		ChatID:          u.ChatID,
		SentAt:          now,
		IsEscalation:    true,
		EscalationLevel: level,
	}
	if err := s.repo.CreatePrompt(ctx, p); err != nil {
		s.log.Error("CreatePrompt failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return
	}

	msgID, err := s.sender.SendPrompt(ctx, u.ChatID, p.ID, survey.EscalationText(level))
	if err != nil {
		s.log.Error("escalation send failed", zap.Error(err),
			zap.Int64("chatID", u.ChatID), zap.Int("level", level))
	} else if err := s.repo.SetPromptMessageID(ctx, p.ID, msgID); err != nil {
		s.log.Error("SetPromptMessageID failed", zap.Error(err), zap.String("promptID", p.ID))
	}

	nextLevel := level + 1
	if nextLevel > s.policy.MaxLevel {
		nextLevel = s.policy.MaxLevel
	}
	nextAt := now.Add(s.policy.ResendDelay(nextLevel))
	if err := s.repo.AdvanceEscalation(ctx, u.ChatID, nextLevel, now, nextAt); err != nil {
		s.log.Error("AdvanceEscalation failed", zap.Error(err), zap.Int64("chatID", u.ChatID))
	}
}

func (s *Sweeper) stop(ctx context.Context, chatID int64, reason string) {
	if err := s.repo.StopEscalation(ctx, chatID); err != nil {
		s.log.Error("StopEscalation failed", zap.Error(err), zap.Int64("chatID", chatID))
		return
	}
	s.log.Info("escalation stopped", zap.Int64("chatID", chatID), zap.String("reason", reason))
}

// insideWindow reports whether now falls within the user's local active
// hours. An unloadable timezone should never reach this point; treat it as
// outside so escalation stops instead of firing at unknown local hours.
func (s *Sweeper) insideWindow(u *domain.UserSchedule, now time.Time) bool {
	loc, err := time.LoadLocation(u.TZ)
	if err != nil {
		s.log.Warn("bad timezone on escalating user", zap.Error(err), zap.Int64("chatID", u.ChatID))
		return false
	}
	local := now.In(loc)
	return domain.InWindow(local.Hour()*60+local.Minute(), u.ActiveFromM, u.ActiveToM)
}
