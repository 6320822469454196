package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
)

const (
	defaultFromM = 9 * 60  // 09:00
	defaultToM   = 21 * 60 // 21:00
	defaultCount = 6
)

// ensureUser makes sure a user row exists; if not, creates it with defaults
// and an initial plan.
func (r *Router) ensureUser(ctx context.Context, chatID int64) (*domain.UserSchedule, error) {
	u, err := r.repo.GetUser(ctx, chatID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	u = &domain.UserSchedule{
		ChatID:      chatID,
		Enabled:     true,
		TZ:          r.defaultTZ,
		ActiveFromM: defaultFromM,
		ActiveToM:   defaultToM,
		DailyCount:  defaultCount,
		CreatedAt:   now,
	}
	if next, err := domain.PlanNext(now, u); err == nil {
		u.NextDueAt = &next
	} else {
		r.log.Warn("initial plan failed", zap.Error(err), zap.Int64("chatID", chatID))
	}
	if err := r.repo.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Generic helpers ---

func (r *Router) sendText(chatID int64, text string) {
	_, _ = r.bot.Send(tgbotapi.NewMessage(chatID, text))
}

func (r *Router) answerCallback(id, text string) error {
	_, err := r.bot.Request(tgbotapi.NewCallback(id, text))
	return err
}

// replan recomputes the next slot after a settings change, discarding the
// stale plan.
func (r *Router) replan(ctx context.Context, u *domain.UserSchedule) error {
	next, err := domain.PlanNext(time.Now().UTC(), u)
	if err != nil {
		return err
	}
	u.NextDueAt = &next
	return r.repo.UpsertUser(ctx, u)
}

// --- Core commands ---

func (r *Router) handleStart(ctx context.Context, chatID int64) {
	u, err := r.ensureUser(ctx, chatID)
	if err != nil {
		r.log.Error("ensureUser failed", zap.Error(err))
		r.sendText(chatID, "Profile initialization error. Please try again later.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, startText)
	msg.ReplyMarkup = mainMenuKeyboard(u.Enabled)
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleStatus(ctx context.Context, chatID int64) {
	u, err := r.ensureUser(ctx, chatID)
	if err != nil {
		r.log.Error("ensureUser failed", zap.Error(err))
		r.sendText(chatID, "Error reading your settings.")
		return
	}

	enabledText := "✅ Enabled"
	if !u.Enabled {
		enabledText = "⏸ Paused"
	}
	next := "—"
	if u.NextDueAt != nil {
		if s, err := domain.LocalizeTime(*u.NextDueAt, u.TZ); err == nil {
			next = s
		}
	}
	if u.Escalation.IsEscalating {
		next = fmt.Sprintf("reminder pending (level %d)", u.Escalation.Level)
	}

	body := fmt.Sprintf("%s\n\n"+statusFmt,
		statusTitle,
		u.DailyCount,
		domain.FormatMinutes(u.ActiveFromM), domain.FormatMinutes(u.ActiveToM),
		u.TZ,
		enabledText,
		next,
		u.Escalation.MissedCount,
	)

	msg := tgbotapi.NewMessage(chatID, body)
	msg.ReplyMarkup = mainMenuKeyboard(u.Enabled)
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleSettings(ctx context.Context, chatID int64) {
	if _, err := r.ensureUser(ctx, chatID); err != nil {
		r.log.Error("ensureUser failed", zap.Error(err))
		r.sendText(chatID, "Error opening settings.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "What do you want to configure?")
	msg.ReplyMarkup = settingsInlineKeyboard()
	_, _ = r.bot.Send(msg)
}

// --- Prompt response buttons ---

func (r *Router) handlePromptStarted(ctx context.Context, chatID int64, promptID, cbID string) {
	if err := r.correlator.OnPromptStarted(ctx, promptID); err != nil {
		r.log.Error("OnPromptStarted failed", zap.Error(err), zap.String("promptID", promptID))
		_ = r.answerCallback(cbID, "Something went wrong, try again.")
		return
	}
	_ = r.answerCallback(cbID, "")
	r.sendText(chatID, "Great — tell me in one message how you're doing right now.")
}

func (r *Router) handlePromptSkipped(ctx context.Context, chatID int64, promptID, cbID string) {
	if err := r.correlator.OnPromptSkipped(ctx, promptID, "user_skip"); err != nil {
		r.log.Error("OnPromptSkipped failed", zap.Error(err), zap.String("promptID", promptID))
		_ = r.answerCallback(cbID, "Something went wrong, try again.")
		return
	}
	_ = r.answerCallback(cbID, "Skipped")
	r.sendText(chatID, "Okay, skipped this one. See you at the next check-in.")
}

// --- Free-form dispatcher (settings "Custom" inputs, or an answer) ---

func (r *Router) handleFreeForm(ctx context.Context, chatID int64, text string) {
	switch r.getPending(chatID) {
	case pendingCount:
		r.clearPending(chatID)
		n, err := domain.ParseDailyCount(text)
		if err != nil {
			r.sendText(chatID, "Please send a number from 1 to 10.")
			return
		}
		if err := r.updateCount(ctx, chatID, n); err != nil {
			r.log.Error("updateCount failed", zap.Error(err))
			r.sendText(chatID, "Could not save check-in count.")
			return
		}
		r.sendText(chatID, fmt.Sprintf("Check-ins per day updated: %d", n))

	case pendingHours:
		r.clearPending(chatID)
		fromM, toM, err := domain.ParseActiveWindow(text)
		if err != nil {
			r.sendText(chatID, "Invalid format. Example: 09:00–21:00")
			return
		}
		if err := r.updateHours(ctx, chatID, fromM, toM); err != nil {
			r.log.Error("updateHours failed", zap.Error(err))
			r.sendText(chatID, "Could not save active hours.")
			return
		}
		r.sendText(chatID, "Active hours updated: "+domain.FormatMinutes(fromM)+"–"+domain.FormatMinutes(toM))

	case pendingTZ:
		r.clearPending(chatID)
		tz, err := domain.ValidateTZ(text)
		if err != nil {
			r.sendText(chatID, "Invalid timezone. Example: Europe/Moscow")
			return
		}
		if err := r.updateTZ(ctx, chatID, tz); err != nil {
			r.log.Error("updateTZ failed", zap.Error(err))
			r.sendText(chatID, "Could not save timezone.")
			return
		}
		r.sendText(chatID, "Timezone updated: "+tz)

	default:
		// No pending flow: treat the message as an answer to the most recent
		// open prompt, if there is one.
		r.handleAnswer(ctx, chatID)
	}
}

// handleAnswer completes the user's open prompt with a free-text reply. The
// reply body itself belongs to the survey side; here it only resolves the
// record and silences escalation.
func (r *Router) handleAnswer(ctx context.Context, chatID int64) {
	p, err := r.correlator.OpenPrompt(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		r.sendText(chatID, "Nothing to answer right now — I'll ping you at the next check-in. Use /status to see your settings.")
		return
	}
	if err != nil {
		r.log.Error("OpenPrompt failed", zap.Error(err), zap.Int64("chatID", chatID))
		return
	}
	if err := r.correlator.OnPromptCompleted(ctx, p.ID); err != nil {
		r.log.Error("OnPromptCompleted failed", zap.Error(err), zap.String("promptID", p.ID))
		r.sendText(chatID, "Could not record your answer, please try again.")
		return
	}
	r.sendText(chatID, "Recorded ✅ Thanks for checking in!")
}

// --- Check-ins per day flow ---

func (r *Router) askCountPresets(ctx context.Context, chatID int64, cbID string) {
	_ = r.answerCallback(cbID, "")
	msg := tgbotapi.NewMessage(chatID, "How many check-ins per day? (or Custom to enter 1–10):")
	msg.ReplyMarkup = countPresetsKeyboard()
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleCountCallback(ctx context.Context, chatID int64, data string, cbID string) {
	_ = r.answerCallback(cbID, "")
	if data == "count:custom" {
		r.sendText(chatID, "Send a number from 1 to 10:")
		r.setPending(chatID, pendingCount)
		return
	}
	n, err := domain.ParseDailyCount(strings.TrimPrefix(data, "count:"))
	if err != nil {
		r.sendText(chatID, "Please pick a number from 1 to 10.")
		return
	}
	if err := r.updateCount(ctx, chatID, n); err != nil {
		r.log.Error("updateCount failed", zap.Error(err))
		r.sendText(chatID, "Could not save check-in count.")
		return
	}
	r.sendText(chatID, fmt.Sprintf("Check-ins per day updated: %d", n))
}

func (r *Router) updateCount(ctx context.Context, chatID int64, n int) error {
	u, err := r.ensureUser(ctx, chatID)
	if err != nil {
		return err
	}
	u.DailyCount = n
	return r.replan(ctx, u)
}

// --- Active hours flow ---

func (r *Router) askHoursPresets(ctx context.Context, chatID int64, cbID string) {
	_ = r.answerCallback(cbID, "")
	msg := tgbotapi.NewMessage(chatID, "Choose active hours (or Custom):")
	msg.ReplyMarkup = hoursPresetsKeyboard()
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleHoursCallback(ctx context.Context, chatID int64, data string, cbID string) {
	_ = r.answerCallback(cbID, "")
	if data == "hours:custom" {
		r.sendText(chatID, "Enter active hours as HH:MM–HH:MM (e.g., 09:00–21:00)")
		r.setPending(chatID, pendingHours)
		return
	}
	fromM, toM, err := domain.ParseActiveWindow(strings.TrimPrefix(data, "hours:"))
	if err != nil {
		r.sendText(chatID, "Invalid format. Example: 09:00–21:00")
		return
	}
	if err := r.updateHours(ctx, chatID, fromM, toM); err != nil {
		r.log.Error("updateHours failed", zap.Error(err))
		r.sendText(chatID, "Could not save active hours.")
		return
	}
	r.sendText(chatID, "Active hours updated: "+domain.FormatMinutes(fromM)+"–"+domain.FormatMinutes(toM))
}

func (r *Router) updateHours(ctx context.Context, chatID int64, fromM, toM int) error {
	u, err := r.ensureUser(ctx, chatID)
	if err != nil {
		return err
	}
	u.ActiveFromM, u.ActiveToM = fromM, toM
	return r.replan(ctx, u)
}

// --- Timezone flow ---

func (r *Router) askTZPresets(ctx context.Context, chatID int64, cbID string) {
	_ = r.answerCallback(cbID, "")
	msg := tgbotapi.NewMessage(chatID, "Choose a timezone or enter your own (Region/City):")
	msg.ReplyMarkup = tzPresetsKeyboard()
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleTZCallback(ctx context.Context, chatID int64, data string, cbID string) {
	_ = r.answerCallback(cbID, "")
	if data == "tz:custom" {
		r.sendText(chatID, "Enter timezone (e.g., Europe/Moscow):")
		r.setPending(chatID, pendingTZ)
		return
	}
	tz, err := domain.ValidateTZ(strings.TrimPrefix(data, "tz:"))
	if err != nil {
		r.sendText(chatID, "Invalid timezone. Example: Europe/Moscow")
		return
	}
	if err := r.updateTZ(ctx, chatID, tz); err != nil {
		r.log.Error("updateTZ failed", zap.Error(err))
		r.sendText(chatID, "Could not save timezone.")
		return
	}
	r.sendText(chatID, "Timezone updated: "+tz)
}

func (r *Router) updateTZ(ctx context.Context, chatID int64, tz string) error {
	u, err := r.ensureUser(ctx, chatID)
	if err != nil {
		return err
	}
	u.TZ = tz
	// A timezone change invalidates the whole plan; replan from now.
	return r.replan(ctx, u)
}

// --- Pause / Resume ---

func (r *Router) handlePause(ctx context.Context, chatID int64) {
	if err := r.repo.SetEnabled(ctx, chatID, false); err != nil {
		r.log.Error("pause failed", zap.Error(err))
		r.sendText(chatID, "Failed to pause.")
		return
	}
	// Stop an in-flight escalation right away instead of waiting a sweep.
	if err := r.repo.StopEscalation(ctx, chatID); err != nil {
		r.log.Warn("stop escalation on pause failed", zap.Error(err), zap.Int64("chatID", chatID))
	}
	msg := tgbotapi.NewMessage(chatID, "Paused ⏸ No check-ins until you /resume.")
	msg.ReplyMarkup = mainMenuKeyboard(false)
	_, _ = r.bot.Send(msg)
}

func (r *Router) handleResume(ctx context.Context, chatID int64) {
	if err := r.repo.SetEnabled(ctx, chatID, true); err != nil {
		r.log.Error("resume failed", zap.Error(err))
		r.sendText(chatID, "Failed to resume.")
		return
	}
	// Plan the next check-in from now.
	if u, err := r.ensureUser(ctx, chatID); err == nil {
		if next, err := domain.PlanNext(time.Now().UTC(), u); err == nil {
			_ = r.repo.SetNextDue(ctx, chatID, next, nil)
		} else {
			r.log.Warn("plan on resume failed", zap.Error(err), zap.Int64("chatID", chatID))
		}
	}
	msg := tgbotapi.NewMessage(chatID, "Resumed ✅ Next check-in is on its way.")
	msg.ReplyMarkup = mainMenuKeyboard(true)
	_, _ = r.bot.Send(msg)
}
