package survey

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
)

// Correlator receives response events from the survey side and applies them
// to prompt records and the escalation machine. Starting or completing any
// prompt of a user silences that user's escalation entirely; the obligation
// is per-user, not per-record. Events for already-resolved prompts are
// idempotent no-ops.
type Correlator struct {
	repo store.Repo
	log  *zap.Logger
}

// NewCorrelator wires the correlator to storage.
func NewCorrelator(repo store.Repo, log *zap.Logger) *Correlator {
	return &Correlator{repo: repo, log: log}
}

// OnPromptStarted records that the user opened the survey for promptID.
func (c *Correlator) OnPromptStarted(ctx context.Context, promptID string) error {
	now := time.Now().UTC()
	p, err := c.repo.GetPrompt(ctx, promptID)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", promptID, err)
	}

	marked, err := c.repo.MarkPromptStarted(ctx, promptID, now)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if !marked {
		return nil // replay
	}

	// Started is enough to silence escalation; missed_count survives until a
	// genuine completion.
	if err := c.repo.SilenceEscalation(ctx, p.ChatID, now, false); err != nil {
		return fmt.Errorf("silence escalation: %w", err)
	}
	c.log.Info("prompt started",
		zap.String("promptID", promptID), zap.Int64("chatID", p.ChatID))
	return nil
}

// OnPromptCompleted records a finished survey for promptID.
func (c *Correlator) OnPromptCompleted(ctx context.Context, promptID string) error {
	now := time.Now().UTC()
	p, err := c.repo.GetPrompt(ctx, promptID)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", promptID, err)
	}

	marked, err := c.repo.MarkPromptCompleted(ctx, promptID, now)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if !marked {
		return nil // replay
	}

	if err := c.repo.SilenceEscalation(ctx, p.ChatID, now, true); err != nil {
		return fmt.Errorf("silence escalation: %w", err)
	}
	c.log.Info("prompt completed",
		zap.String("promptID", promptID), zap.Int64("chatID", p.ChatID))
	return nil
}

// OnPromptSkipped records an explicit skip. A skip resolves the record but
// is not a response: it neither silences escalation nor resets counters.
func (c *Correlator) OnPromptSkipped(ctx context.Context, promptID, reason string) error {
	p, err := c.repo.GetPrompt(ctx, promptID)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", promptID, err)
	}

	marked, err := c.repo.MarkPromptSkipped(ctx, promptID)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if marked {
		c.log.Info("prompt skipped",
			zap.String("promptID", promptID),
			zap.Int64("chatID", p.ChatID),
			zap.String("reason", reason))
	}
	return nil
}

// OpenPrompt returns the user's most recent answerable prompt, used to
// correlate free-text replies that arrive without a button press.
func (c *Correlator) OpenPrompt(ctx context.Context, chatID int64) (*domain.Prompt, error) {
	return c.repo.LatestOpenPrompt(ctx, chatID)
}
