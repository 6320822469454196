package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sender delivers prompts over Telegram. It implements scheduler.Sender and
// applies a process-wide rate limit so a burst of due users cannot trip the
// Bot API's ~30 messages/second ceiling.
type Sender struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSender wraps the bot with a send rate limiter.
func NewSender(bot *tgbotapi.BotAPI, log *zap.Logger) *Sender {
	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		log:     log,
	}
}

// SendPrompt sends text to the chat with answer/skip buttons bound to
// promptID and returns the Telegram message id.
func (s *Sender) SendPrompt(ctx context.Context, chatID int64, promptID, text string) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = promptKeyboard(promptID)
	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}
