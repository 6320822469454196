package telegram

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/survey"
)

// Pending state keys used in conversational flows.
const (
	pendingCount = "await_count_text"
	pendingHours = "await_hours_text"
	pendingTZ    = "await_tz_text"
)

// Router wires Telegram updates to handlers and holds minimal in-memory state.
type Router struct {
	bot        *tgbotapi.BotAPI
	log        *zap.Logger
	repo       store.Repo
	correlator *survey.Correlator
	defaultTZ  string
	state      map[int64]string // chatID -> pending state
	mu         sync.RWMutex
}

// NewRouter creates a new Telegram router.
func NewRouter(bot *tgbotapi.BotAPI, log *zap.Logger, repo store.Repo, correlator *survey.Correlator, defaultTZ string) *Router {
	return &Router{
		bot:        bot,
		log:        log,
		repo:       repo,
		correlator: correlator,
		defaultTZ:  defaultTZ,
		state:      make(map[int64]string),
	}
}

// setPending sets a pending state for a chat (non-persistent, in-memory).
func (r *Router) setPending(chatID int64, s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[chatID] = s
}

// getPending returns current pending state for a chat.
func (r *Router) getPending(chatID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state[chatID]
}

// clearPending clears a pending state for a chat.
func (r *Router) clearPending(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state, chatID)
}

// HandleUpdate routes a single update to appropriate handler.
func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	// Text messages
	if upd.Message != nil {
		msg := upd.Message
		chatID := msg.Chat.ID
		text := strings.TrimSpace(msg.Text)

		switch {
		case strings.HasPrefix(text, "/start"):
			r.handleStart(ctx, chatID)
		case strings.HasPrefix(text, "/status"):
			r.handleStatus(ctx, chatID)
		case strings.HasPrefix(text, "/settings"):
			r.handleSettings(ctx, chatID)
		case strings.HasPrefix(text, "/pause"):
			r.handlePause(ctx, chatID)
		case strings.HasPrefix(text, "/resume"):
			r.handleResume(ctx, chatID)
		default:
			// Free-form text: either a "Custom" settings input, or an answer
			// to the currently open prompt.
			r.handleFreeForm(ctx, chatID, text)
		}
		return
	}

	// Callback queries (inline buttons)
	if upd.CallbackQuery != nil {
		cb := upd.CallbackQuery
		data := cb.Data
		chatID := cb.Message.Chat.ID

		switch {
		// Prompt response buttons
		case strings.HasPrefix(data, "prompt:start:"):
			r.handlePromptStarted(ctx, chatID, strings.TrimPrefix(data, "prompt:start:"), cb.ID)
		case strings.HasPrefix(data, "prompt:skip:"):
			r.handlePromptSkipped(ctx, chatID, strings.TrimPrefix(data, "prompt:skip:"), cb.ID)

		// Settings sections
		case data == "set_count":
			r.askCountPresets(ctx, chatID, cb.ID)
		case strings.HasPrefix(data, "count:"):
			r.handleCountCallback(ctx, chatID, data, cb.ID)

		case data == "set_hours":
			r.askHoursPresets(ctx, chatID, cb.ID)
		case strings.HasPrefix(data, "hours:"):
			r.handleHoursCallback(ctx, chatID, data, cb.ID)

		case data == "set_tz":
			r.askTZPresets(ctx, chatID, cb.ID)
		case strings.HasPrefix(data, "tz:"):
			r.handleTZCallback(ctx, chatID, data, cb.ID)

		default:
			// Unknown callback — ignore silently
		}
		return
	}
}
