package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/config"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/httpapi"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/scheduler"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/survey"
	"github.com/Username960528/MSE-telegram-bot-sub000/internal/telegram"
)

type App struct {
	cfg     config.Config
	log     *zap.Logger
	bot     *tgbotapi.BotAPI
	httpSrv *http.Server
	repo    store.Repo
	router  *telegram.Router
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	// Advisory timeout on outbound Bot API calls so a hung send cannot stall
	// a scheduling tick for long.
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint,
		&http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	return &App{cfg: cfg, log: log, bot: bot}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting sampling bot",
		zap.String("http", a.cfg.HTTPAddr),
		zap.Duration("dispatchInterval", a.cfg.DispatchInterval),
		zap.Duration("sweepInterval", a.cfg.SweepInterval),
	)

	// Open SQLite and run migrations.
	repo, err := store.OpenSQLite(ctx, a.cfg.DBPath)
	if err != nil {
		a.log.Error("open sqlite failed", zap.Error(err))
		return err
	}
	a.repo = repo
	a.log.Info("sqlite ready")

	correlator := survey.NewCorrelator(a.repo, a.log)
	a.router = telegram.NewRouter(a.bot, a.log, a.repo, correlator, a.cfg.DefaultTZ)
	sender := telegram.NewSender(a.bot, a.log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The two independent scheduling loops: regular dispatch and the
	// escalation sweep. They share nothing but the store.
	dispatcher := scheduler.NewDispatcher(a.repo, a.log, sender, a.cfg.DispatchInterval)
	sweeper := scheduler.NewSweeper(a.repo, a.log, sender,
		a.cfg.SweepInterval, a.cfg.ResponseTimeout, a.cfg.EscalationPolicy())
	go dispatcher.Run(ctx)
	go sweeper.Run(ctx)

	a.httpSrv = httpapi.New(a.cfg.HTTPAddr, a.repo, a.log)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server error", zap.Error(err))
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updCh := a.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutdown signal received")

			// Create a short-lived shutdown context and cancel it immediately after use.
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := a.httpSrv.Shutdown(shCtx)
			cancel()

			if err != nil {
				a.log.Warn("http server shutdown error", zap.Error(err))
			}
			if a.repo != nil {
				_ = a.repo.Close()
			}
			return nil

		case upd := <-updCh:
			a.router.HandleUpdate(ctx, upd)
		}
	}
}
