package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/store"
)

// New builds the read-only monitoring server: a liveness probe and a small
// scheduling snapshot. It exposes nothing mutable; all writes go through the
// bot.
func New(addr string, repo store.Repo, log *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		stats, err := repo.Stats(req.Context(), time.Now().UTC())
		if err != nil {
			log.Error("stats failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Error("encode stats failed", zap.Error(err))
		}
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
