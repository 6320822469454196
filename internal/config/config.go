package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	BotToken  string `envconfig:"BOT_TOKEN" required:"true"`
	DBPath    string `envconfig:"DB_PATH" default:"./data/sampling.db"`
	DefaultTZ string `envconfig:"DEFAULT_TZ" default:"Europe/Moscow"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`

	// Scheduling loops.
	DispatchInterval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"60s"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`

	// Escalation defaults (process-wide; response timeout has a per-user
	// override in storage).
	ResponseTimeout         time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"20m"`
	EscalationIntervals     string        `envconfig:"ESCALATION_INTERVALS" default:"15-30,10-20,5-10"`
	EscalationMaxLevel      int           `envconfig:"ESCALATION_MAX_LEVEL" default:"3"`
	EscalationMaxDuration   time.Duration `envconfig:"ESCALATION_MAX_DURATION" default:"2h"`
	EscalationRespectWindow bool          `envconfig:"ESCALATION_RESPECT_WINDOW" default:"true"`
}

// Load reads environment variables into Config and validates the pieces the
// scheduler depends on.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if _, err := domain.ValidateTZ(cfg.DefaultTZ); err != nil {
		return cfg, fmt.Errorf("DEFAULT_TZ: %w", err)
	}
	if _, err := domain.ParseIntervalTable(cfg.EscalationIntervals); err != nil {
		return cfg, fmt.Errorf("ESCALATION_INTERVALS: %w", err)
	}
	if cfg.EscalationMaxLevel < 1 {
		return cfg, fmt.Errorf("ESCALATION_MAX_LEVEL must be >= 1, got %d", cfg.EscalationMaxLevel)
	}
	return cfg, nil
}

// EscalationPolicy builds the domain policy from the loaded configuration.
func (c Config) EscalationPolicy() domain.EscalationPolicy {
	intervals, _ := domain.ParseIntervalTable(c.EscalationIntervals) // validated in Load
	return domain.EscalationPolicy{
		Intervals:     intervals,
		MaxLevel:      c.EscalationMaxLevel,
		MaxDuration:   c.EscalationMaxDuration,
		RespectWindow: c.EscalationRespectWindow,
	}
}
