package app

import (
	"context"
	"fmt"

	"github.com/review-agent/internal/agent/discovery"
	"github.com/review-agent/internal/agent/ingest"
	"github.com/review-agent/internal/agent/responder"
	"github.com/review-agent/internal/ai"
	"github.com/review-agent/internal/config"
	"github.com/review-agent/internal/models"
	"github.com/review-agent/internal/notify"
	"github.com/review-agent/internal/source"
	"github.com/review-agent/internal/source/appstore"
	"github.com/review-agent/internal/source/googleplay"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/internal/storage/sqlite"
	"github.com/review-agent/internal/tracker"
	"github.com/review-agent/pkg/logger"
	"github.com/review-agent/pkg/ratelimit"
)

// App holds the services shared by the daemon and the CLI
type App struct {
	Config     *config.Config
	Log        *logger.Logger
	Repo       storage.Repository
	Limiter    *ratelimit.MultiLimiter
	Connectors *source.Registry
	Notifier   notify.Notifier
	Drafter    responder.Drafter // nil when no Anthropic key is configured
}

// New opens storage and builds the vendor connectors, notifier and drafter
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	repo, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	limiter := NewLimiter(cfg.RateLimit)

	a := &App{
		Config:     cfg,
		Log:        log,
		Repo:       repo,
		Limiter:    limiter,
		Connectors: NewRegistry(cfg, limiter, log),
	}

	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, limiter, log)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
		}
		a.Notifier = tg
	} else {
		log.Warn().Msg("No Telegram bot token, notifications are logged only")
		a.Notifier = notify.NewLogNotifier(log)
	}

	if cfg.Anthropic.APIKey != "" {
		a.Drafter = ai.NewClient(cfg.Anthropic, limiter, log)
	} else {
		log.Warn().Msg("No Anthropic API key, reply drafting is disabled")
	}

	return a, nil
}

// Close releases storage
func (a *App) Close() error {
	return a.Repo.Close()
}

// NewLimiter builds the outbound pacing limiter from config
func NewLimiter(cfg config.RateLimitConfig) *ratelimit.MultiLimiter {
	return ratelimit.NewPacingLimiter(ratelimit.PacingConfig{
		AppStoreRPS:        cfg.AppStoreRPS,
		AppStoreBurst:      5,
		GooglePlayRPS:      cfg.GooglePlayRPS,
		GooglePlayBurst:    4,
		AnthropicPerMinute: cfg.AnthropicPerMinute,
		TelegramRPS:        1,
	})
}

// NewRegistry registers a connector factory for every supported vendor
func NewRegistry(cfg *config.Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *source.Registry {
	registry := source.NewRegistry()

	registry.Register(models.VendorAppStore, appstore.Factory(appstore.Options{
		BaseURL:  cfg.AppStore.BaseURL,
		TokenTTL: cfg.AppStore.TokenTTL,
		Pagination: source.Pagination{
			PageSize:      cfg.AppStore.PageSize,
			FirstRunPages: cfg.AppStore.FirstRunPages,
			MaxPages:      cfg.AppStore.MaxPages,
		},
		ReplyLimit: cfg.AppStore.ReplyLimit,
	}, limiter, log))

	registry.Register(models.VendorGooglePlay, googleplay.Factory(googleplay.Options{
		Endpoint: cfg.GooglePlay.Endpoint,
		Pagination: source.Pagination{
			PageSize:      cfg.GooglePlay.PageSize,
			FirstRunPages: cfg.GooglePlay.FirstRunPages,
			MaxPages:      cfg.GooglePlay.MaxPages,
		},
		ReplyLimit: cfg.GooglePlay.ReplyLimit,
	}, limiter, log))

	return registry
}

// Scheduler builds the ingestion scheduler
func (a *App) Scheduler() *ingest.Scheduler {
	return ingest.NewScheduler(a.Repo, a.Connectors, a.Notifier, ingest.Config{
		PollCron:        a.Config.Scheduler.PollCron,
		ResourceTimeout: a.Config.Scheduler.ResourceTimeout,
		CycleTimeout:    a.Config.Scheduler.CycleTimeout,
		PollNowLimit:    a.Config.RateLimit.PollNowLimit,
		PollNowWindow:   a.Config.RateLimit.PollNowWindow,
	}, a.Log)
}

// Responder builds the review/response agent
func (a *App) Responder() *responder.Agent {
	limits := map[models.VendorKind]int{}
	if a.Config.AppStore.ReplyLimit > 0 {
		limits[models.VendorAppStore] = a.Config.AppStore.ReplyLimit
	}
	if a.Config.GooglePlay.ReplyLimit > 0 {
		limits[models.VendorGooglePlay] = a.Config.GooglePlay.ReplyLimit
	}

	return responder.NewAgent(a.Repo, a.Connectors, a.Drafter, a.Notifier, responder.Config{
		PostLimit:   a.Config.RateLimit.PostLimit,
		PostWindow:  a.Config.RateLimit.PostWindow,
		ReplyLimits: limits,
	}, a.Log)
}

// Discovery builds the app discovery agent
func (a *App) Discovery() *discovery.Agent {
	return discovery.NewAgent(a.Repo, a.Connectors, a.Notifier, a.Log)
}

// Tracker builds the Google Sheets exporter, nil when disabled
func (a *App) Tracker(ctx context.Context) (*tracker.SheetsTracker, error) {
	return tracker.NewSheetsTracker(ctx, a.Config.Tracker, a.Log)
}
