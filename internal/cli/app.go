package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commrelay/commrelay/internal/config"
	"github.com/commrelay/commrelay/internal/identity"
	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/logging"
	"github.com/commrelay/commrelay/internal/metrics"
	"github.com/commrelay/commrelay/internal/server"
	"github.com/commrelay/commrelay/internal/state"
	"github.com/commrelay/commrelay/internal/telegram"
	"github.com/commrelay/commrelay/internal/vk"
)

// app holds the long-lived components shared by every tick.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	closeLog  func() error
	store     *state.Store
	fetcher   ingestion.Fetcher
	deliverer ingestion.Deliverer
	resolver  ingestion.IdentityResolver
	collector *metrics.Collector
	board     *server.StatusBoard
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	vkClient := vk.NewClient(cfg.VK.Token, logger, vk.WithAPIVersion(cfg.General.VKAPIVersion))
	tgClient := telegram.NewClient(cfg.Telegram.BotToken, string(cfg.Telegram.ChannelID), logger,
		telegram.WithButtonText(cfg.Telegram.ButtonText))

	return &app{
		cfg:       cfg,
		logger:    logger,
		closeLog:  closeLog,
		store:     store,
		fetcher:   vkClient,
		deliverer: tgClient,
		resolver:  identity.NewResolver(vkClient, logger),
		collector: collector,
		board:     &server.StatusBoard{},
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*state.Store, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	store, err := state.Open(ctx, backend, state.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open state: %w", err)
	}
	return store, nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (state.Backend, error) {
	switch cfg.General.StateBackend {
	case config.BackendSQLite:
		b, err := state.OpenSQLiteBackend(ctx, cfg.StatePath(), logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPostgres:
		b, err := state.OpenPostgresBackend(ctx, cfg.General.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return state.NewJSONFileBackend(cfg.StatePath()), nil
	}
}

// tick re-reads the community list and runs the pipeline once.
func (a *app) tick(ctx context.Context) ingestion.TickReport {
	a.reload()
	cfg := a.cfg

	pipeline := ingestion.NewPipeline(a.fetcher, a.deliverer, a.resolver, a.store, a.logger,
		ingestion.Config{
			MaxPerPoll:      cfg.General.PostsLimit,
			Concurrency:     cfg.General.Concurrency,
			BlockedKeywords: cfg.General.BlockedKeywords,
		},
		ingestion.WithRecorder(a.collector),
	)

	report := pipeline.Run(ctx, cfg.CommunityList())
	a.board.Publish(report)

	stats := a.store.Stats()
	a.collector.SetStateSize(stats.Sources, stats.Digests)

	a.logger.Info("tick finished",
		"run_id", report.RunID,
		"sources", len(report.Sources),
		"delivered", report.Delivered(),
		"failed_sources", len(report.Failures()),
		"digests", stats.Digests,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	)
	return report
}

// reload swaps in a fresh config. Credentials and the state backend are fixed at
// startup; only polling settings and communities take effect.
func (a *app) reload() {
	if a.cfg.Path == "" {
		return
	}
	next, err := config.Load(a.cfg.Path)
	if err != nil {
		a.logger.Warn("config reload failed, keeping previous communities", "path", a.cfg.Path, "error", err)
		return
	}
	a.cfg = next
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state: %w", err))
		}
	}
	if a.closeLog != nil {
		if err := a.closeLog(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
