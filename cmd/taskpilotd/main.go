package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"golang.org/x/time/rate"

	"taskpilot/internal/ai"
	"taskpilot/internal/api"
	"taskpilot/internal/config"
	"taskpilot/internal/core"
	"taskpilot/internal/logging"
	taskpilotmcp "taskpilot/internal/mcp"
	"taskpilot/internal/nlparse"
	"taskpilot/internal/notify"
	"taskpilot/internal/service"
	"taskpilot/internal/store"
	"taskpilot/internal/store/postgres"
	"taskpilot/internal/webhook"
)

type taskStore interface {
	service.Store
	Close() error
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.Error("taskpilotd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	location, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	executor, err := buildExecutor(cfg, logger)
	if err != nil {
		return err
	}

	scheduler := core.NewScheduler(st, executor, logger, core.SchedulerOptions{
		Tick:             cfg.Scheduler.Tick,
		Workers:          cfg.Scheduler.Workers,
		ExecTimeout:      cfg.Scheduler.ExecTimeout,
		StaleAfter:       cfg.Scheduler.StaleAfter,
		RetryBase:        cfg.Scheduler.RetryBase,
		RetryMaxDelay:    cfg.Scheduler.RetryMaxDelay,
		HistoryRetention: cfg.Scheduler.HistoryRetention,
		Location:         location,
	})

	parser := nlparse.New(
		nlparse.WithLocation(location),
		nlparse.WithMaxRetries(cfg.Scheduler.DefaultMaxRetries),
	)
	tasks := service.New(st, scheduler, parser, logger, service.Options{
		Location:   location,
		MaxRetries: cfg.Scheduler.DefaultMaxRetries,
	})

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mcpServer := taskpilotmcp.NewMCPServer(tasks, logger)
	errCh := make(chan error, 2)

	var httpServer *api.Server
	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		httpServer = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, tasks, mcpServer.HTTPHandler(), logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		go func() {
			if err := mcpServer.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
		logger.Error("server error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}
	logger.Info("shutdown complete")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (taskStore, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if cfg.Store.AutoMigrate {
			if err := postgres.Migrate(cfg.Store.PostgresDSN); err != nil {
				return nil, err
			}
		}
		st, err := postgres.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", cfg.Store.Driver)
		return st, nil
	default:
		st, err := store.Open(ctx, cfg.Store.StateDir)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", cfg.Store.Driver, "path", st.Path)
		return st, nil
	}
}

func buildExecutor(cfg *config.Config, logger *slog.Logger) (*core.ActionExecutor, error) {
	router := notify.NewRouter(cfg.Notification.DefaultPlatform, newLimiter(cfg.Notification.RatePerSec), logger)
	logNotifier := &notify.LogNotifier{Logger: logger}
	router.Register("log", logNotifier)

	delivered := []notify.Notifier{logNotifier}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, fmt.Errorf("bark notifier: %w", err)
		}
		router.Register("bark", bark)
		delivered = append(delivered, bark)
	}
	if cfg.Notification.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(notify.TelegramConfig{
			Token:         cfg.Notification.Telegram.Token,
			DefaultChatID: cfg.Notification.Telegram.DefaultChatID,
			APIURL:        cfg.Notification.Telegram.APIURL,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		router.Register("telegram", tg)
		delivered = append(delivered, tg)
	}
	router.Register("all", notify.NewMultiNotifier(delivered...))
	logger.Info("notifiers registered", "platforms", router.Platforms(), "default", cfg.Notification.DefaultPlatform)

	opts := core.ExecutorOptions{
		Messages:       router,
		Webhooks:       webhook.NewClient(cfg.Webhook.UserAgent),
		WebhookTimeout: cfg.Webhook.Timeout,
		Limiter:        newLimiter(cfg.Webhook.RatePerSec),
	}

	key, err := cfg.AI.ResolveKey()
	if err != nil {
		return nil, err
	}
	if key != "" {
		client, err := ai.NewClient(ai.Config{
			BaseURL:      cfg.AI.BaseURL,
			APIKey:       key,
			Model:        cfg.AI.Model,
			SystemPrompt: cfg.AI.SystemPrompt,
			MaxTokens:    cfg.AI.MaxTokens,
			Timeout:      cfg.AI.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("ai client: %w", err)
		}
		opts.AI = client
	} else {
		logger.Warn("no AI api key configured, ai_request actions will fail")
	}
	return core.NewActionExecutor(opts, logger), nil
}

// newLimiter returns nil, meaning unlimited, for non-positive rates.
func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

