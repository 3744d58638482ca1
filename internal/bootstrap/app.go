// Package bootstrap assembles the shared application scaffolding: config,
// logging, telemetry, and alerting, plus a signal-aware run loop for the
// long-lived components.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"optionsbot/internal/alert"
	"optionsbot/internal/config"
	"optionsbot/internal/core"
	"optionsbot/pkg/logging"
	"optionsbot/pkg/telemetry"
)

// App holds the dependencies every binary needs before it can do anything
// domain specific.
type App struct {
	Cfg    *config.Config
	Logger core.Logger
	Alerts *alert.Manager

	zap *logging.ZapLogger
	tel *telemetry.Telemetry
}

// NewApp bootstraps configuration, logging, telemetry, and alert channels.
func NewApp(configPath, serviceName string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, zapLogger, tel, err := InitLogger(cfg, serviceName)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	alerts := alert.NewManager(logger)
	alerts.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}

	return &App{
		Cfg:    cfg,
		Logger: logger,
		Alerts: alerts,
		zap:    zapLogger,
		tel:    tel,
	}, nil
}

// Runner is a component with a blocking Run that honors context cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner in an error group and blocks until the first
// failure or a termination signal. All runners share one context, so the
// first error stops the rest.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Close flushes telemetry, alerts, and buffered log entries.
func (a *App) Close() {
	if a.Alerts != nil {
		a.Alerts.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}
