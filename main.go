package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/api"
	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/logging"
	"github.com/yazbekw/mon/internal/manager"
	"github.com/yazbekw/mon/internal/notification"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LoggingConfig.Level)

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ex := cfg.ExchangeConfig
	client := binance.NewFuturesClient(ex.APIKey, ex.APISecret, ex.TestNet,
		ex.RequestTimeout, ex.MinRequestSpacing)

	sender := notification.NewTelegramSender(cfg.NotifierConfig.Token, cfg.NotifierConfig.ChatID)
	notifier := notification.NewNotifier(sender,
		cfg.NotifierConfig.QueueSize, cfg.NotifierConfig.Attempts, cfg.NotifierConfig.Backoff,
		logging.Component(logger, "notifier"))
	notifier.Start()

	var stream *binance.MarkPriceStream
	if ex.PriceStream {
		stream = binance.NewMarkPriceStream(cfg.Symbols, ex.TestNet,
			logging.Component(logger, "price_stream"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := manager.New(cfg, client, notifier, stream, logging.Component(logger, "manager"))
	if err := mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("exchange unreachable at startup")
		notifier.Stop(5 * time.Second)
		os.Exit(1)
	}
	notifier.NotifyStart(mgr.Store().Len(), ex.TestNet)

	server := api.NewServer(cfg.ServerConfig, mgr, notifier, logging.Component(logger, "api"))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("control API failed")
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.SchedulerConfig.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("control API shutdown failed")
	}
	mgr.Stop()
	notifier.NotifyStop(mgr.Stats())
	notifier.Stop(10 * time.Second)

	logger.Info().Msg("shutdown complete")
	os.Exit(exitCode)
}
