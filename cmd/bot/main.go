package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg_ai_bot/internal/admin"
	"tg_ai_bot/internal/config"
	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/feature/activity"
	"tg_ai_bot/internal/feature/counter"
	"tg_ai_bot/internal/feature/settings"
	"tg_ai_bot/internal/feature/statistics"
	"tg_ai_bot/internal/feature/userlist"
	"tg_ai_bot/internal/health"
	"tg_ai_bot/internal/logging"
	"tg_ai_bot/internal/store"
	"tg_ai_bot/internal/telegram"
)

const (
	mongoConnectTimeout      = 10 * time.Second
	mongoIndexTimeout        = 15 * time.Second
	mongoDisconnectTimeout   = 5 * time.Second
	settingsBootstrapTimeout = 5 * time.Second
	telegramShutdownTimeout  = 10 * time.Second
	healthShutdownTimeout    = 5 * time.Second
)

var processStart = time.Now()

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured mongo indexes")

	featureStore := settings.NewStore(mongoManager.FeatureSettings(), logger)
	settingsCtx, cancelSettings := context.WithTimeout(context.Background(), settingsBootstrapTimeout)
	if err := featureStore.EnsureDefaults(settingsCtx); err != nil {
		cancelSettings()
		logger.WithError(err).Error("feature settings bootstrap error")
		fmt.Fprintf(os.Stderr, "feature settings bootstrap error: %v\n", err)
		os.Exit(1)
	}
	cancelSettings()

	statsCounter := counter.New(counter.Collections{
		Global:  mongoManager.BotStatistics(),
		PerUser: mongoManager.UserStatistics(),
		Daily:   mongoManager.DailyStatistics(),
		Detailed: func(t domain.StatType) counter.Collection {
			return mongoManager.DetailedStats(t)
		},
	}, logger)
	tracker := activity.NewTracker(mongoManager.Users(), statsCounter, logger)

	aggregator, err := statistics.NewAggregator(statistics.Sources{
		Users:    mongoManager.Users(),
		Images:   mongoManager.UserImages(),
		History:  mongoManager.History(),
		Features: featureStore,
		Counters: statsCounter,
	}, statistics.HostSampler{}, cfg.StatsCacheTTL, processStart, logger)
	if err != nil {
		logger.WithError(err).Error("statistics setup error")
		fmt.Fprintf(os.Stderr, "statistics setup error: %v\n", err)
		os.Exit(1)
	}

	userList, err := userlist.NewService(mongoManager.Users(), cfg.UsersCacheTTL, logger)
	if err != nil {
		logger.WithError(err).Error("user list setup error")
		fmt.Fprintf(os.Stderr, "user list setup error: %v\n", err)
		os.Exit(1)
	}

	adminPanel, err := admin.NewPanel(admin.Deps{
		Admins:    domain.NewAdminSet(cfg.Admins()...),
		Stats:     aggregator,
		Users:     userList,
		Features:  featureStore,
		ExportDir: cfg.ExportDir,
		PageSize:  userlist.PageSize,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("admin panel setup error")
		fmt.Fprintf(os.Stderr, "admin panel setup error: %v\n", err)
		os.Exit(1)
	}

	tgClient, err := telegram.NewClient(cfg, telegram.Handlers{
		Activity: tracker,
		Admin:    adminPanel,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, aggregator, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Warn("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
