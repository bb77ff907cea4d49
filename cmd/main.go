package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"

	"github.com/oarkflow/webtrap"
)

func main() {
	configPath := flag.String("config", "webtrap.json", "path to the JSON configuration file")
	flag.Parse()

	logger := &log.DefaultLogger

	ip.Init()

	cfg, err := webtrap.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}

	store, err := webtrap.NewSQLStore(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store initialization failed")
	}
	defer store.Close()

	classifier := webtrap.NewClassifier()
	overlays, err := webtrap.LoadSignatureOverlays(cfg.SignatureDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("signature overlay load failed")
	}
	classifier.AddOverlay(overlays)

	var stopWatcher func() error
	if cfg.SignatureDir != "" {
		stopWatcher, err = webtrap.WatchSignatures(cfg.SignatureDir, classifier, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("signature hot reload unavailable")
		}
	}

	metrics := webtrap.NewMetrics()
	ledger := webtrap.NewDetectionLedger(cfg.Duration(cfg.LedgerTTL, 5*time.Minute))
	resolver := webtrap.NewResolver(cfg.CookieName, cfg.OracleEnabled, []byte(cfg.DigestKey))

	engine := webtrap.NewEngine(store, logger, metrics)
	engine.SetProbeLimit(cfg.Duration(cfg.ProbeWindow, time.Minute), cfg.ProbeBudget)

	dispatcher := webtrap.NewDispatcher(resolver, classifier, engine, ledger, metrics, logger, webtrap.DispatcherConfig{
		AliasRoutes:    cfg.AliasRoutes,
		AllowPages:     cfg.AllowPages,
		AllowPrefixes:  cfg.AllowPrefixes,
		RestrictedPath: cfg.RestrictedPath,
	})

	app := fiber.New(fiber.Config{
		AppName:               "webtrap",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
			return c.Status(code).JSON(fiber.Map{"error": "internal error"})
		},
	})

	app.Use(dispatcher.Middleware())
	api := webtrap.NewAPI(store, engine, ledger, metrics, logger)
	api.SetCookieName(cfg.CookieName)
	api.Register(app)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		if stopWatcher != nil {
			if err := stopWatcher(); err != nil {
				logger.Warn().Err(err).Msg("error stopping signature watcher")
			}
		}
		if err := app.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error shutting down server")
		}
	}()

	logger.Info().Str("listen", cfg.Listen).Str("db", cfg.DBPath).Msg("webtrap starting")
	if err := app.Listen(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
