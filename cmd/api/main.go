package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/config"
	"github.com/noah-isme/licensing-go-api/internal/database"
	"github.com/noah-isme/licensing-go-api/internal/handler"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/internal/router"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/internal/tokens"
)

const trialRequestsPerMinute = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().
		Str("service", cfg.AppName).
		Str("env", cfg.AppEnv).
		Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := repository.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	keys, err := tokens.NewKeySet(cfg.VerificationKeys)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse jwt verification keys")
	}
	if len(keys) == 0 {
		logger.Warn().Msg("no jwt verification keys configured, every authenticated route will reject requests")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	tx := repository.NewTransactionManager(db, repository.Options{StrictSeatCapacity: cfg.StrictSeatCapacity})

	licensingService := service.NewLicensingService(tx, logger)
	licenseService := service.NewLicenseService(tx, validate, cfg.TrialWeeks, logger)
	issuer := tokens.NewIssuer(cfg.SigningKey, cfg.SigningKeyID, cfg.ServiceURL, cfg.PermissionsTokenLifetime)

	pagination := handler.Pagination{
		DefaultSize: cfg.PaginationDefaultSize,
		MinSize:     cfg.PaginationMinSize,
		MaxSize:     cfg.PaginationMaxSize,
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.Debug})
	router.Register(app, cfg, router.Dependencies{
		StatusHandler: handler.NewStatusHandler(licensingService, cfg, "./SHA.txt"),
		MemberHandler: handler.NewMemberHandler(licensingService, licenseService, issuer, validate, pagination,
			middleware.RateLimit("trial", trialRequestsPerMinute, time.Minute), logger),
		HierarchyHandler: handler.NewHierarchyHandler(licensingService, licenseService, validate, pagination, logger),
		AdminHandler:     handler.NewAdminLicenseHandler(licenseService, validate, pagination, logger),
		OrderHandler:     handler.NewOrderHandler(licenseService, validate, logger),
		Verifier:         tokens.NewVerifier(keys),
		Logger:           logger,
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("licensing api listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
