// Command export-events ships unexported event log entries to the
// configured exporter. It is meant to run periodically, for instance from
// a cron job; concurrent runs are serialized through a Redis lock.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/config"
	"github.com/noah-isme/licensing-go-api/internal/database"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/pkg/eventexport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	eventsPerRun := flag.Int("events-per-run", cfg.EventExportBatch, "maximum number of events exported by this run")
	orderLatest := flag.Bool("order-latest", true, "export the newest events first")
	flag.Parse()

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().
		Str("service", cfg.AppName).
		Str("job", "export-events").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	exporter, closeExporter, err := eventexport.New(eventexport.Config{
		Kind:        cfg.EventExporter,
		NATSURL:     cfg.NATSURL,
		NATSSubject: cfg.NATSSubject,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure event exporter")
	}
	defer closeExporter()

	var locker service.Locker
	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		locker = service.NewRedisLocker(redisClient, "", cfg.EventLockTTL)
	}

	tx := repository.NewTransactionManager(db, repository.Options{})
	exportService := service.NewEventExportService(tx, exporter, nil, locker, logger)

	report, err := exportService.Export(ctx, service.ExportOptions{
		EventsPerRun:  *eventsPerRun,
		OrderByLatest: *orderLatest,
	})
	switch {
	case errors.Is(err, service.ErrExportLocked):
		logger.Warn().Msg("another export run holds the lock, exiting")
		return
	case err != nil:
		logger.Error().Err(err).Msg("event export failed")
		stop()
		os.Exit(1)
	}

	logger.Info().
		Int64("total", report.Total).
		Int64("unexported", report.Unexported).
		Int("exported", report.Exported).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("event export finished")
}
