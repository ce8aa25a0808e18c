package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/pkg/eventexport"
)

// ErrExportLocked indicates another export run holds the lock.
var ErrExportLocked = errors.New("event export already running")

// ExportOptions configures one export run.
type ExportOptions struct {
	EventsPerRun  int
	OrderByLatest bool
}

// ExportReport summarizes one export run.
type ExportReport struct {
	Total      int64
	Unexported int64
	Exported   int
	Skipped    int
	Failed     int
}

// EventExportService ships unexported event log entries to the configured exporter.
type EventExportService interface {
	Export(ctx context.Context, opts ExportOptions) (ExportReport, error)
}

// Locker guards an export run against concurrent runs.
type Locker interface {
	// Acquire returns a release function when the lock was obtained and
	// ErrExportLocked when another holder owns it.
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

type eventExportService struct {
	tx       repository.TransactionManager
	exporter eventexport.Exporter
	modifier eventexport.Modifier
	locker   Locker
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewEventExportService constructs the export service. A nil exporter
// disables exporting, a nil modifier means identity and a nil locker skips
// locking.
func NewEventExportService(tx repository.TransactionManager, exporter eventexport.Exporter, modifier eventexport.Modifier, locker Locker, logger zerolog.Logger) EventExportService {
	if modifier == nil {
		modifier = eventexport.Identity()
	}
	return &eventExportService{
		tx:       tx,
		exporter: exporter,
		modifier: modifier,
		locker:   locker,
		tracer:   otel.Tracer("github.com/noah-isme/licensing-go-api/internal/service/event_export"),
		logger:   logger.With().Str("component", "event_export_service").Logger(),
	}
}

func (s *eventExportService) Export(ctx context.Context, opts ExportOptions) (ExportReport, error) {
	ctx, span := s.tracer.Start(ctx, "events.export")
	span.SetAttributes(
		attribute.Int("events.per_run", opts.EventsPerRun),
		attribute.Bool("events.order_latest", opts.OrderByLatest),
	)
	defer span.End()

	var report ExportReport
	if s.exporter == nil {
		s.logger.Info().Msg("no event exporter configured, skipping export")
		return report, nil
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrExportLocked) {
				s.logger.Info().Msg("another export run holds the lock")
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock_failed")
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release export lock")
			}
		}()
	}

	var events []models.EventLog
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		stats, err := repo.GetEventLogStats(ctx)
		if err != nil {
			return err
		}
		report.Total = stats.Total
		report.Unexported = stats.Unexported
		if stats.Unexported == 0 {
			return nil
		}
		events, err = repo.GetEventLogs(ctx, repository.EventLogQuery{
			IsExported:    false,
			OrderByLatest: opts.OrderByLatest,
			Limit:         opts.EventsPerRun,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event_lookup_failed")
		return report, err
	}

	s.logger.Info().
		Int64("total", report.Total).
		Int64("unexported", report.Unexported).
		Int("batch", len(events)).
		Msg("event log stats")

	for _, event := range events {
		s.exportOne(ctx, event, &report)
	}

	span.SetAttributes(
		attribute.Int("events.exported", report.Exported),
		attribute.Int("events.skipped", report.Skipped),
		attribute.Int("events.failed", report.Failed),
	)
	return report, nil
}

func (s *eventExportService) exportOne(ctx context.Context, entry models.EventLog, report *ExportReport) {
	log := s.logger.With().Int64("event_id", entry.ID).Str("event_type", entry.Type.String()).Logger()

	event, err := s.modifier.Modify(ctx, eventexport.Event{
		ID:        entry.ID,
		Type:      entry.Type.String(),
		Version:   entry.Version,
		Timestamp: entry.Timestamp,
		Payload:   entry.Payload,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to modify event, skipping")
		report.Skipped++
		observability.EventsExported().WithLabelValues("skipped").Inc()
		return
	}

	if err := s.exporter.Export(ctx, event); err != nil {
		log.Warn().Err(err).Msg("failed to export event")
		report.Failed++
		observability.EventsExported().WithLabelValues("failed").Inc()
		return
	}

	err = s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		return repo.MarkEventExported(ctx, entry.ID)
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to mark event exported")
		report.Failed++
		observability.EventsExported().WithLabelValues("failed").Inc()
		return
	}

	report.Exported++
	observability.EventsExported().WithLabelValues("exported").Inc()
}

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLocker builds a SET NX based lock that expires after ttl.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) Locker {
	if key == "" {
		key = "licensing:event-export:lock"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisLocker{client: client, key: key, ttl: ttl}
}

func (l *redisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire export lock: %w", err)
	}
	if !ok {
		return nil, ErrExportLocked
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}
