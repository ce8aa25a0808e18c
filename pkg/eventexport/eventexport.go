// Package eventexport provides the strategies the export job uses to ship
// event log entries to downstream systems.
package eventexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Kinds of exporters selectable by configuration.
const (
	KindNone = "none"
	KindNoop = "noop"
	KindLog  = "log"
	KindNATS = "nats"
)

// ErrUnknownExporter is returned for an unsupported exporter kind.
var ErrUnknownExporter = errors.New("unknown event exporter")

// Event is the exported form of an event log entry.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"event_type"`
	Version   int            `json:"event_version"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"event_payload"`
}

// Exporter ships one event. A nil error means the event may be marked exported.
type Exporter interface {
	Export(ctx context.Context, event Event) error
}

// Modifier rewrites an event before it is exported.
type Modifier interface {
	Modify(ctx context.Context, event Event) (Event, error)
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, event Event) error

// Export calls f(ctx, event).
func (f ExporterFunc) Export(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ModifierFunc adapts a function to the Modifier interface.
type ModifierFunc func(ctx context.Context, event Event) (Event, error)

// Modify calls f(ctx, event).
func (f ModifierFunc) Modify(ctx context.Context, event Event) (Event, error) {
	return f(ctx, event)
}

// Identity returns events unchanged.
func Identity() Modifier {
	return ModifierFunc(func(_ context.Context, event Event) (Event, error) {
		return event, nil
	})
}

// Noop accepts every event without shipping it anywhere.
func Noop() Exporter {
	return ExporterFunc(func(context.Context, Event) error { return nil })
}

type logExporter struct {
	logger zerolog.Logger
}

// NewLogExporter writes one log line per event.
func NewLogExporter(logger zerolog.Logger) Exporter {
	return &logExporter{logger: logger.With().Str("component", "event_log_exporter").Logger()}
}

func (e *logExporter) Export(_ context.Context, event Event) error {
	e.logger.Info().
		Int64("event_id", event.ID).
		Str("event_type", event.Type).
		Int("event_version", event.Version).
		Time("timestamp", event.Timestamp).
		Fields(event.Payload).
		Msg("event exported")
	return nil
}

// Publisher is the subset of *nats.Conn used by the NATS exporter.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// flushTimeout bounds a flush when the caller's context has no deadline.
const flushTimeout = 5 * time.Second

type natsExporter struct {
	conn    Publisher
	subject string
}

// NewNATSExporter publishes events as JSON on the subject. Export returns
// once the server acknowledged the flush.
func NewNATSExporter(conn Publisher, subject string) Exporter {
	return &natsExporter{conn: conn, subject: subject}
}

func (e *natsExporter) Export(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", event.ID, err)
	}
	if err := e.conn.Publish(e.subject, payload); err != nil {
		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush event %d: %w", event.ID, err)
	}
	return nil
}

// Config selects and configures an exporter.
type Config struct {
	Kind        string
	NATSURL     string
	NATSSubject string
}

// New builds the configured exporter. A nil exporter is returned for
// KindNone. The returned close function releases any connection and is
// never nil.
func New(cfg Config, logger zerolog.Logger) (Exporter, func(), error) {
	noClose := func() {}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindNone:
		return nil, noClose, nil
	case KindNoop:
		return Noop(), noClose, nil
	case KindLog:
		return NewLogExporter(logger), noClose, nil
	case KindNATS:
		if cfg.NATSURL == "" {
			return nil, noClose, fmt.Errorf("nats exporter requires a nats url")
		}
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("licensing-event-export"))
		if err != nil {
			return nil, noClose, fmt.Errorf("connect to nats: %w", err)
		}
		subject := cfg.NATSSubject
		if subject == "" {
			subject = "licensing.events"
		}
		return NewNATSExporter(conn, subject), func() { _ = conn.Drain() }, nil
	default:
		return nil, noClose, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Kind)
	}
}
