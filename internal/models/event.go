package models

import (
	"fmt"
	"time"
)

// EventType enumerates the audit events written to the event log.
type EventType int

const (
	EventLicenseCreated EventType = iota + 1
	EventLicenseUpdated
	EventPermissionsRequested
	EventSeatCreated
	EventSeatUpdated
)

// CurrentEventVersion is the payload version written for new events.
const CurrentEventVersion = 1

var eventTypeNames = map[EventType]string{
	EventLicenseCreated:       "LicenseCreatedEvent",
	EventLicenseUpdated:       "LicenseUpdatedEvent",
	EventPermissionsRequested: "PermissionsRequestedEvent",
	EventSeatCreated:          "SeatCreatedEvent",
	EventSeatUpdated:          "SeatUpdatedEvent",
}

// ParseEventType maps the persisted name back to an event type.
func ParseEventType(value string) (EventType, error) {
	for eventType, name := range eventTypeNames {
		if name == value {
			return eventType, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, value)
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	name, ok := eventTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %d", ErrInvalidInput, int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EventLog is an append-only audit record.
type EventLog struct {
	ID         int64
	Type       EventType
	Version    int
	Timestamp  time.Time
	Payload    map[string]any
	IsExported bool
}

// EventLogStats summarizes the event log for the export job.
type EventLogStats struct {
	Total      int64
	Unexported int64
}
