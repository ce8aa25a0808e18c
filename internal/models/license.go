package models

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format of license validity dates.
const DateLayout = "2006-01-02"

// License grants seats of a product to one or more owner entities for a
// validity window within a hierarchy provider.
type License struct {
	ID                   int64
	UUID                 uuid.UUID
	HierarchyProviderURI string
	ProductEID           string
	ManagerEID           string
	OwnerType            string
	OwnerLevel           int
	OwnerEIDs            []string
	ValidFrom            time.Time
	ValidTo              time.Time
	NofSeats             int
	ExtraSeats           int
	OrderID              *string
	IsTrial              bool
	Notes                *string
	// Seats holds the occupied seats, ReleasedSeats the unoccupied ones.
	Seats         []Seat
	ReleasedSeats []Seat
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// OwnerEntities expands the owner type over every owner eid.
func (l License) OwnerEntities() []Entity {
	owners := make([]Entity, 0, len(l.OwnerEIDs))
	for _, eid := range l.OwnerEIDs {
		owners = append(owners, NewEntity(l.OwnerType, eid))
	}
	return owners
}

// OccupiedSeats returns the number of occupied seats.
func (l License) OccupiedSeats() int {
	return len(l.Seats)
}

// RedeemableSeats is the free-seat count including the overbooking allowance.
func (l License) RedeemableSeats() (int, error) {
	return CountFreeSeats(l.NofSeats, l.ExtraSeats, l.OccupiedSeats())
}

// CapacitySeats is the free-seat count against the nominal capacity only.
func (l License) CapacitySeats() (int, error) {
	return CountFreeSeats(l.NofSeats, 0, l.OccupiedSeats())
}

// IsValidOn reports whether the day lies within the inclusive validity window.
func (l License) IsValidOn(day time.Time) bool {
	day = DateOf(day)
	return !day.Before(DateOf(l.ValidFrom)) && !day.After(DateOf(l.ValidTo))
}

// NewLicense carries the fields required to create a license. Nil seat
// counts are normalized on creation.
type NewLicense struct {
	UUID                 uuid.UUID
	HierarchyProviderURI string   `validate:"required,max=2048"`
	ProductEID           string   `validate:"required,max=256"`
	ManagerEID           string   `validate:"required,max=256"`
	OwnerType            string   `validate:"required,max=256"`
	OwnerLevel           int      `validate:"min=0"`
	OwnerEIDs            []string `validate:"required,min=1,dive,required,max=256"`
	ValidFrom            time.Time
	ValidTo              time.Time
	NofSeats             *int `validate:"omitempty,min=-1"`
	ExtraSeats           *int `validate:"omitempty,min=0"`
	OrderID              *string
	IsTrial              bool
	Notes                *string
}

// LicenseSummary is returned after a license was created.
type LicenseSummary struct {
	UUID             uuid.UUID
	ProductEID       string
	ValidFrom        time.Time
	ValidTo          time.Time
	OwnerLevel       int
	OwnerType        string
	NofSeats         int
	NofFreeSeats     int
	NofOccupiedSeats int
	ExtraSeats       int
	IsTrial          bool
}

// DateOf truncates a timestamp to its UTC calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, value, time.UTC)
}
