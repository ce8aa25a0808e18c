package models

import (
	"fmt"
	"time"
)

// SeatStatus is the closed set of states a seat can be in.
type SeatStatus int

const (
	SeatStatusActive SeatStatus = iota + 1
	SeatStatusExpired
	SeatStatusNotAMember
)

var seatStatusNames = map[SeatStatus]string{
	SeatStatusActive:     "ACTIVE",
	SeatStatusExpired:    "EXPIRED",
	SeatStatusNotAMember: "NOT_A_MEMBER",
}

// ParseSeatStatus maps the persisted name back to a status.
func ParseSeatStatus(value string) (SeatStatus, error) {
	for status, name := range seatStatusNames {
		if name == value {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown seat status %q", ErrInvalidInput, value)
}

func (s SeatStatus) String() string {
	if name, ok := seatStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SeatStatus(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s SeatStatus) MarshalText() ([]byte, error) {
	name, ok := seatStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: unknown seat status %d", ErrInvalidInput, int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SeatStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSeatStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Seat is one user's claim on one license.
type Seat struct {
	ID             int64
	LicenseID      int64
	UserEID        string
	OccupiedAt     time.Time
	LastAccessedAt time.Time
	IsOccupied     bool
	Status         SeatStatus
	// License is only populated by queries that join the owning license.
	License *License
}
