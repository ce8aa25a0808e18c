package models

import "fmt"

const (
	// UnlimitedSeats is the capacity value meaning a license has no seat limit.
	UnlimitedSeats = -1

	// InfiniteSeats is the internal free-seat count of an unlimited license.
	// It stays numeric so licenses can be ranked by free seats.
	InfiniteSeats = 1_000_000_000_000_000_000
)

// FreeSeats computes the number of unoccupied seats of a license.
//
// An unknown occupied count yields an unknown result. A capacity of
// UnlimitedSeats yields InfiniteSeats. Any other negative capacity or a
// negative extra allowance is rejected with ErrInvalidInput.
func FreeSeats(capacity, extra int, occupied *int) (*int, error) {
	if occupied == nil {
		return nil, nil
	}
	if extra < 0 {
		return nil, fmt.Errorf("%w: extra seats must not be negative, got %d", ErrInvalidInput, extra)
	}
	if capacity < UnlimitedSeats {
		return nil, fmt.Errorf("%w: seat capacity must be -1 or positive, got %d", ErrInvalidInput, capacity)
	}

	free := InfiniteSeats
	if capacity != UnlimitedSeats {
		free = max(capacity+extra-*occupied, 0)
	}
	return &free, nil
}

// CountFreeSeats is FreeSeats for a known occupied count.
func CountFreeSeats(capacity, extra, occupied int) (int, error) {
	free, err := FreeSeats(capacity, extra, &occupied)
	if err != nil {
		return 0, err
	}
	return *free, nil
}

// PublicFreeSeats renders the free-seat count exposed to API clients:
// extra seats are not part of it and unlimited licenses report -1.
func PublicFreeSeats(capacity, occupied int) int {
	if capacity == UnlimitedSeats {
		return UnlimitedSeats
	}
	return max(capacity-occupied, 0)
}
