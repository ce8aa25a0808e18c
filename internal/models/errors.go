package models

import "errors"

var (
	// ErrInvalidInput marks an input contract violation such as a negative seat count.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateEntry indicates a license with the same identity already exists.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrLicenseNotFound indicates the license is unknown or hidden by filter restrictions.
	ErrLicenseNotFound = errors.New("license not found")

	// ErrInvalidFilterRestrictions indicates malformed or disallowed filter restrictions.
	ErrInvalidFilterRestrictions = errors.New("filter restrictions are malformed or contain not allowed filter keys")

	// ErrInvalidOrderBy indicates an order by clause referencing an unsupported field.
	ErrInvalidOrderBy = errors.New("order by parameter contains an unsupported field")

	// ErrCyclicHierarchy indicates a hierarchy payload whose parent relation loops.
	ErrCyclicHierarchy = errors.New("hierarchy contains a cycle")

	// ErrNoFreeSeats indicates a license reached its capacity while occupying a seat.
	ErrNoFreeSeats = errors.New("license has no free seats")

	// ErrNotAMember indicates a trial license owner outside the caller's memberships.
	ErrNotAMember = errors.New("license owner does not match any users membership")

	// ErrTrialExists indicates the owner already holds a valid trial for the product.
	ErrTrialExists = errors.New("a trial license for this entity already exists")
)
