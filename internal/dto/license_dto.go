package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/service"
)

// LicensePurchaseRequest is the order embedded into a shop token.
type LicensePurchaseRequest struct {
	HierarchyProviderURI string   `json:"hierarchy_provider_uri" validate:"required,max=256"`
	ProductEID           string   `json:"product_eid" validate:"required,max=256"`
	OwnerType            string   `json:"owner_type" validate:"required,max=256"`
	OwnerLevel           *int     `json:"owner_level" validate:"required"`
	OwnerEIDs            []string `json:"owner_eids" validate:"required,min=1,dive,required,max=256"`
	ValidFrom            *Date    `json:"valid_from" validate:"required"`
	ValidTo              *Date    `json:"valid_to" validate:"required"`
	NofSeats             *int     `json:"nof_seats" validate:"required,min=-1"`
	ExtraSeats           *int     `json:"extra_seats" validate:"omitempty,min=0"`
	OrderID              *string  `json:"order_id" validate:"omitempty,max=36"`
}

// DecodeLicensePurchase reads the order claim of a shop token.
func DecodeLicensePurchase(claim any) (LicensePurchaseRequest, error) {
	raw, err := json.Marshal(claim)
	if err != nil {
		return LicensePurchaseRequest{}, fmt.Errorf("%w: order claim: %v", models.ErrInvalidInput, err)
	}
	var order LicensePurchaseRequest
	if err := json.Unmarshal(raw, &order); err != nil {
		return LicensePurchaseRequest{}, fmt.Errorf("%w: order claim: %v", models.ErrInvalidInput, err)
	}
	return order, nil
}

// ToNewLicense converts the order into a non-trial license managed by the shop.
func (r LicensePurchaseRequest) ToNewLicense(managerEID string) models.NewLicense {
	return models.NewLicense{
		HierarchyProviderURI: r.HierarchyProviderURI,
		ProductEID:           r.ProductEID,
		ManagerEID:           managerEID,
		OwnerType:            r.OwnerType,
		OwnerLevel:           intValue(r.OwnerLevel),
		OwnerEIDs:            r.OwnerEIDs,
		ValidFrom:            dateValue(r.ValidFrom),
		ValidTo:              dateValue(r.ValidTo),
		NofSeats:             r.NofSeats,
		ExtraSeats:           r.ExtraSeats,
		OrderID:              r.OrderID,
	}
}

// LicenseCreateRequest is the admin license creation payload.
type LicenseCreateRequest struct {
	LicensePurchaseRequest
	ManagerEID string  `json:"manager_eid" validate:"required,max=256"`
	Notes      *string `json:"notes" validate:"omitempty,max=4096"`
}

// ToNewLicense converts the request into a non-trial license.
func (r LicenseCreateRequest) ToNewLicense() models.NewLicense {
	license := r.LicensePurchaseRequest.ToNewLicense(r.ManagerEID)
	license.Notes = r.Notes
	return license
}

// LicenseTrialRequest is the self-service trial payload of a member.
type LicenseTrialRequest struct {
	ProductEID    string          `json:"product_eid" validate:"required,max=256"`
	OwnerType     string          `json:"owner_type" validate:"required,max=256"`
	OwnerLevel    *int            `json:"owner_level" validate:"required"`
	OwnerEID      string          `json:"owner_eid" validate:"required,max=256"`
	NofSeats      *int            `json:"nof_seats" validate:"required,min=-1"`
	ExtraSeats    *int            `json:"extra_seats" validate:"omitempty,min=0"`
	Memberships   []MembershipDTO `json:"memberships" validate:"dive"`
	DurationWeeks *int            `json:"duration_weeks" validate:"omitempty,min=0"`
}

// ToInput binds the request to the provider and member of the token.
func (r LicenseTrialRequest) ToInput(providerURI, managerEID string) service.TrialLicenseInput {
	return service.TrialLicenseInput{
		HierarchyProviderURI: providerURI,
		ManagerEID:           managerEID,
		ProductEID:           r.ProductEID,
		OwnerType:            r.OwnerType,
		OwnerLevel:           intValue(r.OwnerLevel),
		OwnerEID:             r.OwnerEID,
		NofSeats:             r.NofSeats,
		ExtraSeats:           r.ExtraSeats,
		DurationWeeks:        r.DurationWeeks,
		Memberships:          MembershipEntities(r.Memberships),
	}
}

// LicenseUpdateRequest is a partial admin update. Absent fields are kept,
// null seat counts fall back to their defaults and null strings or dates
// count as absent.
type LicenseUpdateRequest struct {
	ManagerEID *string            `json:"manager_eid" validate:"omitempty,min=1,max=256"`
	NofSeats   models.NullableInt `json:"nof_seats"`
	ExtraSeats models.NullableInt `json:"extra_seats"`
	ValidFrom  *Date              `json:"valid_from"`
	ValidTo    *Date              `json:"valid_to"`
}

// ToPatch converts the request into a domain patch.
func (r LicenseUpdateRequest) ToPatch() models.LicensePatch {
	return models.LicensePatch{
		ManagerEID: r.ManagerEID,
		NofSeats:   r.NofSeats,
		ExtraSeats: r.ExtraSeats,
		ValidFrom:  datePointer(r.ValidFrom),
		ValidTo:    datePointer(r.ValidTo),
	}
}

// SeatResponse serializes a seat.
type SeatResponse struct {
	UserEID        string    `json:"user_eid"`
	OccupiedAt     time.Time `json:"occupied_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	IsOccupied     bool      `json:"is_occupied"`
	Status         string    `json:"status"`
}

// LicenseResponse holds the fields every license shape exposes. Free seats
// ignore the extra allowance and report -1 for unlimited licenses.
type LicenseResponse struct {
	UUID         uuid.UUID `json:"uuid"`
	ProductEID   string    `json:"product_eid"`
	OwnerLevel   int       `json:"owner_level"`
	OwnerType    string    `json:"owner_type"`
	NofSeats     int       `json:"nof_seats"`
	NofFreeSeats int       `json:"nof_free_seats"`
	ExtraSeats   int       `json:"extra_seats"`
	IsTrial      bool      `json:"is_trial"`
	ValidFrom    Date      `json:"valid_from"`
	ValidTo      Date      `json:"valid_to"`
}

// LicenseCreatedResponse is returned by the creation routes.
type LicenseCreatedResponse struct {
	LicenseResponse
}

// LicenseValidResponse is a license visible in an entity tree.
type LicenseValidResponse struct {
	LicenseResponse
	OwnerEIDs []string `json:"owner_eids"`
}

// LicenseAvailableResponse is a license owned by one of a member's entities.
type LicenseAvailableResponse struct {
	LicenseValidResponse
	Seats []SeatResponse `json:"seats"`
}

// LicenseManagedResponse is a license created by the requesting manager.
type LicenseManagedResponse struct {
	LicenseAvailableResponse
	ReleasedSeats []SeatResponse `json:"released_seats"`
	CreatedAt     time.Time      `json:"created_at"`
}

// LicenseCompleteResponse exposes every license field to admins.
type LicenseCompleteResponse struct {
	LicenseResponse
	ID            int64          `json:"id"`
	ManagerEID    string         `json:"manager_eid"`
	OwnerEIDs     []string       `json:"owner_eids"`
	Notes         *string        `json:"notes"`
	Seats         []SeatResponse `json:"seats"`
	ReleasedSeats []SeatResponse `json:"released_seats"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     *time.Time     `json:"updated_at"`
}

// NewLicenseCreatedResponse converts a creation summary.
func NewLicenseCreatedResponse(summary models.LicenseSummary) LicenseCreatedResponse {
	return LicenseCreatedResponse{LicenseResponse{
		UUID:         summary.UUID,
		ProductEID:   summary.ProductEID,
		OwnerLevel:   summary.OwnerLevel,
		OwnerType:    summary.OwnerType,
		NofSeats:     summary.NofSeats,
		NofFreeSeats: summary.NofFreeSeats,
		ExtraSeats:   summary.ExtraSeats,
		IsTrial:      summary.IsTrial,
		ValidFrom:    NewDate(summary.ValidFrom),
		ValidTo:      NewDate(summary.ValidTo),
	}}
}

// NewLicenseResponse converts the shared license fields.
func NewLicenseResponse(license models.License) LicenseResponse {
	return LicenseResponse{
		UUID:         license.UUID,
		ProductEID:   license.ProductEID,
		OwnerLevel:   license.OwnerLevel,
		OwnerType:    license.OwnerType,
		NofSeats:     license.NofSeats,
		NofFreeSeats: models.PublicFreeSeats(license.NofSeats, license.OccupiedSeats()),
		ExtraSeats:   license.ExtraSeats,
		IsTrial:      license.IsTrial,
		ValidFrom:    NewDate(license.ValidFrom),
		ValidTo:      NewDate(license.ValidTo),
	}
}

// NewLicenseValidResponse converts a tree-visible license.
func NewLicenseValidResponse(license models.License) LicenseValidResponse {
	return LicenseValidResponse{
		LicenseResponse: NewLicenseResponse(license),
		OwnerEIDs:       ownerEIDs(license),
	}
}

// NewLicenseAvailableResponse converts a member-visible license.
func NewLicenseAvailableResponse(license models.License) LicenseAvailableResponse {
	return LicenseAvailableResponse{
		LicenseValidResponse: NewLicenseValidResponse(license),
		Seats:                NewSeatResponses(license.Seats),
	}
}

// NewLicenseManagedResponse converts a manager-visible license.
func NewLicenseManagedResponse(license models.License) LicenseManagedResponse {
	return LicenseManagedResponse{
		LicenseAvailableResponse: NewLicenseAvailableResponse(license),
		ReleasedSeats:            NewSeatResponses(license.ReleasedSeats),
		CreatedAt:                license.CreatedAt,
	}
}

// NewLicenseCompleteResponse converts a license for admins.
func NewLicenseCompleteResponse(license models.License) LicenseCompleteResponse {
	return LicenseCompleteResponse{
		LicenseResponse: NewLicenseResponse(license),
		ID:              license.ID,
		ManagerEID:      license.ManagerEID,
		OwnerEIDs:       ownerEIDs(license),
		Notes:           license.Notes,
		Seats:           NewSeatResponses(license.Seats),
		ReleasedSeats:   NewSeatResponses(license.ReleasedSeats),
		CreatedAt:       license.CreatedAt,
		UpdatedAt:       license.UpdatedAt,
	}
}

// NewSeatResponses converts seats, never returning nil.
func NewSeatResponses(seats []models.Seat) []SeatResponse {
	result := make([]SeatResponse, 0, len(seats))
	for _, seat := range seats {
		result = append(result, SeatResponse{
			UserEID:        seat.UserEID,
			OccupiedAt:     seat.OccupiedAt,
			LastAccessedAt: seat.LastAccessedAt,
			IsOccupied:     seat.IsOccupied,
			Status:         seat.Status.String(),
		})
	}
	return result
}

// MapLicenses converts a slice with the given shape constructor.
func MapLicenses[T any](licenses []models.License, convert func(models.License) T) []T {
	result := make([]T, 0, len(licenses))
	for _, license := range licenses {
		result = append(result, convert(license))
	}
	return result
}

func ownerEIDs(license models.License) []string {
	if license.OwnerEIDs == nil {
		return []string{}
	}
	return license.OwnerEIDs
}

func intValue(value *int) int {
	if value == nil {
		return 0
	}
	return *value
}

func dateValue(value *Date) time.Time {
	if value == nil {
		return time.Time{}
	}
	return value.Time
}
