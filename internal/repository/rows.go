package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// licenseRow is the persisted shape of a license. The owner key joins the
// owner eids so the identity constraint stays a plain composite index.
type licenseRow struct {
	ID                   int64                       `gorm:"primaryKey;autoIncrement"`
	UUID                 string                      `gorm:"column:uuid;size:36;not null;uniqueIndex"`
	HierarchyProviderURI string                      `gorm:"column:hierarchy_provider_uri;size:256;not null;index;uniqueIndex:idx_license_identity"`
	ProductEID           string                      `gorm:"column:product_eid;size:256;not null;index;uniqueIndex:idx_license_identity"`
	ManagerEID           string                      `gorm:"column:manager_eid;size:256;not null;index;uniqueIndex:idx_license_identity"`
	OwnerType            string                      `gorm:"size:256;not null;index;uniqueIndex:idx_license_identity"`
	OwnerLevel           int                         `gorm:"not null;index"`
	OwnerEIDs            datatypes.JSONSlice[string] `gorm:"column:owner_eids"`
	OwnerKey             string                      `gorm:"size:4096;not null;uniqueIndex:idx_license_identity"`
	ValidFrom            datatypes.Date              `gorm:"not null;index;uniqueIndex:idx_license_identity"`
	ValidTo              datatypes.Date              `gorm:"not null;index;uniqueIndex:idx_license_identity"`
	NofSeats             int                         `gorm:"not null"`
	ExtraSeats           int                         `gorm:"not null"`
	OrderID              *string                     `gorm:"column:order_id;size:256;index"`
	IsTrial              bool                        `gorm:"not null;index"`
	Notes                *string                     `gorm:"size:4096"`
	CreatedAt            time.Time                   `gorm:"index"`
	UpdatedAt            *time.Time                  `gorm:"autoUpdateTime:false"`
	Owners               []licenseOwnerRow           `gorm:"foreignKey:LicenseID;constraint:OnDelete:CASCADE"`
	Seats                []seatRow                   `gorm:"foreignKey:LicenseID;constraint:OnDelete:CASCADE"`
}

func (licenseRow) TableName() string { return "license" }

// licenseOwnerRow unnests the owner eids of a license, one row per owner.
type licenseOwnerRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	LicenseID int64  `gorm:"not null;index"`
	OwnerType string `gorm:"size:256;not null;index:idx_license_owner"`
	OwnerEID  string `gorm:"column:owner_eid;size:256;not null;index:idx_license_owner"`
}

func (licenseOwnerRow) TableName() string { return "license_owner" }

type seatRow struct {
	ID             int64       `gorm:"primaryKey;autoIncrement"`
	LicenseID      int64       `gorm:"column:ref_license;not null;index"`
	UserEID        string      `gorm:"column:user_eid;size:256;not null;index"`
	OccupiedAt     time.Time   `gorm:"index"`
	LastAccessedAt time.Time   `gorm:"index"`
	IsOccupied     bool        `gorm:"not null;index"`
	Status         string      `gorm:"size:32;not null;index"`
	CreatedAt      time.Time   `gorm:"index"`
	License        *licenseRow `gorm:"foreignKey:LicenseID"`
}

func (seatRow) TableName() string { return "seat" }

type eventLogRow struct {
	ID           int64             `gorm:"primaryKey;autoIncrement"`
	Timestamp    time.Time         `gorm:"not null;index"`
	EventType    string            `gorm:"size:256;not null;index"`
	EventVersion int               `gorm:"not null"`
	EventPayload datatypes.JSONMap `gorm:"column:event_payload"`
	IsExported   bool              `gorm:"not null;index"`
}

func (eventLogRow) TableName() string { return "event_log" }

// AutoMigrate creates or updates the licensing tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&licenseRow{}, &licenseOwnerRow{}, &seatRow{}, &eventLogRow{})
}

func ownerKey(ownerEIDs []string) string {
	return strings.Join(ownerEIDs, "\x1f")
}

func newLicenseRow(license models.License) licenseRow {
	owners := make([]licenseOwnerRow, 0, len(license.OwnerEIDs))
	for _, eid := range license.OwnerEIDs {
		owners = append(owners, licenseOwnerRow{OwnerType: license.OwnerType, OwnerEID: eid})
	}
	return licenseRow{
		UUID:                 license.UUID.String(),
		HierarchyProviderURI: license.HierarchyProviderURI,
		ProductEID:           license.ProductEID,
		ManagerEID:           license.ManagerEID,
		OwnerType:            license.OwnerType,
		OwnerLevel:           license.OwnerLevel,
		OwnerEIDs:            datatypes.NewJSONSlice(license.OwnerEIDs),
		OwnerKey:             ownerKey(license.OwnerEIDs),
		ValidFrom:            datatypes.Date(models.DateOf(license.ValidFrom)),
		ValidTo:              datatypes.Date(models.DateOf(license.ValidTo)),
		NofSeats:             license.NofSeats,
		ExtraSeats:           license.ExtraSeats,
		OrderID:              license.OrderID,
		IsTrial:              license.IsTrial,
		Notes:                license.Notes,
		Owners:               owners,
	}
}

func (r licenseRow) toModel() (models.License, error) {
	id, err := uuid.Parse(r.UUID)
	if err != nil {
		return models.License{}, fmt.Errorf("license %d has a malformed uuid: %w", r.ID, err)
	}

	license := models.License{
		ID:                   r.ID,
		UUID:                 id,
		HierarchyProviderURI: r.HierarchyProviderURI,
		ProductEID:           r.ProductEID,
		ManagerEID:           r.ManagerEID,
		OwnerType:            r.OwnerType,
		OwnerLevel:           r.OwnerLevel,
		OwnerEIDs:            append([]string(nil), r.OwnerEIDs...),
		ValidFrom:            models.DateOf(time.Time(r.ValidFrom)),
		ValidTo:              models.DateOf(time.Time(r.ValidTo)),
		NofSeats:             r.NofSeats,
		ExtraSeats:           r.ExtraSeats,
		OrderID:              r.OrderID,
		IsTrial:              r.IsTrial,
		Notes:                r.Notes,
		Seats:                []models.Seat{},
		ReleasedSeats:        []models.Seat{},
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt,
	}

	for _, seat := range r.Seats {
		converted, err := seat.toModel()
		if err != nil {
			return models.License{}, err
		}
		if converted.IsOccupied {
			license.Seats = append(license.Seats, converted)
		} else {
			license.ReleasedSeats = append(license.ReleasedSeats, converted)
		}
	}
	return license, nil
}

func newSeatRow(seat models.Seat) seatRow {
	return seatRow{
		ID:             seat.ID,
		LicenseID:      seat.LicenseID,
		UserEID:        seat.UserEID,
		OccupiedAt:     seat.OccupiedAt.UTC(),
		LastAccessedAt: seat.LastAccessedAt.UTC(),
		IsOccupied:     seat.IsOccupied,
		Status:         seat.Status.String(),
	}
}

func (r seatRow) toModel() (models.Seat, error) {
	status, err := models.ParseSeatStatus(r.Status)
	if err != nil {
		return models.Seat{}, fmt.Errorf("seat %d: %w", r.ID, err)
	}

	seat := models.Seat{
		ID:             r.ID,
		LicenseID:      r.LicenseID,
		UserEID:        r.UserEID,
		OccupiedAt:     r.OccupiedAt.UTC(),
		LastAccessedAt: r.LastAccessedAt.UTC(),
		IsOccupied:     r.IsOccupied,
		Status:         status,
	}
	if r.License != nil {
		license, err := r.License.toModel()
		if err != nil {
			return models.Seat{}, err
		}
		seat.License = &license
	}
	return seat, nil
}

func (r eventLogRow) toModel() (models.EventLog, error) {
	eventType, err := models.ParseEventType(r.EventType)
	if err != nil {
		return models.EventLog{}, fmt.Errorf("event %d: %w", r.ID, err)
	}
	payload := map[string]any(r.EventPayload)
	if payload == nil {
		payload = map[string]any{}
	}
	return models.EventLog{
		ID:         r.ID,
		Type:       eventType,
		Version:    r.EventVersion,
		Timestamp:  r.Timestamp.UTC(),
		Payload:    payload,
		IsExported: r.IsExported,
	}, nil
}

func licensesToModels(rows []licenseRow) ([]models.License, error) {
	licenses := make([]models.License, 0, len(rows))
	for _, row := range rows {
		license, err := row.toModel()
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}
	return licenses, nil
}
