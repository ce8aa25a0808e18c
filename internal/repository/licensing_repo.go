package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// LicensingRepository is the persistence contract of the licensing engine.
// Every method runs on the transaction the repository was bound to; the
// repository never commits or rolls back on its own.
type LicensingRepository interface {
	IsAlive(ctx context.Context) bool

	CreateLicense(ctx context.Context, license models.License) error
	DeleteLicense(ctx context.Context, licenseUUID uuid.UUID) error
	UpdateLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions FilterRestrictions, patch models.LicensePatch) (*models.License, error)
	GetLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions FilterRestrictions) (*models.License, error)
	GetValidLicensesForEntities(ctx context.Context, providerURI string, entities []models.Entity, day time.Time) ([]models.License, error)
	GetManagedLicensesPaginated(ctx context.Context, page Page, order []OrderField, providerURI, managerEID string) ([]models.License, int64, error)
	GetManagedLicenseByID(ctx context.Context, licenseUUID uuid.UUID, providerURI, managerEID string) (*models.License, error)
	GetLicensesForEntitiesPaginated(ctx context.Context, page Page, order []OrderField, providerURI string, entities []models.Entity) ([]models.License, int64, error)
	GetLicensesPaginated(ctx context.Context, page Page, order []OrderField, restrictions FilterRestrictions, filter LicenseFilter) ([]models.License, int64, error)

	CreateSeat(ctx context.Context, seat models.Seat) (models.Seat, error)
	UpdateSeats(ctx context.Context, seats []models.Seat) error
	GetOccupiedSeats(ctx context.Context, userEID string) ([]models.Seat, error)

	CreateEventLog(ctx context.Context, eventType models.EventType, payload map[string]any) error
	GetEventLogStats(ctx context.Context) (models.EventLogStats, error)
	GetEventLogs(ctx context.Context, query EventLogQuery) ([]models.EventLog, error)
	MarkEventExported(ctx context.Context, eventID int64) error
}

// Options tune the gorm repository.
type Options struct {
	// StrictSeatCapacity locks the license row and re-counts occupied seats
	// before a seat is created, rejecting the seat with models.ErrNoFreeSeats
	// when the license is full.
	StrictSeatCapacity bool
	Now                func() time.Time
}

type licensingRepository struct {
	db   *gorm.DB
	opts Options
}

// NewLicensingRepository binds a repository to a database handle, usually a transaction.
func NewLicensingRepository(db *gorm.DB, opts Options) LicensingRepository {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &licensingRepository{db: db, opts: opts}
}

func (r *licensingRepository) fresh(query *gorm.DB) *gorm.DB {
	return query.Session(&gorm.Session{NewDB: true})
}

func (r *licensingRepository) now() time.Time {
	return r.opts.Now().UTC()
}

func dateParam(day time.Time) datatypes.Date {
	return datatypes.Date(models.DateOf(day))
}

func (r *licensingRepository) IsAlive(ctx context.Context) bool {
	var one int
	if err := r.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return false
	}
	return one == 1
}

func (r *licensingRepository) CreateLicense(ctx context.Context, license models.License) error {
	row := newLicenseRow(license)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translateError(err)
	}
	return nil
}

func (r *licensingRepository) DeleteLicense(ctx context.Context, licenseUUID uuid.UUID) error {
	db := r.db.WithContext(ctx)
	ids := r.fresh(db).Model(&licenseRow{}).Select("id").Where("uuid = ?", licenseUUID.String())

	if err := db.Where("ref_license IN (?)", ids).Delete(&seatRow{}).Error; err != nil {
		return err
	}
	if err := db.Where("license_id IN (?)", ids).Delete(&licenseOwnerRow{}).Error; err != nil {
		return err
	}
	return db.Where("uuid = ?", licenseUUID.String()).Delete(&licenseRow{}).Error
}

func (r *licensingRepository) UpdateLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions FilterRestrictions, patch models.LicensePatch) (*models.License, error) {
	db := r.db.WithContext(ctx)

	query, err := restrictions.apply(db.Model(&licenseRow{}).Where("license.uuid = ?", licenseUUID.String()))
	if err != nil {
		return nil, err
	}

	var row licenseRow
	if err := query.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	columns := map[string]any{"updated_at": r.now()}
	if patch.ManagerEID != nil {
		columns["manager_eid"] = *patch.ManagerEID
	}
	if patch.NofSeats.Set && patch.NofSeats.Value != nil {
		columns["nof_seats"] = *patch.NofSeats.Value
	}
	if patch.ExtraSeats.Set && patch.ExtraSeats.Value != nil {
		columns["extra_seats"] = *patch.ExtraSeats.Value
	}
	if patch.ValidFrom != nil {
		columns["valid_from"] = dateParam(*patch.ValidFrom)
	}
	if patch.ValidTo != nil {
		columns["valid_to"] = dateParam(*patch.ValidTo)
	}

	if err := db.Model(&licenseRow{}).Where("id = ?", row.ID).Updates(columns).Error; err != nil {
		return nil, translateError(err)
	}

	return r.findLicense(db.Where("license.id = ?", row.ID))
}

func (r *licensingRepository) GetLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions FilterRestrictions) (*models.License, error) {
	query, err := restrictions.apply(r.db.WithContext(ctx).Where("license.uuid = ?", licenseUUID.String()))
	if err != nil {
		return nil, err
	}
	return r.findLicense(query)
}

func (r *licensingRepository) GetManagedLicenseByID(ctx context.Context, licenseUUID uuid.UUID, providerURI, managerEID string) (*models.License, error) {
	return r.findLicense(r.db.WithContext(ctx).Where(
		"license.uuid = ? AND license.hierarchy_provider_uri = ? AND license.manager_eid = ?",
		licenseUUID.String(), providerURI, managerEID,
	))
}

func (r *licensingRepository) findLicense(query *gorm.DB) (*models.License, error) {
	var row licenseRow
	if err := query.Preload("Seats", orderSeats).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	license, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &license, nil
}

func orderSeats(db *gorm.DB) *gorm.DB {
	return db.Order("seat.id")
}

// ownedBy restricts a query to licenses with at least one owner among the entities.
func (r *licensingRepository) ownedBy(query *gorm.DB, entities []models.Entity) *gorm.DB {
	entities = models.UniqueEntities(entities)
	parts := make([]string, 0, len(entities))
	args := make([]any, 0, 2*len(entities))
	for _, entity := range entities {
		parts = append(parts, "(license_owner.owner_type = ? AND license_owner.owner_eid = ?)")
		args = append(args, entity.Type, entity.EID)
	}

	owners := r.fresh(query).Model(&licenseOwnerRow{}).
		Distinct("license_owner.license_id").
		Where("("+strings.Join(parts, " OR ")+")", args...)
	return query.Where("license.id IN (?)", owners)
}

func (r *licensingRepository) GetValidLicensesForEntities(ctx context.Context, providerURI string, entities []models.Entity, day time.Time) ([]models.License, error) {
	if len(entities) == 0 {
		return []models.License{}, nil
	}

	date := dateParam(day)
	query := r.db.WithContext(ctx).Model(&licenseRow{}).Where(
		"license.hierarchy_provider_uri = ? AND license.valid_from <= ? AND license.valid_to >= ?",
		providerURI, date, date,
	)

	var rows []licenseRow
	if err := r.ownedBy(query, entities).Preload("Seats", orderSeats).Order("license.id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return licensesToModels(rows)
}

func (r *licensingRepository) GetManagedLicensesPaginated(ctx context.Context, page Page, order []OrderField, providerURI, managerEID string) ([]models.License, int64, error) {
	query := r.db.WithContext(ctx).Model(&licenseRow{}).Where(
		"license.hierarchy_provider_uri = ? AND license.manager_eid = ?", providerURI, managerEID,
	)
	return r.paginate(query, page, order)
}

func (r *licensingRepository) GetLicensesForEntitiesPaginated(ctx context.Context, page Page, order []OrderField, providerURI string, entities []models.Entity) ([]models.License, int64, error) {
	if len(entities) == 0 {
		return []models.License{}, 0, nil
	}
	query := r.db.WithContext(ctx).Model(&licenseRow{}).Where("license.hierarchy_provider_uri = ?", providerURI)
	return r.paginate(r.ownedBy(query, entities), page, order)
}

func (r *licensingRepository) GetLicensesPaginated(ctx context.Context, page Page, order []OrderField, restrictions FilterRestrictions, filter LicenseFilter) ([]models.License, int64, error) {
	if filter.Today.IsZero() {
		filter.Today = r.now()
	}
	query := r.applyLicenseFilter(r.db.WithContext(ctx).Model(&licenseRow{}), filter)
	query, err := restrictions.apply(query)
	if err != nil {
		return nil, 0, err
	}
	return r.paginate(query, page, order)
}

func (r *licensingRepository) paginate(query *gorm.DB, page Page, order []OrderField) ([]models.License, int64, error) {
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []licenseRow
	if err := page.apply(applyOrder(query, order)).Preload("Seats", orderSeats).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	licenses, err := licensesToModels(rows)
	if err != nil {
		return nil, 0, err
	}
	return licenses, total, nil
}

func (r *licensingRepository) CreateSeat(ctx context.Context, seat models.Seat) (models.Seat, error) {
	db := r.db.WithContext(ctx)

	if r.opts.StrictSeatCapacity && seat.IsOccupied {
		lockQuery := db
		if db.Dialector.Name() == "postgres" {
			lockQuery = db.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var license licenseRow
		if err := lockQuery.Where("id = ?", seat.LicenseID).First(&license).Error; err != nil {
			return models.Seat{}, err
		}
		var occupied int64
		if err := db.Model(&seatRow{}).Where("ref_license = ? AND is_occupied = ?", seat.LicenseID, true).Count(&occupied).Error; err != nil {
			return models.Seat{}, err
		}
		free, err := models.CountFreeSeats(license.NofSeats, license.ExtraSeats, int(occupied))
		if err != nil {
			return models.Seat{}, err
		}
		if free <= 0 {
			return models.Seat{}, fmt.Errorf("%w: license %s", models.ErrNoFreeSeats, license.UUID)
		}
	}

	row := newSeatRow(seat)
	row.ID = 0
	if err := db.Create(&row).Error; err != nil {
		return models.Seat{}, translateError(err)
	}
	seat.ID = row.ID
	return seat, nil
}

func (r *licensingRepository) UpdateSeats(ctx context.Context, seats []models.Seat) error {
	db := r.db.WithContext(ctx)

	for _, seat := range seats {
		err := db.Model(&seatRow{}).Where("id = ?", seat.ID).Updates(map[string]any{
			"user_eid":         seat.UserEID,
			"occupied_at":      seat.OccupiedAt.UTC(),
			"last_accessed_at": seat.LastAccessedAt.UTC(),
			"is_occupied":      seat.IsOccupied,
			"status":           seat.Status.String(),
		}).Error
		if err != nil {
			return err
		}
	}

	for _, seat := range seats {
		if seat.Status == models.SeatStatusActive {
			continue
		}
		licenseUUID, err := r.seatLicenseUUID(ctx, seat)
		if err != nil {
			return err
		}
		if err := r.CreateEventLog(ctx, models.EventSeatUpdated, map[string]any{
			"uuid":             licenseUUID,
			"user_eid":         seat.UserEID,
			"occupied_at":      seat.OccupiedAt.UTC(),
			"last_accessed_at": seat.LastAccessedAt.UTC(),
			"is_occupied":      seat.IsOccupied,
			"status":           seat.Status.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *licensingRepository) seatLicenseUUID(ctx context.Context, seat models.Seat) (string, error) {
	if seat.License != nil {
		return seat.License.UUID.String(), nil
	}
	var licenseUUID string
	err := r.db.WithContext(ctx).Model(&licenseRow{}).Select("uuid").Where("id = ?", seat.LicenseID).Scan(&licenseUUID).Error
	return licenseUUID, err
}

func (r *licensingRepository) GetOccupiedSeats(ctx context.Context, userEID string) ([]models.Seat, error) {
	var rows []seatRow
	err := r.db.WithContext(ctx).
		Where("user_eid = ? AND is_occupied = ?", userEID, true).
		Preload("License").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	seats := make([]models.Seat, 0, len(rows))
	for _, row := range rows {
		seat, err := row.toModel()
		if err != nil {
			return nil, err
		}
		seats = append(seats, seat)
	}
	return seats, nil
}

func (r *licensingRepository) CreateEventLog(ctx context.Context, eventType models.EventType, payload map[string]any) error {
	row := eventLogRow{
		Timestamp:    r.now(),
		EventType:    eventType.String(),
		EventVersion: models.CurrentEventVersion,
		EventPayload: datatypes.JSONMap(payload),
		IsExported:   false,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *licensingRepository) GetEventLogStats(ctx context.Context) (models.EventLogStats, error) {
	var stats models.EventLogStats
	db := r.db.WithContext(ctx)
	if err := db.Model(&eventLogRow{}).Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&eventLogRow{}).Where("is_exported = ?", false).Count(&stats.Unexported).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

func (r *licensingRepository) GetEventLogs(ctx context.Context, query EventLogQuery) ([]models.EventLog, error) {
	order := "id ASC"
	if query.OrderByLatest {
		order = "id DESC"
	}

	db := r.db.WithContext(ctx).Where("is_exported = ?", query.IsExported).Order(order)
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}

	var rows []eventLogRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]models.EventLog, 0, len(rows))
	for _, row := range rows {
		event, err := row.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *licensingRepository) MarkEventExported(ctx context.Context, eventID int64) error {
	return r.db.WithContext(ctx).Model(&eventLogRow{}).Where("id = ?", eventID).Update("is_exported", true).Error
}
