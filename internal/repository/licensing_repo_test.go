package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

var testNow = time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestRepo(t *testing.T, opts Options) (LicensingRepository, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return NewLicensingRepository(db, opts), db
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func sampleLicense(product string, ownerType string, level int, owners ...string) models.License {
	return models.License{
		UUID:                 uuid.New(),
		HierarchyProviderURI: "https://hierarchy.example.com",
		ProductEID:           product,
		ManagerEID:           "teacher_1@DE_test",
		OwnerType:            ownerType,
		OwnerLevel:           level,
		OwnerEIDs:            owners,
		ValidFrom:            date(2023, 1, 1),
		ValidTo:              date(2024, 1, 1),
		NofSeats:             10,
	}
}

func createLicense(t *testing.T, repo LicensingRepository, license models.License) models.License {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateLicense(ctx, license))
	stored, err := repo.GetLicense(ctx, license.UUID, nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	return *stored
}

func occupy(t *testing.T, repo LicensingRepository, license models.License, user string) models.Seat {
	t.Helper()
	seat, err := repo.CreateSeat(context.Background(), models.Seat{
		LicenseID:      license.ID,
		UserEID:        user,
		OccupiedAt:     testNow,
		LastAccessedAt: testNow,
		IsOccupied:     true,
		Status:         models.SeatStatusActive,
	})
	require.NoError(t, err)
	require.NotZero(t, seat.ID)
	return seat
}

func TestSchemaUsesQueriedColumnNames(t *testing.T) {
	db := setupTestDB(t)
	migrator := db.Migrator()

	columns := map[any][]string{
		&licenseRow{}:      {"hierarchy_provider_uri", "product_eid", "manager_eid", "owner_type", "owner_eids", "order_id"},
		&licenseOwnerRow{}: {"license_id", "owner_type", "owner_eid"},
		&seatRow{}:         {"ref_license", "user_eid", "is_occupied", "status"},
		&eventLogRow{}:     {"event_type", "event_payload", "is_exported"},
	}
	for table, names := range columns {
		for _, name := range names {
			require.True(t, migrator.HasColumn(table, name), "%T misses column %s", table, name)
		}
	}
	require.False(t, migrator.HasColumn(&licenseRow{}, "product_e_id"))
	require.False(t, migrator.HasColumn(&seatRow{}, "user_e_id"))

	repo := NewLicensingRepository(db, Options{Now: func() time.Time { return testNow }})
	license := createLicense(t, repo, sampleLicense("product_1", "class", 1, "class_1"))
	occupy(t, repo, license, "student_1")

	ctx := context.Background()
	valid, err := repo.GetValidLicensesForEntities(ctx, license.HierarchyProviderURI,
		[]models.Entity{{Type: "class", EID: "class_1"}}, date(2023, 6, 1))
	require.NoError(t, err)
	require.Len(t, valid, 1)

	seats, err := repo.GetOccupiedSeats(ctx, "student_1")
	require.NoError(t, err)
	require.Len(t, seats, 1)
}

func TestCreateLicenseRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	notes := "bought at fair"
	license := sampleLicense("product_1", "class", 1, "class_1", "class_2")
	license.Notes = &notes

	stored := createLicense(t, repo, license)
	require.Equal(t, license.UUID, stored.UUID)
	require.Equal(t, []string{"class_1", "class_2"}, stored.OwnerEIDs)
	require.True(t, stored.ValidFrom.Equal(date(2023, 1, 1)))
	require.True(t, stored.ValidTo.Equal(date(2024, 1, 1)))
	require.Equal(t, "bought at fair", *stored.Notes)
	require.Empty(t, stored.Seats)
	require.Nil(t, stored.UpdatedAt)
}

func TestCreateLicenseDuplicateIdentity(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	license := sampleLicense("product_1", "class", 1, "class_1")
	require.NoError(t, repo.CreateLicense(context.Background(), license))

	duplicate := license
	duplicate.UUID = uuid.New()
	duplicate.NofSeats = 99
	err := repo.CreateLicense(context.Background(), duplicate)
	require.ErrorIs(t, err, models.ErrDuplicateEntry)
}

func TestGetValidLicensesForEntities(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()

	shared := createLicense(t, repo, sampleLicense("product_1", "class", 1, "class_1", "class_2"))
	expired := sampleLicense("product_2", "class", 1, "class_1")
	expired.ValidTo = date(2023, 3, 1)
	createLicense(t, repo, expired)
	otherProvider := sampleLicense("product_3", "class", 1, "class_1")
	otherProvider.HierarchyProviderURI = "https://other.example.com"
	createLicense(t, repo, otherProvider)
	createLicense(t, repo, sampleLicense("product_4", "school", 2, "school_1"))

	occupy(t, repo, shared, "student_1")

	licenses, err := repo.GetValidLicensesForEntities(ctx, "https://hierarchy.example.com", []models.Entity{
		models.NewEntity("class", "class_1"),
		models.NewEntity("class", "class_2"),
	}, testNow)
	require.NoError(t, err)
	require.Len(t, licenses, 1, "license owned by two matching entities must appear once")
	require.Equal(t, shared.UUID, licenses[0].UUID)
	require.Len(t, licenses[0].Seats, 1)

	onBoundary, err := repo.GetValidLicensesForEntities(ctx, "https://hierarchy.example.com", []models.Entity{
		models.NewEntity("class", "class_1"),
	}, date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, onBoundary, 1, "validity window is inclusive")

	none, err := repo.GetValidLicensesForEntities(ctx, "https://hierarchy.example.com", nil, testNow)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUpdateSeatsAppendsEventsForReleasedSeats(t *testing.T) {
	repo, db := newTestRepo(t, Options{})
	ctx := context.Background()

	license := createLicense(t, repo, sampleLicense("product_1", "class", 1, "class_1"))
	kept := occupy(t, repo, license, "student_1")
	released := occupy(t, repo, license, "student_2")

	seats, err := repo.GetOccupiedSeats(ctx, "student_2")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	require.NotNil(t, seats[0].License)
	require.Equal(t, license.UUID, seats[0].License.UUID)

	later := testNow.Add(time.Hour)
	kept.LastAccessedAt = later
	released.LastAccessedAt = later
	released.IsOccupied = false
	released.Status = models.SeatStatusExpired
	require.NoError(t, repo.UpdateSeats(ctx, []models.Seat{kept, released}))

	stored, err := repo.GetLicense(ctx, license.UUID, nil)
	require.NoError(t, err)
	require.Len(t, stored.Seats, 1)
	require.Len(t, stored.ReleasedSeats, 1)
	require.Equal(t, models.SeatStatusExpired, stored.ReleasedSeats[0].Status)
	require.True(t, stored.Seats[0].LastAccessedAt.Equal(later))

	var events []eventLogRow
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, "SeatUpdatedEvent", events[0].EventType)
	require.Equal(t, license.UUID.String(), events[0].EventPayload["uuid"])
	require.Equal(t, "EXPIRED", events[0].EventPayload["status"])
	require.Equal(t, "student_2", events[0].EventPayload["user_eid"])
}

func TestUpdateLicenseAppliesOnlyPresentFields(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()

	original := sampleLicense("product_1", "class", 1, "class_1")
	original.ExtraSeats = 3
	license := createLicense(t, repo, original)

	validTo := date(2022, 1, 1)
	updated, err := repo.UpdateLicense(ctx, license.UUID, nil, models.LicensePatch{
		NofSeats: models.IntValue(models.UnlimitedSeats),
		ValidTo:  &validTo,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, models.UnlimitedSeats, updated.NofSeats)
	require.Equal(t, 3, updated.ExtraSeats)
	require.True(t, updated.ValidTo.Equal(validTo))
	require.NotNil(t, updated.UpdatedAt)

	missing, err := repo.UpdateLicense(ctx, uuid.New(), nil, models.LicensePatch{NofSeats: models.IntValue(1)})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestFilterRestrictionsScopeVisibility(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()
	license := createLicense(t, repo, sampleLicense("product_1", "class", 1, "class_1"))

	visible, err := repo.GetLicense(ctx, license.UUID, FilterRestrictions{"manager_eid": {"DE_other", "DE_test"}})
	require.NoError(t, err)
	require.NotNil(t, visible)

	hidden, err := repo.GetLicense(ctx, license.UUID, FilterRestrictions{"manager_eid": {"DE_other"}})
	require.NoError(t, err)
	require.Nil(t, hidden)

	notUpdated, err := repo.UpdateLicense(ctx, license.UUID, FilterRestrictions{"manager_eid": {"DE_other"}}, models.LicensePatch{NofSeats: models.IntValue(1)})
	require.NoError(t, err)
	require.Nil(t, notUpdated)

	_, err = repo.GetLicense(ctx, license.UUID, FilterRestrictions{"product_eid": {"x"}})
	require.ErrorIs(t, err, models.ErrInvalidFilterRestrictions)
}

func TestParseFilterRestrictions(t *testing.T) {
	restrictions, err := ParseFilterRestrictions(map[string]any{"manager_eid": []any{"DE_a", "DE_b"}}, AllowedFilterRestrictions)
	require.NoError(t, err)
	require.Equal(t, FilterRestrictions{"manager_eid": {"DE_a", "DE_b"}}, restrictions)

	_, err = ParseFilterRestrictions(map[string]any{"manager_eid": "DE_a"}, AllowedFilterRestrictions)
	require.ErrorIs(t, err, models.ErrInvalidFilterRestrictions)

	_, err = ParseFilterRestrictions(map[string]any{"owner_type": []any{"class"}}, AllowedFilterRestrictions)
	require.ErrorIs(t, err, models.ErrInvalidFilterRestrictions)

	_, err = ParseFilterRestrictions("manager_eid", AllowedFilterRestrictions)
	require.ErrorIs(t, err, models.ErrInvalidFilterRestrictions)

	empty, err := ParseFilterRestrictions(map[string]any{}, AllowedFilterRestrictions)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestParseOrderBy(t *testing.T) {
	fields, err := ParseOrderBy("-id.valid_from.-manager_eid", AllowedLicenseOrderFields)
	require.NoError(t, err)
	require.Equal(t, []OrderField{{Field: "id", Desc: true}, {Field: "valid_from"}, {Field: "manager_eid", Desc: true}}, fields)

	fields, err = ParseOrderBy("", AllowedLicenseOrderFields)
	require.NoError(t, err)
	require.Empty(t, fields)

	_, err = ParseOrderBy("id.password", AllowedLicenseOrderFields)
	require.ErrorIs(t, err, models.ErrInvalidOrderBy)
}

func TestGetLicensesPaginatedFilters(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()

	classLicense := createLicense(t, repo, sampleLicense("full_access", "class", 1, "1@DE_test", "2@DE_test"))
	trial := sampleLicense("trial_product", "class", 1, "3@DE_test")
	trial.IsTrial = true
	createLicense(t, repo, trial)
	future := sampleLicense("full_access", "school", 2, "school@DE_test")
	future.ValidFrom = date(2023, 9, 1)
	createLicense(t, repo, future)

	productEID := "full"
	licenses, total, err := repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{ProductEID: &productEID})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, licenses, 2)

	ownerEID := "2@DE"
	licenses, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{OwnerEID: &ownerEID})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, classLicense.UUID, licenses[0].UUID)

	isTrial := true
	_, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{IsTrial: &isTrial})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)

	schoolLevel := 2
	licenses, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{OwnerLevel: &schoolLevel})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, future.UUID, licenses[0].UUID)

	anyLevel := 0
	_, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{OwnerLevel: &anyLevel})
	require.NoError(t, err)
	require.Equal(t, int64(3), total, "owner level 0 does not filter")

	isValid := false
	licenses, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{IsValid: &isValid})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "school", licenses[0].OwnerType)

	order, err := ParseOrderBy("-id", AllowedLicenseOrderFields)
	require.NoError(t, err)
	licenses, total, err = repo.GetLicensesPaginated(ctx, Page{Number: 2, Size: 2}, order, nil, LicenseFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, licenses, 1)
	require.Equal(t, classLicense.UUID, licenses[0].UUID)
}

func TestGetLicensesPaginatedRedeemedSeats(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()

	half := sampleLicense("half", "class", 1, "class_1")
	half.NofSeats = 2
	halfLicense := createLicense(t, repo, half)
	occupy(t, repo, halfLicense, "student_1")

	unlimited := sampleLicense("unlimited", "class", 1, "class_1")
	unlimited.NofSeats = models.UnlimitedSeats
	unlimitedLicense := createLicense(t, repo, unlimited)
	occupy(t, repo, unlimitedLicense, "student_1")

	zero := sampleLicense("zero", "class", 1, "class_1")
	zero.NofSeats = 0
	zero.ExtraSeats = 1
	zeroLicense := createLicense(t, repo, zero)
	occupy(t, repo, zeroLicense, "student_1")

	empty := sampleLicense("empty", "class", 1, "class_1")
	createLicense(t, repo, empty)

	products := func(threshold int) []string {
		licenses, _, err := repo.GetLicensesPaginated(ctx, Page{Number: 1, Size: 10}, nil, nil, LicenseFilter{RedeemedSeats: &threshold})
		require.NoError(t, err)
		result := make([]string, 0, len(licenses))
		for _, license := range licenses {
			result = append(result, license.ProductEID)
		}
		return result
	}

	require.ElementsMatch(t, []string{"half", "zero"}, products(50))
	require.ElementsMatch(t, []string{"zero"}, products(80))
	require.ElementsMatch(t, []string{"half", "unlimited", "zero", "empty"}, products(0), "zero threshold disables the filter")
}

func TestStrictSeatCapacityRejectsFullLicense(t *testing.T) {
	repo, _ := newTestRepo(t, Options{StrictSeatCapacity: true})
	single := sampleLicense("product_1", "class", 1, "class_1")
	single.NofSeats = 1
	license := createLicense(t, repo, single)

	occupy(t, repo, license, "student_1")
	_, err := repo.CreateSeat(context.Background(), models.Seat{
		LicenseID:      license.ID,
		UserEID:        "student_2",
		OccupiedAt:     testNow,
		LastAccessedAt: testNow,
		IsOccupied:     true,
		Status:         models.SeatStatusActive,
	})
	require.ErrorIs(t, err, models.ErrNoFreeSeats)
}

func TestDeleteLicenseRemovesSeats(t *testing.T) {
	repo, db := newTestRepo(t, Options{})
	ctx := context.Background()
	license := createLicense(t, repo, sampleLicense("product_1", "class", 1, "class_1"))
	occupy(t, repo, license, "student_1")

	require.NoError(t, repo.DeleteLicense(ctx, license.UUID))
	gone, err := repo.GetLicense(ctx, license.UUID, nil)
	require.NoError(t, err)
	require.Nil(t, gone)

	var seats int64
	require.NoError(t, db.Model(&seatRow{}).Count(&seats).Error)
	require.Zero(t, seats)
}

func TestEventLogExportBookkeeping(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateEventLog(ctx, models.EventPermissionsRequested, map[string]any{"n": i}))
	}

	stats, err := repo.GetEventLogStats(ctx)
	require.NoError(t, err)
	require.Equal(t, models.EventLogStats{Total: 3, Unexported: 3}, stats)

	latest, err := repo.GetEventLogs(ctx, EventLogQuery{OrderByLatest: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Greater(t, latest[0].ID, latest[1].ID)
	require.Equal(t, models.EventPermissionsRequested, latest[0].Type)
	require.Equal(t, models.CurrentEventVersion, latest[0].Version)

	require.NoError(t, repo.MarkEventExported(ctx, latest[0].ID))
	stats, err = repo.GetEventLogStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Unexported)

	exported, err := repo.GetEventLogs(ctx, EventLogQuery{IsExported: true})
	require.NoError(t, err)
	require.Len(t, exported, 1)
}

func TestTransactionManagerRollsBackAndTranslatesDuplicates(t *testing.T) {
	db := setupTestDB(t)
	manager := NewTransactionManager(db, Options{})
	ctx := context.Background()
	license := sampleLicense("product_1", "class", 1, "class_1")

	err := manager.WithTransaction(ctx, func(repo LicensingRepository) error {
		if err := repo.CreateLicense(ctx, license); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")

	var count int64
	require.NoError(t, db.Model(&licenseRow{}).Count(&count).Error)
	require.Zero(t, count)

	require.NoError(t, manager.WithTransaction(ctx, func(repo LicensingRepository) error {
		return repo.CreateLicense(ctx, license)
	}))
	duplicate := license
	duplicate.UUID = uuid.New()
	err = manager.WithTransaction(ctx, func(repo LicensingRepository) error {
		return repo.CreateLicense(ctx, duplicate)
	})
	require.ErrorIs(t, err, models.ErrDuplicateEntry)
}

func TestIsAlive(t *testing.T) {
	repo, _ := newTestRepo(t, Options{})
	require.True(t, repo.IsAlive(context.Background()))
}
