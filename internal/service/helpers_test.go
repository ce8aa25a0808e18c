package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/licensing-go-api/internal/database"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/repository"
)

const testProvider = "https://hierarchy.example.com"

var testNow = time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts repository.Options) repository.TransactionManager {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), database.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(db))

	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return repository.NewTransactionManager(db, opts)
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func classLicense(product string, nofSeats, extraSeats int, owners ...string) models.License {
	return models.License{
		UUID:                 uuid.New(),
		HierarchyProviderURI: testProvider,
		ProductEID:           product,
		ManagerEID:           "teacher_1@DE_test",
		OwnerType:            "class",
		OwnerLevel:           1,
		OwnerEIDs:            owners,
		ValidFrom:            date(2023, 1, 1),
		ValidTo:              date(2024, 1, 1),
		NofSeats:             nofSeats,
		ExtraSeats:           extraSeats,
	}
}

func seedLicense(t *testing.T, tx repository.TransactionManager, license models.License) models.License {
	t.Helper()
	ctx := context.Background()
	var stored *models.License
	require.NoError(t, tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		if err := repo.CreateLicense(ctx, license); err != nil {
			return err
		}
		var err error
		stored, err = repo.GetLicense(ctx, license.UUID, nil)
		return err
	}))
	require.NotNil(t, stored)
	return *stored
}

func reload(t *testing.T, tx repository.TransactionManager, licenseUUID uuid.UUID) models.License {
	t.Helper()
	ctx := context.Background()
	var stored *models.License
	require.NoError(t, tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		var err error
		stored, err = repo.GetLicense(ctx, licenseUUID, nil)
		return err
	}))
	require.NotNil(t, stored)
	return *stored
}

func eventTypes(t *testing.T, tx repository.TransactionManager) []models.EventType {
	t.Helper()
	ctx := context.Background()
	var events []models.EventLog
	require.NoError(t, tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		var err error
		events, err = repo.GetEventLogs(ctx, repository.EventLogQuery{IsExported: false})
		return err
	}))
	types := make([]models.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func newTestLicensingService(tx repository.TransactionManager) *licensingService {
	svc := NewLicensingService(tx, zerolog.Nop()).(*licensingService)
	svc.now = func() time.Time { return testNow }
	return svc
}

func memberOf(entries ...string) []models.Entity {
	entities := make([]models.Entity, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		entities = append(entities, models.NewEntity(parts[0], parts[1]))
	}
	return entities
}

// failingTx simulates an unavailable store.
type failingTx struct {
	err error
}

func (f failingTx) WithTransaction(context.Context, func(repository.LicensingRepository) error) error {
	return f.err
}

// fullLicenseTx reports selected licenses as full when a seat is created,
// as a concurrent occupant would under strict capacity.
type fullLicenseTx struct {
	inner repository.TransactionManager
	full  map[int64]bool
}

func (f fullLicenseTx) WithTransaction(ctx context.Context, fn func(repository.LicensingRepository) error) error {
	return f.inner.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		return fn(fullLicenseRepo{LicensingRepository: repo, full: f.full})
	})
}

type fullLicenseRepo struct {
	repository.LicensingRepository
	full map[int64]bool
}

func (r fullLicenseRepo) CreateSeat(ctx context.Context, seat models.Seat) (models.Seat, error) {
	if r.full[seat.LicenseID] {
		return models.Seat{}, models.ErrNoFreeSeats
	}
	return r.LicensingRepository.CreateSeat(ctx, seat)
}

func zeroLog() zerolog.Logger {
	return zerolog.Nop()
}

func testValidator() *validator.Validate {
	return validator.New()
}
