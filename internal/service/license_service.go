package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/repository"
)

const licenseTracer = "github.com/noah-isme/licensing-go-api/internal/service/license"

// CreationFlow names the route a license was created through.
type CreationFlow string

const (
	FlowAdmin    CreationFlow = "admin"
	FlowTrial    CreationFlow = "trial"
	FlowPurchase CreationFlow = "purchase"
)

// TrialLicenseInput describes a self-service trial license request.
type TrialLicenseInput struct {
	HierarchyProviderURI string `validate:"required"`
	ManagerEID           string `validate:"required"`
	ProductEID           string `validate:"required,max=256"`
	OwnerType            string `validate:"required,max=256"`
	OwnerLevel           int    `validate:"min=0"`
	OwnerEID             string `validate:"required,max=256"`
	NofSeats             *int   `validate:"omitempty,min=-1"`
	ExtraSeats           *int   `validate:"omitempty,min=0"`
	DurationWeeks        *int   `validate:"omitempty,min=0"`
	Memberships          []models.Entity
}

// LicenseListQuery configures an admin license listing.
type LicenseListQuery struct {
	Page         repository.Page
	Order        []repository.OrderField
	Restrictions repository.FilterRestrictions
	Filter       repository.LicenseFilter
}

// LicensePage is one page of licenses with the total count of matches.
type LicensePage struct {
	Items []models.License
	Total int64
	Page  repository.Page
}

// LicenseService manages the license lifecycle: creation through the admin,
// trial and purchase flows, partial updates, lookups and deletion.
type LicenseService interface {
	CreateLicense(ctx context.Context, input models.NewLicense, flow CreationFlow) (models.LicenseSummary, error)
	CreateTrialLicense(ctx context.Context, input TrialLicenseInput) (models.LicenseSummary, error)
	UpdateLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions repository.FilterRestrictions, patch models.LicensePatch) (models.License, error)
	GetLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions repository.FilterRestrictions) (*models.License, error)
	DeleteLicense(ctx context.Context, licenseUUID uuid.UUID) error
	ListLicenses(ctx context.Context, query LicenseListQuery) (LicensePage, error)
	ListManagedLicenses(ctx context.Context, page repository.Page, order []repository.OrderField, providerURI, managerEID string) (LicensePage, error)
	GetManagedLicense(ctx context.Context, licenseUUID uuid.UUID, providerURI, managerEID string) (*models.License, error)
	ListLicensesForEntities(ctx context.Context, page repository.Page, order []repository.OrderField, providerURI string, entities []models.Entity) (LicensePage, error)
}

type licenseService struct {
	tx         repository.TransactionManager
	validator  *validator.Validate
	sanitizer  *bluemonday.Policy
	trialWeeks int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewLicenseService constructs the lifecycle manager. trialWeeks is the
// trial duration used when a request does not name one.
func NewLicenseService(tx repository.TransactionManager, validate *validator.Validate, trialWeeks int, logger zerolog.Logger) LicenseService {
	if trialWeeks <= 0 {
		trialWeeks = 4
	}
	return &licenseService{
		tx:         tx,
		validator:  validate,
		sanitizer:  bluemonday.StrictPolicy(),
		trialWeeks: trialWeeks,
		logger:     logger.With().Str("component", "license_service").Logger(),
		now:        time.Now,
	}
}

func (s *licenseService) CreateLicense(ctx context.Context, input models.NewLicense, flow CreationFlow) (models.LicenseSummary, error) {
	tracer := otel.Tracer(licenseTracer)
	ctx, span := tracer.Start(ctx, "license.create")
	span.SetAttributes(
		attribute.String("license.flow", string(flow)),
		attribute.String("license.product_eid", input.ProductEID),
	)
	defer span.End()

	license, err := s.prepare(input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return models.LicenseSummary{}, err
	}

	err = s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		return insertLicense(ctx, repo, license)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return models.LicenseSummary{}, err
	}

	s.created(license, flow)
	return summarize(license), nil
}

func (s *licenseService) CreateTrialLicense(ctx context.Context, input TrialLicenseInput) (models.LicenseSummary, error) {
	tracer := otel.Tracer(licenseTracer)
	ctx, span := tracer.Start(ctx, "license.create_trial")
	span.SetAttributes(
		attribute.String("license.product_eid", input.ProductEID),
		attribute.String("license.owner_type", input.OwnerType),
		attribute.String("license.owner_eid", input.OwnerEID),
	)
	defer span.End()

	if err := s.validator.Struct(input); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return models.LicenseSummary{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	owner := models.NewEntity(input.OwnerType, input.OwnerEID)
	if !models.NewEntitySet(input.Memberships).Contains(owner) {
		s.logger.Warn().
			Str("owner_type", input.OwnerType).
			Str("owner_eid", input.OwnerEID).
			Msg("license owner does not match any users membership")
		span.SetStatus(codes.Error, "owner_not_member")
		return models.LicenseSummary{}, models.ErrNotAMember
	}

	weeks := s.trialWeeks
	if input.DurationWeeks != nil && *input.DurationWeeks > 0 {
		weeks = *input.DurationWeeks
	}
	validFrom := models.DateOf(s.now())

	license, err := s.prepare(models.NewLicense{
		HierarchyProviderURI: input.HierarchyProviderURI,
		ProductEID:           input.ProductEID,
		ManagerEID:           input.ManagerEID,
		OwnerType:            input.OwnerType,
		OwnerLevel:           input.OwnerLevel,
		OwnerEIDs:            []string{input.OwnerEID},
		ValidFrom:            validFrom,
		ValidTo:              validFrom.AddDate(0, 0, 7*weeks),
		NofSeats:             input.NofSeats,
		ExtraSeats:           input.ExtraSeats,
		IsTrial:              true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return models.LicenseSummary{}, err
	}

	err = s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		existing, err := repo.GetValidLicensesForEntities(ctx, input.HierarchyProviderURI, []models.Entity{owner}, validFrom)
		if err != nil {
			return err
		}
		existing, err = withCapacity(existing)
		if err != nil {
			return err
		}
		for _, candidate := range existing {
			if candidate.IsTrial && candidate.ProductEID == input.ProductEID {
				return models.ErrTrialExists
			}
		}
		return insertLicense(ctx, repo, license)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_trial_failed")
		return models.LicenseSummary{}, err
	}

	s.created(license, FlowTrial)
	return summarize(license), nil
}

// prepare validates the input and applies the creation defaults: a random
// uuid, unlimited capacity for a nil seat count and no extra seats.
func (s *licenseService) prepare(input models.NewLicense) (models.License, error) {
	if err := s.validator.Struct(input); err != nil {
		return models.License{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if input.ValidFrom.IsZero() || input.ValidTo.IsZero() {
		return models.License{}, fmt.Errorf("%w: valid_from and valid_to are required", models.ErrInvalidInput)
	}

	licenseUUID := input.UUID
	if licenseUUID == uuid.Nil {
		licenseUUID = uuid.New()
	}
	nofSeats := models.UnlimitedSeats
	if input.NofSeats != nil {
		nofSeats = *input.NofSeats
	}
	extraSeats := 0
	if input.ExtraSeats != nil {
		extraSeats = *input.ExtraSeats
	}

	var notes *string
	if input.Notes != nil {
		sanitized := s.sanitizer.Sanitize(*input.Notes)
		notes = &sanitized
	}

	return models.License{
		UUID:                 licenseUUID,
		HierarchyProviderURI: input.HierarchyProviderURI,
		ProductEID:           input.ProductEID,
		ManagerEID:           input.ManagerEID,
		OwnerType:            input.OwnerType,
		OwnerLevel:           input.OwnerLevel,
		OwnerEIDs:            append([]string(nil), input.OwnerEIDs...),
		ValidFrom:            models.DateOf(input.ValidFrom),
		ValidTo:              models.DateOf(input.ValidTo),
		NofSeats:             nofSeats,
		ExtraSeats:           extraSeats,
		OrderID:              input.OrderID,
		IsTrial:              input.IsTrial,
		Notes:                notes,
	}, nil
}

func insertLicense(ctx context.Context, repo repository.LicensingRepository, license models.License) error {
	if err := repo.CreateLicense(ctx, license); err != nil {
		return err
	}
	return repo.CreateEventLog(ctx, models.EventLicenseCreated, licenseCreatedPayload(license))
}

func licenseCreatedPayload(license models.License) map[string]any {
	payload := map[string]any{
		"uuid":                   license.UUID.String(),
		"hierarchy_provider_uri": license.HierarchyProviderURI,
		"manager_eid":            license.ManagerEID,
		"product_eid":            license.ProductEID,
		"owner_type":             license.OwnerType,
		"owner_level":            license.OwnerLevel,
		"owner_eids":             license.OwnerEIDs,
		"valid_from":             license.ValidFrom.Format(models.DateLayout),
		"valid_to":               license.ValidTo.Format(models.DateLayout),
		"nof_seats":              license.NofSeats,
		"extra_seats":            license.ExtraSeats,
		"is_trial":               license.IsTrial,
	}
	if license.OrderID != nil {
		payload["order_id"] = *license.OrderID
	}
	if license.Notes != nil {
		payload["notes"] = *license.Notes
	}
	return payload
}

func summarize(license models.License) models.LicenseSummary {
	return models.LicenseSummary{
		UUID:             license.UUID,
		ProductEID:       license.ProductEID,
		ValidFrom:        license.ValidFrom,
		ValidTo:          license.ValidTo,
		OwnerLevel:       license.OwnerLevel,
		OwnerType:        license.OwnerType,
		NofSeats:         license.NofSeats,
		NofFreeSeats:     license.NofSeats,
		NofOccupiedSeats: 0,
		ExtraSeats:       license.ExtraSeats,
		IsTrial:          license.IsTrial,
	}
}

func (s *licenseService) created(license models.License, flow CreationFlow) {
	observability.LicensesCreated().WithLabelValues(string(flow)).Inc()
	s.logger.Info().
		Bool("is_trial", license.IsTrial).
		Str("uuid", license.UUID.String()).
		Str("product", license.ProductEID).
		Str("owner_type", license.OwnerType).
		Int("nof_seats", license.NofSeats).
		Msg("Successfully created license")
}

func (s *licenseService) UpdateLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions repository.FilterRestrictions, patch models.LicensePatch) (models.License, error) {
	tracer := otel.Tracer(licenseTracer)
	ctx, span := tracer.Start(ctx, "license.update")
	span.SetAttributes(attribute.String("license.uuid", licenseUUID.String()))
	defer span.End()

	patch = patch.Normalized()
	if err := patch.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return models.License{}, err
	}

	var updated models.License
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		license, err := repo.UpdateLicense(ctx, licenseUUID, restrictions, patch)
		if err != nil {
			return err
		}
		if license == nil {
			return models.ErrLicenseNotFound
		}
		updated = *license

		payload := map[string]any{
			"uuid":        license.UUID.String(),
			"manager_eid": license.ManagerEID,
		}
		for key, value := range patch.Changes() {
			payload[key] = value
		}
		return repo.CreateEventLog(ctx, models.EventLicenseUpdated, payload)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrLicenseNotFound) {
			span.SetStatus(codes.Error, "license_not_found")
		} else {
			span.SetStatus(codes.Error, "update_failed")
		}
		return models.License{}, err
	}
	return updated, nil
}

func (s *licenseService) GetLicense(ctx context.Context, licenseUUID uuid.UUID, restrictions repository.FilterRestrictions) (*models.License, error) {
	var license *models.License
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		var err error
		license, err = repo.GetLicense(ctx, licenseUUID, restrictions)
		return err
	})
	return license, err
}

func (s *licenseService) DeleteLicense(ctx context.Context, licenseUUID uuid.UUID) error {
	tracer := otel.Tracer(licenseTracer)
	ctx, span := tracer.Start(ctx, "license.delete")
	span.SetAttributes(attribute.String("license.uuid", licenseUUID.String()))
	defer span.End()

	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		return repo.DeleteLicense(ctx, licenseUUID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete_failed")
		return err
	}
	s.logger.Info().Str("uuid", licenseUUID.String()).Msg("license deleted")
	return nil
}

func (s *licenseService) ListLicenses(ctx context.Context, query LicenseListQuery) (LicensePage, error) {
	if query.Filter.Today.IsZero() {
		query.Filter.Today = models.DateOf(s.now())
	}
	return s.page(ctx, query.Page, func(repo repository.LicensingRepository) ([]models.License, int64, error) {
		return repo.GetLicensesPaginated(ctx, query.Page, query.Order, query.Restrictions, query.Filter)
	})
}

func (s *licenseService) ListManagedLicenses(ctx context.Context, page repository.Page, order []repository.OrderField, providerURI, managerEID string) (LicensePage, error) {
	return s.page(ctx, page, func(repo repository.LicensingRepository) ([]models.License, int64, error) {
		return repo.GetManagedLicensesPaginated(ctx, page, order, providerURI, managerEID)
	})
}

func (s *licenseService) GetManagedLicense(ctx context.Context, licenseUUID uuid.UUID, providerURI, managerEID string) (*models.License, error) {
	var license *models.License
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		var err error
		license, err = repo.GetManagedLicenseByID(ctx, licenseUUID, providerURI, managerEID)
		return err
	})
	return license, err
}

func (s *licenseService) ListLicensesForEntities(ctx context.Context, page repository.Page, order []repository.OrderField, providerURI string, entities []models.Entity) (LicensePage, error) {
	return s.page(ctx, page, func(repo repository.LicensingRepository) ([]models.License, int64, error) {
		return repo.GetLicensesForEntitiesPaginated(ctx, page, order, providerURI, entities)
	})
}

func (s *licenseService) page(ctx context.Context, page repository.Page, load func(repo repository.LicensingRepository) ([]models.License, int64, error)) (LicensePage, error) {
	result := LicensePage{Page: page}
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		items, total, err := load(repo)
		if err != nil {
			return err
		}
		result.Items = items
		result.Total = total
		return nil
	})
	if err != nil {
		return LicensePage{}, err
	}
	return result, nil
}
