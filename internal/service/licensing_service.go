package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/licensing-go-api/internal/hierarchy"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/observability"
	"github.com/noah-isme/licensing-go-api/internal/repository"
)

const licensingTracer = "github.com/noah-isme/licensing-go-api/internal/service/licensing"

// LicensingService allocates seats to members and answers license visibility
// questions for entities of a hierarchy.
type LicensingService interface {
	// GetAccessibleProducts revalidates the member's seats, occupies at most
	// one new seat per product reachable through the memberships and returns
	// every product the member may use.
	GetAccessibleProducts(ctx context.Context, providerURI, userEID string, memberships []models.Entity) ([]string, error)
	GetValidLicensesForEntityTree(ctx context.Context, providerURI, entityType, eid string, parents hierarchy.AncestorMap) ([]models.License, error)
	GetActiveLicenseForEntityTree(ctx context.Context, providerURI, entityType, eid string, parents hierarchy.AncestorMap) (*models.License, error)
	GetValidLicensesForEntity(ctx context.Context, providerURI, entityType, eid string) ([]models.License, error)
	IsAlive(ctx context.Context) bool
}

type licensingService struct {
	tx     repository.TransactionManager
	logger zerolog.Logger
	now    func() time.Time
}

// NewLicensingService constructs the licensing engine.
func NewLicensingService(tx repository.TransactionManager, logger zerolog.Logger) LicensingService {
	return &licensingService{
		tx:     tx,
		logger: logger.With().Str("component", "licensing_service").Logger(),
		now:    time.Now,
	}
}

// allocation is the outcome of one permission request.
type allocation struct {
	products []string
	occupied []string
	released []models.Seat
}

func (s *licensingService) GetAccessibleProducts(ctx context.Context, providerURI, userEID string, memberships []models.Entity) ([]string, error) {
	tracer := otel.Tracer(licensingTracer)
	ctx, span := tracer.Start(ctx, "licensing.accessible_products")
	span.SetAttributes(
		attribute.String("licensing.provider_uri", providerURI),
		attribute.String("licensing.user_eid", userEID),
		attribute.Int("licensing.memberships", len(memberships)),
	)
	defer span.End()

	started := time.Now()
	now := s.now().UTC()

	var result allocation
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		var err error
		result, err = allocateSeats(ctx, repo, providerURI, userEID, memberships, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation_failed")
		return nil, err
	}

	observability.PermissionsRequests().Inc()
	observability.PermissionRequestDuration().Observe(time.Since(started).Seconds())
	for _, product := range result.occupied {
		observability.SeatsOccupied().WithLabelValues(product).Inc()
	}
	for _, seat := range result.released {
		observability.SeatsReleased().WithLabelValues(seat.Status.String()).Inc()
	}

	s.logger.Debug().
		Str("user_eid", userEID).
		Strs("products", result.products).
		Int("new_seats", len(result.occupied)).
		Int("released_seats", len(result.released)).
		Msg("permissions resolved")

	span.SetAttributes(attribute.Int("licensing.products", len(result.products)))
	return result.products, nil
}

// allocateSeats runs the whole permission flow on a single transaction.
func allocateSeats(ctx context.Context, repo repository.LicensingRepository, providerURI, userEID string, memberships []models.Entity, now time.Time) (allocation, error) {
	today := models.DateOf(now)

	seats, err := repo.GetOccupiedSeats(ctx, userEID)
	if err != nil {
		return allocation{}, err
	}

	revalidated, kept, err := RevalidateSeats(seats, models.NewEntitySet(memberships), now)
	if err != nil {
		return allocation{}, err
	}
	if len(revalidated) > 0 {
		if err := repo.UpdateSeats(ctx, revalidated); err != nil {
			return allocation{}, err
		}
	}

	var result allocation
	for _, seat := range revalidated {
		if !seat.IsOccupied {
			result.released = append(result.released, seat)
		}
	}

	occupiedProducts := make(map[string]struct{}, len(kept))
	for _, seat := range kept {
		product := seat.License.ProductEID
		if _, ok := occupiedProducts[product]; ok {
			continue
		}
		occupiedProducts[product] = struct{}{}
		result.products = append(result.products, product)
	}

	candidates, err := repo.GetValidLicensesForEntities(ctx, providerURI, memberships, today)
	if err != nil {
		return allocation{}, err
	}
	ranked, err := RankRedeemableLicenses(candidates, occupiedProducts)
	if err != nil {
		return allocation{}, err
	}

	for _, group := range groupByProduct(ranked) {
		license, seat, err := occupyFirst(ctx, repo, group, userEID, now)
		if err != nil {
			return allocation{}, err
		}
		if seat == nil {
			continue
		}
		if err := repo.CreateEventLog(ctx, models.EventSeatCreated, seatCreatedPayload(*seat, license)); err != nil {
			return allocation{}, err
		}
		result.products = append(result.products, license.ProductEID)
		result.occupied = append(result.occupied, license.ProductEID)
	}

	if result.products == nil {
		result.products = []string{}
	}

	if err := repo.CreateEventLog(ctx, models.EventPermissionsRequested, map[string]any{
		"hierarchy_provider_uri": providerURI,
		"user_eid":               userEID,
		"accessible_products":    result.products,
	}); err != nil {
		return allocation{}, err
	}

	return result, nil
}

// occupyFirst takes a seat on the first license of the group that still has
// room. A nil seat means every candidate filled up concurrently.
func occupyFirst(ctx context.Context, repo repository.LicensingRepository, group []models.License, userEID string, now time.Time) (models.License, *models.Seat, error) {
	for _, license := range group {
		seat, err := repo.CreateSeat(ctx, models.Seat{
			LicenseID:      license.ID,
			UserEID:        userEID,
			OccupiedAt:     now,
			LastAccessedAt: now,
			IsOccupied:     true,
			Status:         models.SeatStatusActive,
		})
		if errors.Is(err, models.ErrNoFreeSeats) {
			continue
		}
		if err != nil {
			return models.License{}, nil, err
		}
		return license, &seat, nil
	}
	return models.License{}, nil, nil
}

func seatCreatedPayload(seat models.Seat, license models.License) map[string]any {
	return map[string]any{
		"uuid":             license.UUID.String(),
		"user_eid":         seat.UserEID,
		"occupied_at":      seat.OccupiedAt.UTC(),
		"last_accessed_at": seat.LastAccessedAt.UTC(),
		"is_occupied":      seat.IsOccupied,
		"status":           seat.Status.String(),
	}
}

// RevalidateSeats refreshes the access timestamp of every seat and releases
// seats whose license expired before today or whose owners no longer match
// the memberships. It returns all seats with their new state and,
// separately, the seats that stay occupied.
func RevalidateSeats(seats []models.Seat, memberships models.EntitySet, now time.Time) ([]models.Seat, []models.Seat, error) {
	today := models.DateOf(now)
	updated := make([]models.Seat, 0, len(seats))
	kept := make([]models.Seat, 0, len(seats))

	for _, seat := range seats {
		if seat.License == nil {
			return nil, nil, fmt.Errorf("seat %d is missing its license", seat.ID)
		}

		seat.LastAccessedAt = now
		switch {
		case models.DateOf(seat.License.ValidTo).Before(today):
			seat.IsOccupied = false
			seat.Status = models.SeatStatusExpired
		case !memberships.Intersects(seat.License.OwnerEntities()):
			seat.IsOccupied = false
			seat.Status = models.SeatStatusNotAMember
		default:
			seat.IsOccupied = true
			seat.Status = models.SeatStatusActive
			kept = append(kept, seat)
		}
		updated = append(updated, seat)
	}
	return updated, kept, nil
}

// RankRedeemableLicenses keeps licenses with redeemable seats whose product
// is not occupied yet, ordered by product, then owner level ascending, then
// free seats descending, then license id.
func RankRedeemableLicenses(licenses []models.License, occupiedProducts map[string]struct{}) ([]models.License, error) {
	type ranked struct {
		license models.License
		free    int
	}

	candidates := make([]ranked, 0, len(licenses))
	for _, license := range licenses {
		if _, ok := occupiedProducts[license.ProductEID]; ok {
			continue
		}
		free, err := license.RedeemableSeats()
		if err != nil {
			return nil, err
		}
		if free <= 0 {
			continue
		}
		candidates = append(candidates, ranked{license: license, free: free})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.license.ProductEID != b.license.ProductEID {
			return a.license.ProductEID < b.license.ProductEID
		}
		if a.license.OwnerLevel != b.license.OwnerLevel {
			return a.license.OwnerLevel < b.license.OwnerLevel
		}
		if a.free != b.free {
			return a.free > b.free
		}
		return a.license.ID < b.license.ID
	})

	result := make([]models.License, 0, len(candidates))
	for _, candidate := range candidates {
		result = append(result, candidate.license)
	}
	return result, nil
}

// groupByProduct splits a product-sorted slice into one group per product.
func groupByProduct(licenses []models.License) [][]models.License {
	var groups [][]models.License
	for _, license := range licenses {
		last := len(groups) - 1
		if last >= 0 && groups[last][0].ProductEID == license.ProductEID {
			groups[last] = append(groups[last], license)
			continue
		}
		groups = append(groups, []models.License{license})
	}
	return groups
}

func (s *licensingService) GetValidLicensesForEntityTree(ctx context.Context, providerURI, entityType, eid string, parents hierarchy.AncestorMap) ([]models.License, error) {
	tracer := otel.Tracer(licensingTracer)
	ctx, span := tracer.Start(ctx, "licensing.entity_tree_licenses")
	span.SetAttributes(
		attribute.String("licensing.entity_type", entityType),
		attribute.String("licensing.entity_eid", eid),
	)
	defer span.End()

	lineage, err := hierarchy.Lineage(entityType, eid, parents)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hierarchy_invalid")
		return nil, err
	}

	licenses, err := s.validWithCapacity(ctx, providerURI, lineage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "license_lookup_failed")
		return nil, err
	}
	return licenses, nil
}

func (s *licensingService) GetActiveLicenseForEntityTree(ctx context.Context, providerURI, entityType, eid string, parents hierarchy.AncestorMap) (*models.License, error) {
	licenses, err := s.GetValidLicensesForEntityTree(ctx, providerURI, entityType, eid, parents)
	if err != nil {
		return nil, err
	}
	if len(licenses) == 0 {
		return nil, nil
	}

	free := make(map[int64]int, len(licenses))
	for _, license := range licenses {
		seats, err := license.CapacitySeats()
		if err != nil {
			return nil, err
		}
		free[license.ID] = seats
	}

	sort.SliceStable(licenses, func(i, j int) bool {
		a, b := licenses[i], licenses[j]
		if a.OwnerLevel != b.OwnerLevel {
			return a.OwnerLevel < b.OwnerLevel
		}
		if free[a.ID] != free[b.ID] {
			return free[a.ID] > free[b.ID]
		}
		return a.ID < b.ID
	})
	return &licenses[0], nil
}

func (s *licensingService) GetValidLicensesForEntity(ctx context.Context, providerURI, entityType, eid string) ([]models.License, error) {
	return s.validWithCapacity(ctx, providerURI, []models.Entity{models.NewEntity(entityType, eid)})
}

// validWithCapacity returns licenses valid today for the entities that still
// have room within their nominal capacity.
func (s *licensingService) validWithCapacity(ctx context.Context, providerURI string, entities []models.Entity) ([]models.License, error) {
	today := models.DateOf(s.now())

	var result []models.License
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		licenses, err := repo.GetValidLicensesForEntities(ctx, providerURI, entities, today)
		if err != nil {
			return err
		}
		result, err = withCapacity(licenses)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func withCapacity(licenses []models.License) ([]models.License, error) {
	result := make([]models.License, 0, len(licenses))
	for _, license := range licenses {
		free, err := license.CapacitySeats()
		if err != nil {
			return nil, err
		}
		if free > 0 {
			result = append(result, license)
		}
	}
	return result, nil
}

func (s *licensingService) IsAlive(ctx context.Context) bool {
	alive := false
	err := s.tx.WithTransaction(ctx, func(repo repository.LicensingRepository) error {
		alive = repo.IsAlive(ctx)
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("database liveness check failed")
		return false
	}
	return alive
}
