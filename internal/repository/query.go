package repository

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/licensing-go-api/internal/models"
)

// AllowedLicenseOrderFields lists the license columns clients may sort by.
var AllowedLicenseOrderFields = []string{
	"id",
	"uuid",
	"hierarchy_provider_uri",
	"product_eid",
	"manager_eid",
	"owner_type",
	"owner_level",
	"owner_eids",
	"valid_from",
	"valid_to",
	"nof_seats",
	"is_trial",
	"created_at",
}

// AllowedFilterRestrictions lists the license columns an admin token may restrict on.
var AllowedFilterRestrictions = []string{"manager_eid"}

// OrderField is one column of an order by clause.
type OrderField struct {
	Field string
	Desc  bool
}

// ParseOrderBy decodes clauses such as "-id.valid_from" where a leading
// dash sorts descending. An empty clause yields no fields.
func ParseOrderBy(encoded string, allowed []string) ([]OrderField, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, field := range allowed {
		allowedSet[field] = struct{}{}
	}

	parts := strings.Split(encoded, ".")
	fields := make([]OrderField, 0, len(parts))
	for _, part := range parts {
		field := OrderField{Field: part}
		if strings.HasPrefix(part, "-") {
			field = OrderField{Field: part[1:], Desc: true}
		}
		if _, ok := allowedSet[field.Field]; !ok {
			return nil, fmt.Errorf("%w: %q (allowed: %s)", models.ErrInvalidOrderBy, field.Field, strings.Join(allowed, ", "))
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func applyOrder(query *gorm.DB, fields []OrderField) *gorm.DB {
	hasID := false
	for _, field := range fields {
		if field.Field == "id" {
			hasID = true
		}
		query = query.Order(clause.OrderByColumn{Column: clause.Column{Table: "license", Name: field.Field}, Desc: field.Desc})
	}
	if !hasID {
		query = query.Order(clause.OrderByColumn{Column: clause.Column{Table: "license", Name: "id"}})
	}
	return query
}

// FilterRestrictions scope the licenses an admin may see: a license passes
// when, for every key, its column contains at least one of the values.
type FilterRestrictions map[string][]string

// ParseFilterRestrictions validates the raw claim value of an admin token.
// Nil means unrestricted. Keys outside the allow-list and non-list values
// are rejected.
func ParseFilterRestrictions(raw any, allowed []string) (FilterRestrictions, error) {
	if raw == nil {
		return FilterRestrictions{}, nil
	}

	entries, ok := raw.(map[string]any)
	if !ok {
		if typed, ok := raw.(map[string][]string); ok {
			entries = make(map[string]any, len(typed))
			for key, values := range typed {
				list := make([]any, 0, len(values))
				for _, value := range values {
					list = append(list, value)
				}
				entries[key] = list
			}
		} else {
			return nil, models.ErrInvalidFilterRestrictions
		}
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = struct{}{}
	}

	restrictions := make(FilterRestrictions, len(entries))
	for key, value := range entries {
		if _, ok := allowedSet[key]; !ok {
			return nil, fmt.Errorf("%w: key %q", models.ErrInvalidFilterRestrictions, key)
		}
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: value of %q must be a list", models.ErrInvalidFilterRestrictions, key)
		}
		values := make([]string, 0, len(list))
		for _, item := range list {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: value of %q must be a list of strings", models.ErrInvalidFilterRestrictions, key)
			}
			values = append(values, text)
		}
		restrictions[key] = values
	}
	return restrictions, nil
}

func (f FilterRestrictions) apply(query *gorm.DB) (*gorm.DB, error) {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !isAllowed(key, AllowedFilterRestrictions) {
			return nil, fmt.Errorf("%w: key %q", models.ErrInvalidFilterRestrictions, key)
		}
		values := f[key]
		if len(values) == 0 {
			query = query.Where("1 = 0")
			continue
		}
		parts := make([]string, 0, len(values))
		args := make([]any, 0, len(values))
		for _, value := range values {
			parts = append(parts, fmt.Sprintf("license.%s LIKE ?", key))
			args = append(args, "%"+value+"%")
		}
		query = query.Where("("+strings.Join(parts, " OR ")+")", args...)
	}
	return query, nil
}

func isAllowed(value string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == value {
			return true
		}
	}
	return false
}

// Page selects one page of a listing. Number starts at 1.
type Page struct {
	Number int
	Size   int
}

func (p Page) apply(query *gorm.DB) *gorm.DB {
	number := p.Number
	if number < 1 {
		number = 1
	}
	if p.Size <= 0 {
		return query
	}
	return query.Offset((number - 1) * p.Size).Limit(p.Size)
}

// LicenseFilter holds the optional admin listing filters. Eid filters use
// substring matching, the remaining ones compare exactly or by range.
type LicenseFilter struct {
	ProductEID    *string
	OwnerType     *string
	OwnerLevel    *int
	OwnerEID      *string
	ManagerEID    *string
	ValidFrom     *time.Time
	ValidTo       *time.Time
	IsTrial       *bool
	IsValid       *bool
	CreatedAt     *time.Time
	RedeemedSeats *int
	// Today is the reference day for IsValid.
	Today time.Time
}

// redeemedSeatsRatio is compared against the requested percentage. An
// unlimited capacity shrinks the ratio so it never passes, a zero capacity
// inflates it so any redeemed seat passes.
const redeemedSeatsRatio = `1.0 * COUNT(DISTINCT seat.id) * CASE
	WHEN license.nof_seats <= -1 THEN 1.0 / 10000000000
	WHEN license.nof_seats <= 0 THEN 10000000000
	ELSE 1.0 / license.nof_seats END >= ?`

func (r *licensingRepository) applyLicenseFilter(query *gorm.DB, filter LicenseFilter) *gorm.DB {
	if filter.ProductEID != nil && *filter.ProductEID != "" {
		query = query.Where("license.product_eid LIKE ?", contains(*filter.ProductEID))
	}
	if filter.OwnerType != nil && *filter.OwnerType != "" {
		query = query.Where("license.owner_type = ?", *filter.OwnerType)
	}
	if filter.OwnerLevel != nil && *filter.OwnerLevel != 0 {
		query = query.Where("license.owner_level = ?", *filter.OwnerLevel)
	}
	if filter.OwnerEID != nil && *filter.OwnerEID != "" {
		owners := r.fresh(query).Model(&licenseOwnerRow{}).
			Select("license_owner.license_id").
			Where("license_owner.owner_eid LIKE ?", contains(*filter.OwnerEID))
		query = query.Where("license.id IN (?)", owners)
	}
	if filter.ManagerEID != nil && *filter.ManagerEID != "" {
		query = query.Where("license.manager_eid LIKE ?", contains(*filter.ManagerEID))
	}
	if filter.ValidFrom != nil {
		query = query.Where("license.valid_from >= ?", dateParam(*filter.ValidFrom))
	}
	if filter.ValidTo != nil {
		query = query.Where("license.valid_to <= ?", dateParam(*filter.ValidTo))
	}
	if filter.IsTrial != nil {
		query = query.Where("license.is_trial = ?", *filter.IsTrial)
	}
	if filter.CreatedAt != nil {
		query = query.Where("license.created_at >= ?", models.DateOf(*filter.CreatedAt))
	}
	if filter.IsValid != nil {
		today := dateParam(filter.Today)
		if *filter.IsValid {
			query = query.Where("license.valid_from <= ? AND license.valid_to >= ?", today, today)
		} else {
			query = query.Where("(license.valid_from > ? OR license.valid_to < ?)", today, today)
		}
	}
	if filter.RedeemedSeats != nil && *filter.RedeemedSeats != 0 {
		redeemed := r.fresh(query).Model(&licenseRow{}).
			Select("license.id").
			Joins("LEFT JOIN seat ON seat.ref_license = license.id AND seat.is_occupied = ?", true).
			Group("license.id").
			Having(redeemedSeatsRatio, float64(*filter.RedeemedSeats)/100.0)
		query = query.Where("license.id IN (?)", redeemed)
	}
	return query
}

func contains(value string) string {
	return "%" + value + "%"
}

// EventLogQuery selects events for export.
type EventLogQuery struct {
	IsExported    bool
	OrderByLatest bool
	Limit         int
}
