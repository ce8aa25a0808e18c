package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

// Pagination bounds the page size accepted by listing routes.
type Pagination struct {
	DefaultSize int
	MinSize     int
	MaxSize     int
}

func (p Pagination) parse(c *fiber.Ctx) (repository.Page, error) {
	number, err := parseQueryInt(c, "page", 1)
	if err != nil || number < 1 {
		return repository.Page{}, fmt.Errorf("%w: page must be a positive integer", models.ErrInvalidInput)
	}

	defaultSize := p.DefaultSize
	if defaultSize <= 0 {
		defaultSize = p.MaxSize
	}
	size, err := parseQueryInt(c, "size", defaultSize)
	if err != nil || size < p.MinSize || (p.MaxSize > 0 && size > p.MaxSize) {
		return repository.Page{}, fmt.Errorf("%w: size must be between %d and %d", models.ErrInvalidInput, p.MinSize, p.MaxSize)
	}
	return repository.Page{Number: number, Size: size}, nil
}

func parseQueryInt(c *fiber.Ctx, key string, fallback int) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func parseOrder(c *fiber.Ctx) ([]repository.OrderField, error) {
	return repository.ParseOrderBy(c.Query("order_by"), repository.AllowedLicenseOrderFields)
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return value
}

func restrictionsFromClaims(claims jwt.MapClaims) (repository.FilterRestrictions, error) {
	return repository.ParseFilterRestrictions(claims["filter_restrictions"], repository.AllowedFilterRestrictions)
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// sendRequestError answers the failures shared by every licensing route and
// reports whether the error was one of them.
func sendRequestError(c *fiber.Ctx, err error) (bool, error) {
	switch {
	case isValidationError(err):
		return true, utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	case errors.Is(err, models.ErrInvalidOrderBy):
		return true, utils.SendError(c, fiber.StatusBadRequest, "Order by parameter contains an unsupported field")
	case errors.Is(err, models.ErrInvalidFilterRestrictions):
		return true, utils.SendError(c, fiber.StatusBadRequest, "Filter restrictions are malformed or contain not allowed filter keys")
	case errors.Is(err, models.ErrCyclicHierarchy):
		return true, utils.SendError(c, fiber.StatusBadRequest, "Hierarchy contains a cycle")
	case errors.Is(err, models.ErrInvalidInput):
		return true, utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	return false, nil
}
