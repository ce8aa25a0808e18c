package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/dto"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/repository"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

// AdminLicenseHandler exposes license administration to admin tokens. The
// filter_restrictions claim scopes every read and update.
type AdminLicenseHandler struct {
	licenses   service.LicenseService
	validate   *validator.Validate
	pagination Pagination
	logger     zerolog.Logger
}

// NewAdminLicenseHandler constructs an admin license handler.
func NewAdminLicenseHandler(licenses service.LicenseService, validate *validator.Validate, pagination Pagination, logger zerolog.Logger) *AdminLicenseHandler {
	return &AdminLicenseHandler{
		licenses:   licenses,
		validate:   validate,
		pagination: pagination,
		logger:     logger.With().Str("component", "admin_license_handler").Logger(),
	}
}

// Register wires admin license routes.
func (h *AdminLicenseHandler) Register(router fiber.Router) {
	router.Get("/licenses", h.list)
	router.Post("/licenses", h.create)
	router.Get("/licenses/:uuid", h.get)
	router.Put("/licenses/:uuid", h.update)
	router.Delete("/licenses/:uuid", h.delete)
}

func (h *AdminLicenseHandler) list(c *fiber.Ctx) error {
	page, err := h.pagination.parse(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	order, err := parseOrder(c)
	if err != nil {
		return h.fail(c, err, "failed to list licenses")
	}
	restrictions, err := restrictionsFromClaims(middleware.Claims(c))
	if err != nil {
		return h.fail(c, err, "failed to list licenses")
	}
	filter, err := parseLicenseFilter(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.licenses.ListLicenses(c.UserContext(), service.LicenseListQuery{
		Page:         page,
		Order:        order,
		Restrictions: restrictions,
		Filter:       filter,
	})
	if err != nil {
		return h.fail(c, err, "failed to list licenses")
	}

	items := dto.MapLicenses(result.Items, dto.NewLicenseCompleteResponse)
	return utils.SendSuccess(c, "licenses retrieved", dto.NewPageResponse(items, result.Total, page.Number, page.Size))
}

func (h *AdminLicenseHandler) create(c *fiber.Ctx) error {
	var payload dto.LicenseCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	summary, err := h.licenses.CreateLicense(c.UserContext(), payload.ToNewLicense(), service.FlowAdmin)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEntry) {
			return utils.SendError(c, fiber.StatusConflict, "License creation failed: A license for at least one of the entered owner EIDs already exists")
		}
		return h.fail(c, err, "failed to create license")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "license created", dto.NewLicenseCreatedResponse(summary))
}

func (h *AdminLicenseHandler) get(c *fiber.Ctx) error {
	licenseUUID, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid license uuid")
	}
	restrictions, err := restrictionsFromClaims(middleware.Claims(c))
	if err != nil {
		return h.fail(c, err, "failed to load license")
	}

	license, err := h.licenses.GetLicense(c.UserContext(), licenseUUID, restrictions)
	if err != nil {
		return h.fail(c, err, "failed to load license")
	}
	if license == nil {
		return utils.SendSuccess(c, "license not found", nil)
	}
	return utils.SendSuccess(c, "license retrieved", dto.NewLicenseCompleteResponse(*license))
}

func (h *AdminLicenseHandler) update(c *fiber.Ctx) error {
	licenseUUID, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid license uuid")
	}
	restrictions, err := restrictionsFromClaims(middleware.Claims(c))
	if err != nil {
		return h.fail(c, err, "failed to update license")
	}

	var payload dto.LicenseUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	license, err := h.licenses.UpdateLicense(c.UserContext(), licenseUUID, restrictions, payload.ToPatch())
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "License not found")
		}
		return h.fail(c, err, "failed to update license")
	}
	return utils.SendSuccess(c, "license updated", dto.NewLicenseCompleteResponse(license))
}

func (h *AdminLicenseHandler) delete(c *fiber.Ctx) error {
	licenseUUID, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid license uuid")
	}
	restrictions, err := restrictionsFromClaims(middleware.Claims(c))
	if err != nil {
		return h.fail(c, err, "failed to delete license")
	}

	existing, err := h.licenses.GetLicense(c.UserContext(), licenseUUID, restrictions)
	if err != nil {
		return h.fail(c, err, "failed to delete license")
	}
	if existing == nil {
		return utils.SendError(c, fiber.StatusNotFound, "License not found")
	}

	if err := h.licenses.DeleteLicense(c.UserContext(), licenseUUID); err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "License not found")
		}
		return h.fail(c, err, "failed to delete license")
	}

	requestLogger(h.logger, c).Info().Str("uuid", licenseUUID.String()).Msg("license deleted")
	return utils.SendSuccess(c, "license deleted", nil)
}

func (h *AdminLicenseHandler) fail(c *fiber.Ctx, err error, message string) error {
	if handled, sendErr := sendRequestError(c, err); handled {
		return sendErr
	}
	requestLogger(h.logger, c).Error().Err(err).Msg(message)
	return utils.SendError(c, fiber.StatusInternalServerError, message)
}

func parseLicenseFilter(c *fiber.Ctx) (repository.LicenseFilter, error) {
	var (
		filter repository.LicenseFilter
		err    error
	)

	filter.ProductEID = optionalString(c, "product_eid")
	filter.OwnerType = optionalString(c, "owner_type")
	filter.OwnerEID = optionalString(c, "owner_eid")
	filter.ManagerEID = optionalString(c, "manager_eid")

	if filter.OwnerLevel, err = optionalInt(c, "owner_level"); err != nil {
		return filter, err
	}
	if filter.RedeemedSeats, err = optionalInt(c, "redeemed_seats"); err != nil {
		return filter, err
	}
	if filter.IsTrial, err = optionalBool(c, "is_trial"); err != nil {
		return filter, err
	}
	if filter.IsValid, err = optionalBool(c, "is_valid"); err != nil {
		return filter, err
	}
	if filter.ValidFrom, err = optionalDate(c, "valid_from"); err != nil {
		return filter, err
	}
	if filter.ValidTo, err = optionalDate(c, "valid_to"); err != nil {
		return filter, err
	}
	if filter.CreatedAt, err = optionalDate(c, "created_at"); err != nil {
		return filter, err
	}
	return filter, nil
}

func optionalString(c *fiber.Ctx, key string) *string {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil
	}
	return &value
}

func optionalInt(c *fiber.Ctx, key string) (*int, error) {
	value := optionalString(c, key)
	if value == nil {
		return nil, nil
	}
	parsed, err := strconv.Atoi(*value)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &parsed, nil
}

func optionalBool(c *fiber.Ctx, key string) (*bool, error) {
	value := optionalString(c, key)
	if value == nil {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(*value)
	if err != nil {
		return nil, fmt.Errorf("%s must be a boolean", key)
	}
	return &parsed, nil
}

func optionalDate(c *fiber.Ctx, key string) (*time.Time, error) {
	value := optionalString(c, key)
	if value == nil {
		return nil, nil
	}
	parsed, err := models.ParseDate(*value)
	if err != nil {
		return nil, fmt.Errorf("%s must be a YYYY-MM-DD date", key)
	}
	return &parsed, nil
}
