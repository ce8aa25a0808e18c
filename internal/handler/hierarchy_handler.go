package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/dto"
	"github.com/noah-isme/licensing-go-api/internal/hierarchy"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

// HierarchyHandler serves routes called by a hierarchy provider on behalf
// of a manager holding a hierarchies token.
type HierarchyHandler struct {
	licensing  service.LicensingService
	licenses   service.LicenseService
	validate   *validator.Validate
	pagination Pagination
	logger     zerolog.Logger
}

// NewHierarchyHandler constructs a hierarchy handler.
func NewHierarchyHandler(licensing service.LicensingService, licenses service.LicenseService, validate *validator.Validate, pagination Pagination, logger zerolog.Logger) *HierarchyHandler {
	return &HierarchyHandler{
		licensing:  licensing,
		licenses:   licenses,
		validate:   validate,
		pagination: pagination,
		logger:     logger.With().Str("component", "hierarchy_handler").Logger(),
	}
}

// Register wires hierarchy routes.
func (h *HierarchyHandler) Register(router fiber.Router) {
	router.Post("/licenses", h.managedLicenses)
	router.Put("/licenses/entity-license", h.activeLicense)
	router.Put("/licenses/entity-licenses", h.validLicenses)
	router.Post("/licenses/:uuid", h.managedLicense)
}

func (h *HierarchyHandler) managedLicenses(c *fiber.Ctx) error {
	page, err := h.pagination.parse(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	order, err := parseOrder(c)
	if err != nil {
		_, sendErr := sendRequestError(c, err)
		return sendErr
	}

	claims := middleware.Claims(c)
	result, err := h.licenses.ListManagedLicenses(c.UserContext(), page, order, stringClaim(claims, "iss"), stringClaim(claims, "sub"))
	if err != nil {
		return h.fail(c, err, "failed to list managed licenses")
	}

	items := dto.MapLicenses(result.Items, dto.NewLicenseManagedResponse)
	return utils.SendSuccess(c, "licenses retrieved", dto.NewPageResponse(items, result.Total, page.Number, page.Size))
}

func (h *HierarchyHandler) managedLicense(c *fiber.Ctx) error {
	licenseUUID, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid license uuid")
	}

	claims := middleware.Claims(c)
	license, err := h.licenses.GetManagedLicense(c.UserContext(), licenseUUID, stringClaim(claims, "iss"), stringClaim(claims, "sub"))
	if err != nil {
		return h.fail(c, err, "failed to load managed license")
	}
	if license == nil {
		return utils.SendSuccess(c, "license not found", nil)
	}
	return utils.SendSuccess(c, "license retrieved", dto.NewLicenseManagedResponse(*license))
}

func (h *HierarchyHandler) activeLicense(c *fiber.Ctx) error {
	payload, parents, answered, err := h.parseEntity(c)
	if answered {
		return err
	}

	license, err := h.licensing.GetActiveLicenseForEntityTree(c.UserContext(), stringClaim(middleware.Claims(c), "iss"), payload.EntityType, payload.EntityEID, parents)
	if err != nil {
		return h.fail(c, err, "failed to resolve active license")
	}
	if license == nil {
		return utils.SendSuccess(c, "no active license", nil)
	}
	return utils.SendSuccess(c, "active license retrieved", dto.NewLicenseValidResponse(*license))
}

func (h *HierarchyHandler) validLicenses(c *fiber.Ctx) error {
	payload, parents, answered, err := h.parseEntity(c)
	if answered {
		return err
	}

	licenses, err := h.licensing.GetValidLicensesForEntityTree(c.UserContext(), stringClaim(middleware.Claims(c), "iss"), payload.EntityType, payload.EntityEID, parents)
	if err != nil {
		return h.fail(c, err, "failed to resolve valid licenses")
	}
	return utils.SendSuccess(c, "valid licenses retrieved", dto.MapLicenses(licenses, dto.NewLicenseValidResponse))
}

// parseEntity decodes the entity body. When answered is set the request
// was rejected and err is the result of writing the response.
func (h *HierarchyHandler) parseEntity(c *fiber.Ctx) (payload dto.EntityRequest, parents hierarchy.AncestorMap, answered bool, err error) {
	if err := c.BodyParser(&payload); err != nil {
		return payload, nil, true, utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(payload); err != nil {
		return payload, nil, true, utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}
	return payload, hierarchy.BuildAncestorMap(payload.Hierarchies), false, nil
}

func (h *HierarchyHandler) fail(c *fiber.Ctx, err error, message string) error {
	if handled, sendErr := sendRequestError(c, err); handled {
		return sendErr
	}
	requestLogger(h.logger, c).Error().Err(err).Msg(message)
	return utils.SendError(c, fiber.StatusInternalServerError, message)
}
