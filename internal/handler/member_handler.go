package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/dto"
	"github.com/noah-isme/licensing-go-api/internal/middleware"
	"github.com/noah-isme/licensing-go-api/internal/models"
	"github.com/noah-isme/licensing-go-api/internal/service"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

// PermissionsIssuer signs the licensing token handed to members.
type PermissionsIssuer interface {
	IssuePermissions(subject, providerURI string, products []string) (string, error)
}

// MemberHandler serves routes called on behalf of a member holding a
// memberships token.
type MemberHandler struct {
	licensing  service.LicensingService
	licenses   service.LicenseService
	issuer     PermissionsIssuer
	validate   *validator.Validate
	pagination Pagination
	trialLimit fiber.Handler
	logger     zerolog.Logger
}

// NewMemberHandler constructs a member handler. trialLimit guards the trial
// route and may be nil.
func NewMemberHandler(licensing service.LicensingService, licenses service.LicenseService, issuer PermissionsIssuer, validate *validator.Validate, pagination Pagination, trialLimit fiber.Handler, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{
		licensing:  licensing,
		licenses:   licenses,
		issuer:     issuer,
		validate:   validate,
		pagination: pagination,
		trialLimit: trialLimit,
		logger:     logger.With().Str("component", "member_handler").Logger(),
	}
}

// Register wires member routes.
func (h *MemberHandler) Register(router fiber.Router) {
	router.Post("/permissions", h.permissions)
	if h.trialLimit != nil {
		router.Post("/licenses/trial", h.trialLimit, h.createTrial)
	} else {
		router.Post("/licenses/trial", h.createTrial)
	}
	router.Post("/licenses", h.availableLicenses)
}

func (h *MemberHandler) permissions(c *fiber.Ctx) error {
	var payload dto.MembershipsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	claims := middleware.Claims(c)
	issuer, subject := stringClaim(claims, "iss"), stringClaim(claims, "sub")

	products, err := h.licensing.GetAccessibleProducts(c.UserContext(), issuer, subject, dto.MembershipEntities(payload.Memberships))
	if err != nil {
		if handled, sendErr := sendRequestError(c, err); handled {
			return sendErr
		}
		requestLogger(h.logger, c).Error().Err(err).Str("user_eid", subject).Msg("failed to resolve permissions")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to resolve permissions")
	}

	token, err := h.issuer.IssuePermissions(subject, issuer, products)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to sign licensing token")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to sign licensing token")
	}

	return utils.SendSuccess(c, "permissions resolved", dto.PermissionsResponse{Token: token})
}

func (h *MemberHandler) createTrial(c *fiber.Ctx) error {
	var payload dto.LicenseTrialRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validate.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	claims := middleware.Claims(c)
	input := payload.ToInput(stringClaim(claims, "iss"), stringClaim(claims, "sub"))

	summary, err := h.licenses.CreateTrialLicense(c.UserContext(), input)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotAMember):
			return utils.SendError(c, fiber.StatusUnprocessableEntity, "License creation failed: license owner does not match any users membership")
		case errors.Is(err, models.ErrTrialExists):
			return utils.SendError(c, fiber.StatusConflict, "Trial license creation failed: A trial license for this entity already exists")
		case errors.Is(err, models.ErrDuplicateEntry):
			return utils.SendError(c, fiber.StatusConflict, "Trial license creation failed: A license with these properties already exists")
		}
		if handled, sendErr := sendRequestError(c, err); handled {
			return sendErr
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to create trial license")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to create trial license")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "trial license created", dto.NewLicenseCreatedResponse(summary))
}

func (h *MemberHandler) availableLicenses(c *fiber.Ctx) error {
	page, err := h.pagination.parse(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	order, err := parseOrder(c)
	if err != nil {
		_, sendErr := sendRequestError(c, err)
		return sendErr
	}

	var payload dto.MembershipsRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}

	claims := middleware.Claims(c)
	result, err := h.licenses.ListLicensesForEntities(c.UserContext(), page, order, stringClaim(claims, "iss"), dto.MembershipEntities(payload.Memberships))
	if err != nil {
		if handled, sendErr := sendRequestError(c, err); handled {
			return sendErr
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list available licenses")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list licenses")
	}

	items := dto.MapLicenses(result.Items, dto.NewLicenseAvailableResponse)
	return utils.SendSuccess(c, "licenses retrieved", dto.NewPageResponse(items, result.Total, page.Number, page.Size))
}
