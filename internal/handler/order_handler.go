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

// OrderHandler turns shop orders into licenses. The order travels inside
// the signed shop token, not in the request body.
type OrderHandler struct {
	licenses service.LicenseService
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewOrderHandler constructs an order handler.
func NewOrderHandler(licenses service.LicenseService, validate *validator.Validate, logger zerolog.Logger) *OrderHandler {
	return &OrderHandler{
		licenses: licenses,
		validate: validate,
		logger:   logger.With().Str("component", "order_handler").Logger(),
	}
}

// Register wires order routes.
func (h *OrderHandler) Register(router fiber.Router) {
	router.Post("/licenses", h.purchase)
}

func (h *OrderHandler) purchase(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	order, err := dto.DecodeLicensePurchase(claims["order"])
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(order); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid order", validationDetails(err))
	}

	summary, err := h.licenses.CreateLicense(c.UserContext(), order.ToNewLicense(stringClaim(claims, "sub")), service.FlowPurchase)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEntry) {
			return utils.SendError(c, fiber.StatusConflict, "License purchase failed: A license for at least one of the entered owner EIDs already exists")
		}
		if handled, sendErr := sendRequestError(c, err); handled {
			return sendErr
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to purchase license")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to purchase license")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "license purchased", dto.NewLicenseCreatedResponse(summary))
}
