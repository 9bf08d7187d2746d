package handler

import (
	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/model"
	"github.com/geotask/api/pkg/response"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type VerificationHandler struct {
	validator *validator.Validate
}

func NewVerificationHandler(v *validator.Validate) *VerificationHandler {
	return &VerificationHandler{validator: v}
}

// VerifyLocation handles POST /api/verify-location. Nothing is recorded.
// @Summary      Verify location
// @Description  Check whether a location lies within radius meters of a target
// @Tags         Verification
// @Accept       json
// @Produce      json
// @Param        request body model.VerifyLocationRequest true "Locations to compare"
// @Success      200 {object} geofence.Result
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/verify-location [post]
func (h *VerificationHandler) VerifyLocation(c *fiber.Ctx) error {
	var req model.VerifyLocationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := geofence.Verify(req.Location.Point(), req.Target.Point(), req.RadiusMeters)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}
