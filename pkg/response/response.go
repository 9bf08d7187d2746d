package response

import (
	"errors"

	"github.com/geotask/api/internal/geofence"
	"github.com/geotask/api/internal/model"
	"github.com/gofiber/fiber/v2"
)

// Error codes
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInvalidCoordinate = "INVALID_COORDINATE"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConflict          = "CONFLICT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeGatewayError      = "GATEWAY_ERROR"
	CodeServiceError      = "SERVICE_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func Conflict(c *fiber.Ctx, code, message string) error {
	return Error(c, fiber.StatusConflict, code, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func GatewayError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadGateway, CodeGatewayError, message, nil)
}

// FromError maps domain errors to the error envelope
func FromError(c *fiber.Ctx, err error) error {
	var transition *model.TransitionError
	var coord *geofence.CoordinateError

	switch {
	case errors.Is(err, model.ErrNotFound):
		return NotFound(c, "Job not found")
	case errors.Is(err, model.ErrForbidden):
		return Forbidden(c, "Not allowed to act on this job")
	case errors.As(err, &transition):
		return Error(c, fiber.StatusConflict, CodeInvalidTransition, transition.Error(), fiber.Map{
			"entity": transition.Entity,
			"from":   transition.From,
			"to":     transition.To,
		})
	case errors.Is(err, model.ErrCompletionInFlight):
		return Conflict(c, CodeConflict, err.Error())
	case errors.As(err, &coord):
		return Error(c, fiber.StatusBadRequest, CodeInvalidCoordinate, coord.Error(), fiber.Map{
			"field": coord.Field,
		})
	case errors.Is(err, geofence.ErrInvalidCoordinate):
		return Error(c, fiber.StatusBadRequest, CodeInvalidCoordinate, err.Error(), nil)
	case errors.Is(err, geofence.ErrInvalidRadius),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrWorkerRequired):
		return ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrGatewayFundingFailed), errors.Is(err, model.ErrGatewayReleaseFailed):
		return GatewayError(c, err.Error())
	}
	return ServiceError(c, err.Error())
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
