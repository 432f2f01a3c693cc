package httputil

import "github.com/gofiber/fiber/v3"

// Code identifies an error class in API error responses.
type Code string

// Error codes used by the HTTP surface.
const (
	CodeBadRequest    Code = "bad_request"
	CodeNotFound      Code = "not_found"
	CodeInternalError Code = "internal_error"
)

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// CodeForStatus maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest error code.
func CodeForStatus(status int) Code {
	switch {
	case status == fiber.StatusNotFound:
		return CodeNotFound
	case status >= 400 && status < 500:
		return CodeBadRequest
	default:
		return CodeInternalError
	}
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// UpgradeRequired answers a plain HTTP request on a WebSocket path: 426 with an Upgrade header and a JSON body
// naming the path.
func UpgradeRequired(c fiber.Ctx, path string) error {
	c.Set(fiber.HeaderUpgrade, "websocket")
	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"status": "upgrade_required",
		"detail": "Use WebSocket protocol for " + path,
	})
}
