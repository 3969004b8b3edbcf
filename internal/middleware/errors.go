package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/autherr"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// ErrorHandler renders every error as {"error": {"code", "message"}}.
// Unrecognised errors become a generic internal error and are logged.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return writeError(c, fe.Code, codeForStatus(fe.Code), fe.Message)
		}

		ae := autherr.From(err)
		var known *autherr.Error
		if !errors.As(err, &known) {
			logger.Error("unhandled error", slog.String("path", c.Path()), slog.Any("error", err))
		}
		if autherr.Retriable(ae) {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return writeError(c, ae.Status, ae.Code, ae.Message)
	}
}

func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorBody{Error: errorDetail{Code: code, Message: message}})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return autherr.ErrBadRequest.Code
	case http.StatusUnauthorized:
		return autherr.ErrUnauthorized.Code
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= http.StatusInternalServerError {
		return autherr.ErrInternal.Code
	}
	return autherr.ErrBadRequest.Code
}
