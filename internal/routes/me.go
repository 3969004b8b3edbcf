package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/auth"
)

// RegisterMeRoutes wires the endpoints for the authenticated user.
func RegisterMeRoutes(r fiber.Router, h *auth.Handler) {
	r.Get("", h.Me)
	r.Put("/password", h.ChangePassword)
}
