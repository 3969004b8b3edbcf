package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/auth"
)

// RegisterAuthRoutes wires the public login and signup endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter, idempotency fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/login", rateLimiter, h.Login)
	group.Post("/login/google", h.LoginGoogle)
	group.Post("/signup", idempotency, h.Signup)
}
