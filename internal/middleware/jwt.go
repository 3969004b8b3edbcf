package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/session"
)

const userIDLocal = "user_id"

// SessionVerifier validates session tokens minted by this service.
type SessionVerifier interface {
	Verify(raw string) (*session.Claims, error)
}

// SessionAuth rejects requests without a valid bearer session token and
// exposes the authenticated user id through UserID.
func SessionAuth(verifier SessionVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		scheme, token, ok := strings.Cut(strings.TrimSpace(authz), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return autherr.ErrUnauthorized.WithMessage("missing bearer token")
		}
		claims, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return err
		}

		c.Locals(userIDLocal, claims.UserID)
		return c.Next()
	}
}

// UserID returns the user authenticated by SessionAuth, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDLocal).(string)
	return id
}
