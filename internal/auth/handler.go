package auth

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/identity"
	"github.com/congo-pay/authgate/internal/middleware"
)

// Accounts manages password accounts for the authenticated endpoints.
type Accounts interface {
	Register(ctx context.Context, in identity.SignupInput) (identity.User, error)
	UserByID(ctx context.Context, id string) (identity.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// Handler exposes the login, signup and profile endpoints.
type Handler struct {
	svc      *Service
	accounts Accounts
}

func NewHandler(svc *Service, accounts Accounts) *Handler {
	return &Handler{svc: svc, accounts: accounts}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrBadRequest.WithMessage("malformed request body")
	}
	resp, err := h.svc.LoginWithPassword(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(resp)
}

type federatedLoginRequest struct {
	Token     string `json:"token"`
	PushToken string `json:"fcm_token"`
}

// LoginGoogle handles POST /auth/login/google.
func (h *Handler) LoginGoogle(c *fiber.Ctx) error {
	var req federatedLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrBadRequest.WithMessage("malformed request body")
	}
	resp, err := h.svc.LoginWithFederatedToken(c.UserContext(), req.Token, req.PushToken)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(resp)
}

type signupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Phone           string `json:"phone_number"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Signup handles POST /auth/signup.
func (h *Handler) Signup(c *fiber.Ctx) error {
	var req signupRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrBadRequest.WithMessage("malformed request body")
	}
	user, err := h.accounts.Register(c.UserContext(), identity.SignupInput{
		Username:        req.Username,
		Email:           req.Email,
		Phone:           req.Phone,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"user_info": Summarize(user)})
}

// Me handles GET /me.
func (h *Handler) Me(c *fiber.Ctx) error {
	user, err := h.accounts.UserByID(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"user_info": Summarize(user)})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles PUT /me/password.
func (h *Handler) ChangePassword(c *fiber.Ctx) error {
	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return autherr.ErrBadRequest.WithMessage("malformed request body")
	}
	if err := h.accounts.ChangePassword(c.UserContext(), middleware.UserID(c), req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
