package identity

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/credential"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._]{3,30}$`)

// SignupInput captures a password registration request.
type SignupInput struct {
	Username        string
	Email           string
	Phone           string
	Password        string
	ConfirmPassword string
}

func (r *Reconciler) validateSignup(in SignupInput) (SignupInput, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = NormalizeEmail(in.Email)
	in.Phone = normalizePhone(in.Phone)

	if !usernamePattern.MatchString(in.Username) {
		return in, autherr.ErrBadRequest.WithMessage("username must be 3-30 letters, digits, dots or underscores")
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return in, autherr.ErrBadRequest.WithMessage("email is invalid")
	}
	if in.Phone != "" && r.phone != nil && !r.phone.MatchString(in.Phone) {
		return in, autherr.ErrBadRequest.WithMessage("phone number is invalid")
	}
	if in.Password != in.ConfirmPassword {
		return in, autherr.ErrBadRequest.WithMessage("passwords do not match")
	}
	return in, nil
}

// Register creates a password account.
func (r *Reconciler) Register(ctx context.Context, in SignupInput) (User, error) {
	in, err := r.validateSignup(in)
	if err != nil {
		return User{}, err
	}
	hash, err := r.hashPassword(in.Password)
	if err != nil {
		return User{}, err
	}

	now := r.now()
	user := User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.repo.Create(ctx, user); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return User{}, autherr.ErrAccountExists.WithMessage(conflict.Field + " already registered")
		}
		r.logger.Error("signup failed", "error", err)
		return User{}, autherr.ErrStorageUnavailable
	}
	r.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// ChangePassword sets a new password. Accounts that already have one must
// present it; federation-only accounts may set a first password.
func (r *Reconciler) ChangePassword(ctx context.Context, userID, current, next string) error {
	hash, err := r.hashPassword(next)
	if err != nil {
		return err
	}
	return r.withRetry(ctx, "change_password", func(ctx context.Context) error {
		return r.repo.InTx(ctx, func(tx Store) error {
			user, err := tx.FindByID(ctx, userID)
			if errors.Is(err, ErrNotFound) {
				return autherr.ErrUnauthorized
			}
			if err != nil {
				return err
			}
			if user.HasPassword() && !r.hasher.Verify(current, user.PasswordHash) {
				return autherr.ErrInvalidCredentials.WithMessage("current password is incorrect")
			}
			user.PasswordHash = hash
			user.UpdatedAt = r.now()
			return tx.Update(ctx, user)
		})
	})
}

func (r *Reconciler) hashPassword(plaintext string) ([]byte, error) {
	hash, err := r.hasher.Hash(plaintext)
	if errors.Is(err, credential.ErrWeakPassword) {
		return nil, autherr.ErrBadRequest.WithMessage(err.Error())
	}
	if err != nil {
		return nil, autherr.ErrInternal
	}
	return hash, nil
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	return strings.NewReplacer(" ", "", "-", "").Replace(phone)
}
