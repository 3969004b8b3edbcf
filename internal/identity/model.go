package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/congo-pay/authgate/internal/credential"
)

// ErrNoAuthPath rejects a record that could never log in.
var ErrNoAuthPath = errors.New("user must have a password hash or a federated identity")

// User is the canonical identity record. It holds at most one federated
// linkage: a verified login from another provider with the same email
// replaces Provider and Subject, and the previous linkage stops resolving.
type User struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	PasswordHash []byte
	Provider     credential.Provider
	Subject      string
	PictureURL   string
	PushToken    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether the user can log in with a password.
func (u User) HasPassword() bool { return len(u.PasswordHash) > 0 }

// HasFederation reports whether a (provider, subject) pair is linked.
func (u User) HasFederation() bool { return u.Provider != "" && u.Subject != "" }

// Validate checks the invariants every persisted record must satisfy.
func (u User) Validate() error {
	switch {
	case u.ID == "":
		return errors.New("user id is required")
	case u.Username == "":
		return errors.New("username is required")
	case u.Email == "":
		return errors.New("email is required")
	case (u.Provider == "") != (u.Subject == ""):
		return errors.New("provider and subject must be set together")
	case !u.HasPassword() && !u.HasFederation():
		return ErrNoAuthPath
	}
	return nil
}

// NormalizeEmail folds an address to the form used for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
