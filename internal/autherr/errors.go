package autherr

import (
	"errors"
	"net/http"
)

// Error is a caller-facing failure with a stable machine-readable code.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so that copies made by WithMessage still satisfy
// errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e carrying a caller-safe message.
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

var (
	// ErrInvalidCredentials covers both a wrong password and an unknown email.
	ErrInvalidCredentials = &Error{Code: "invalid_credentials", Status: http.StatusUnauthorized, Message: "invalid email or password"}

	// ErrInvalidToken is returned for structural or signature failures of a federated token.
	ErrInvalidToken = &Error{Code: "invalid_token", Status: http.StatusUnauthorized, Message: "invalid identity token"}

	// ErrAudienceMismatch is returned when the token was minted for another client.
	ErrAudienceMismatch = &Error{Code: "audience_mismatch", Status: http.StatusUnauthorized, Message: "identity token audience mismatch"}

	// ErrTokenExpired is returned for stale federated or session tokens.
	ErrTokenExpired = &Error{Code: "token_expired", Status: http.StatusUnauthorized, Message: "token expired"}

	// ErrUnverifiedEmail is returned when the provider has not verified the email.
	ErrUnverifiedEmail = &Error{Code: "unverified_email", Status: http.StatusUnauthorized, Message: "identity provider has not verified the email"}

	// ErrProviderUnavailable is returned when the provider key endpoint failed or timed out.
	ErrProviderUnavailable = &Error{Code: "provider_unavailable", Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"}

	// ErrStorageConflict is returned when uniqueness races exhausted the retry budget. Retriable.
	ErrStorageConflict = &Error{Code: "storage_conflict", Status: http.StatusServiceUnavailable, Message: "concurrent update, retry the request"}

	// ErrStorageUnavailable is returned when the user store failed or timed out.
	ErrStorageUnavailable = &Error{Code: "storage_unavailable", Status: http.StatusServiceUnavailable, Message: "user store unavailable"}

	ErrBadRequest       = &Error{Code: "invalid_request", Status: http.StatusBadRequest, Message: "invalid request"}
	ErrAccountExists    = &Error{Code: "account_exists", Status: http.StatusConflict, Message: "account already exists"}
	ErrIdentityConflict = &Error{Code: "identity_conflict", Status: http.StatusConflict, Message: "email is linked to another identity"}
	ErrUnauthorized     = &Error{Code: "unauthorized", Status: http.StatusUnauthorized, Message: "missing or invalid session"}
	ErrInternal         = &Error{Code: "internal_error", Status: http.StatusInternalServerError, Message: "internal error"}
)

// From returns the taxonomy entry carried by err, or ErrInternal when err
// carries none. Wrapped detail never leaks into the returned value.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}

// Retriable reports whether the caller may retry the same request unchanged.
func Retriable(err error) bool {
	switch From(err).Code {
	case ErrProviderUnavailable.Code, ErrStorageConflict.Code, ErrStorageUnavailable.Code:
		return true
	}
	return false
}
