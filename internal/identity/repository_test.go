package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapWriteErrorUniqueViolations(t *testing.T) {
	cases := map[string]string{
		"users_username_key":       "username",
		"users_email_key":          "email",
		"users_phone_number_key":   "phone",
		"users_oauth_identity_key": "identity",
		"users_pkey":               "id",
	}
	for constraint, field := range cases {
		err := mapWriteError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: constraint})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("%s: expected conflict error, got %v", constraint, err)
		}
		if conflict.Field != field {
			t.Fatalf("%s: expected field %q, got %q", constraint, field, conflict.Field)
		}
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("%s: conflict must match ErrConflict", constraint)
		}
	}
}

func TestMapWriteErrorOtherFailures(t *testing.T) {
	if err := mapWriteError(nil); err != nil {
		t.Fatalf("nil error must stay nil, got %v", err)
	}

	checkErr := &pgconn.PgError{Code: "23514", ConstraintName: "users_auth_path_check"}
	err := mapWriteError(checkErr)
	if errors.Is(err, ErrConflict) {
		t.Fatalf("check violation must not be retried as a conflict: %v", err)
	}
	if !errors.Is(err, checkErr) || !strings.Contains(err.Error(), "db error") {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}
