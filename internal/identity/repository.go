package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/authgate/internal/credential"
)

const uniqueViolation = "23505"

var (
	// ErrNotFound is returned when no user matches a lookup.
	ErrNotFound = errors.New("user not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("user uniqueness conflict")
)

// ConflictError names the constraint a write collided with.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: %s", ErrConflict, e.Field) }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Store is the set of user operations available inside and outside a transaction.
type Store interface {
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByProvider(ctx context.Context, provider credential.Provider, subject string) (User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, user User) error
	Update(ctx context.Context, user User) error
}

// Repository persists users. InTx runs fn inside one transaction that is
// committed only if fn returns nil.
type Repository interface {
	Store
	InTx(ctx context.Context, fn func(tx Store) error) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pgStore
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgStore: pgStore{q: db}, db: db}
}

// InTx runs fn in a read-committed transaction. Rows read by fn are locked
// until commit.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("db error: begin: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(pgStore{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

type pgStore struct {
	q    querier
	lock bool
}

const userColumns = `id, username, email, phone_number, password_hash, oauth_provider, oauth_subject,
        profile_picture, push_token, created_at, updated_at`

func (s pgStore) selectOne(ctx context.Context, where string, args ...any) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	if s.lock {
		query += ` FOR UPDATE`
	}

	var (
		id                       uuid.UUID
		phone, provider, subject *string
		picture, pushToken       *string
		user                     User
	)
	err := s.q.QueryRow(ctx, query, args...).Scan(&id, &user.Username, &user.Email, &phone, &user.PasswordHash,
		&provider, &subject, &picture, &pushToken, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("db error: %w", err)
	}

	user.ID = id.String()
	user.Phone = deref(phone)
	user.Provider = credential.Provider(deref(provider))
	user.Subject = deref(subject)
	user.PictureURL = deref(picture)
	user.PushToken = deref(pushToken)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

// FindByID fetches a user by identifier.
func (s pgStore) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return s.selectOne(ctx, `id = $1`, userID)
}

// FindByEmail fetches a user by case-folded email.
func (s pgStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.selectOne(ctx, `lower(email) = lower($1)`, email)
}

// FindByProvider fetches the user linked to a federated subject.
func (s pgStore) FindByProvider(ctx context.Context, provider credential.Provider, subject string) (User, error) {
	return s.selectOne(ctx, `oauth_provider = $1 AND oauth_subject = $2`, string(provider), subject)
}

// UsernameTaken reports whether a username is already in use.
func (s pgStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1))`, username).Scan(&taken); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return taken, nil
}

// Create inserts a new user.
func (s pgStore) Create(ctx context.Context, user User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `INSERT INTO users (id, username, email, phone_number, password_hash, oauth_provider,
        oauth_subject, profile_picture, push_token, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		userID, user.Username, NormalizeEmail(user.Email), nullable(user.Phone), user.PasswordHash,
		nullable(string(user.Provider)), nullable(user.Subject), nullable(user.PictureURL), nullable(user.PushToken),
		user.CreatedAt.UTC())
	return mapWriteError(err)
}

// Update overwrites the mutable columns of an existing user.
func (s pgStore) Update(ctx context.Context, user User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	cmd, err := s.q.Exec(ctx, `UPDATE users SET username = $2, email = $3, phone_number = $4, password_hash = $5,
        oauth_provider = $6, oauth_subject = $7, profile_picture = $8, push_token = $9, updated_at = $10
        WHERE id = $1`,
		userID, user.Username, NormalizeEmail(user.Email), nullable(user.Phone), user.PasswordHash,
		nullable(string(user.Provider)), nullable(user.Subject), nullable(user.PictureURL), nullable(user.PushToken),
		time.Now().UTC())
	if err != nil {
		return mapWriteError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &ConflictError{Field: fieldForConstraint(pgErr.ConstraintName)}
	}
	return fmt.Errorf("db error: %w", err)
}

func fieldForConstraint(name string) string {
	switch {
	case strings.Contains(name, "username"):
		return "username"
	case strings.Contains(name, "email"):
		return "email"
	case strings.Contains(name, "phone"):
		return "phone"
	case strings.Contains(name, "oauth"):
		return "identity"
	default:
		return "id"
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
