package identity

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/credential"
)

// ReconcilerConfig bounds storage work done per request.
type ReconcilerConfig struct {
	// Attempts is the number of transactions tried before a uniqueness race
	// is reported as ErrStorageConflict.
	Attempts int
	// Timeout bounds each storage attempt.
	Timeout time.Duration
	// PhonePattern validates phone numbers supplied at signup. Nil accepts any.
	PhonePattern *regexp.Regexp
}

// Reconciler maps verified claims and password credentials onto exactly one
// user record.
type Reconciler struct {
	repo     Repository
	hasher   *credential.PasswordHasher
	logger   *slog.Logger
	attempts int
	timeout  time.Duration
	phone    *regexp.Regexp
	now      func() time.Time
}

// NewReconciler wires a reconciler around a repository.
func NewReconciler(repo Repository, hasher *credential.PasswordHasher, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:     repo,
		hasher:   hasher,
		logger:   logger,
		attempts: cfg.Attempts,
		timeout:  cfg.Timeout,
		phone:    cfg.PhonePattern,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// resolveStep returns ok=false when it does not apply to the claim.
type resolveStep struct {
	name string
	run  func(ctx context.Context, tx Store, claim credential.VerifiedClaim) (user User, ok bool, err error)
}

func (r *Reconciler) steps() []resolveStep {
	return []resolveStep{
		{name: "provider_subject", run: r.resolveBySubject},
		{name: "email_link", run: r.linkByEmail},
		{name: "create", run: r.createFromClaim},
	}
}

// ResolveOrCreate returns the user for a verified federated claim, linking or
// creating the record when needed.
func (r *Reconciler) ResolveOrCreate(ctx context.Context, claim credential.VerifiedClaim) (User, error) {
	if claim.Provider == "" || claim.Subject == "" || claim.Email == "" {
		return User{}, autherr.ErrInvalidToken
	}
	if !claim.EmailVerified {
		return User{}, autherr.ErrUnverifiedEmail
	}
	claim.Email = NormalizeEmail(claim.Email)

	var (
		resolved User
		via      string
	)
	err := r.withRetry(ctx, "resolve", func(ctx context.Context) error {
		return r.repo.InTx(ctx, func(tx Store) error {
			for _, step := range r.steps() {
				user, ok, err := step.run(ctx, tx, claim)
				if err != nil {
					return err
				}
				if ok {
					resolved, via = user, step.name
					return nil
				}
			}
			return errors.New("no resolution step matched")
		})
	})
	if err != nil {
		return User{}, err
	}
	r.logger.Info("identity resolved", "user_id", resolved.ID, "provider", string(claim.Provider), "via", via)
	return resolved, nil
}

func (r *Reconciler) resolveBySubject(ctx context.Context, tx Store, claim credential.VerifiedClaim) (User, bool, error) {
	user, err := tx.FindByProvider(ctx, claim.Provider, claim.Subject)
	if errors.Is(err, ErrNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	if claim.Picture == "" || claim.Picture == user.PictureURL {
		return user, true, nil
	}
	user.PictureURL = claim.Picture
	user.UpdatedAt = r.now()
	if err := tx.Update(ctx, user); err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

func (r *Reconciler) linkByEmail(ctx context.Context, tx Store, claim credential.VerifiedClaim) (User, bool, error) {
	user, err := tx.FindByEmail(ctx, claim.Email)
	if errors.Is(err, ErrNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}

	switch {
	case user.Provider == claim.Provider && user.Subject != "" && user.Subject != claim.Subject:
		r.logger.Warn("email already linked to another subject", "user_id", user.ID, "provider", string(claim.Provider))
		return User{}, false, autherr.ErrIdentityConflict
	case user.HasFederation() && user.Provider != claim.Provider:
		// Single linkage per user: the new provider replaces the old one.
		r.logger.Warn("relinking account to new provider", "user_id", user.ID,
			"previous_provider", string(user.Provider), "provider", string(claim.Provider))
	}

	user.Provider = claim.Provider
	user.Subject = claim.Subject
	if claim.Picture != "" {
		user.PictureURL = claim.Picture
	}
	user.UpdatedAt = r.now()
	if err := tx.Update(ctx, user); err != nil {
		return User{}, false, err
	}
	r.logger.Info("linked federated identity to existing account", "user_id", user.ID, "provider", string(claim.Provider))
	return user, true, nil
}

func (r *Reconciler) createFromClaim(ctx context.Context, tx Store, claim credential.VerifiedClaim) (User, bool, error) {
	username, err := uniqueUsername(ctx, tx, claim)
	if err != nil {
		return User{}, false, err
	}
	now := r.now()
	user := User{
		ID:         uuid.NewString(),
		Username:   username,
		Email:      claim.Email,
		Provider:   claim.Provider,
		Subject:    claim.Subject,
		PictureURL: claim.Picture,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(ctx, user); err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// LookupByEmailPassword authenticates a password credential. Unknown emails,
// accounts without a password and wrong passwords are indistinguishable.
func (r *Reconciler) LookupByEmailPassword(ctx context.Context, email, password string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.repo.FindByEmail(ctx, NormalizeEmail(email))
	switch {
	case errors.Is(err, ErrNotFound):
		r.hasher.Verify(password, nil)
		return User{}, autherr.ErrInvalidCredentials
	case err != nil:
		r.logger.Error("password lookup failed", "error", err)
		return User{}, autherr.ErrStorageUnavailable
	}
	if !r.hasher.Verify(password, user.PasswordHash) {
		return User{}, autherr.ErrInvalidCredentials
	}
	return user, nil
}

// UserByID loads a user for an authenticated session.
func (r *Reconciler) UserByID(ctx context.Context, id string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	user, err := r.repo.FindByID(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return User{}, autherr.ErrUnauthorized
	case err != nil:
		r.logger.Error("user lookup failed", "error", err)
		return User{}, autherr.ErrStorageUnavailable
	}
	return user, nil
}

// UpdatePushToken stores the device token for a user. It is independent of
// reconciliation so a failure never blocks a login.
func (r *Reconciler) UpdatePushToken(ctx context.Context, userID, token string) error {
	return r.withRetry(ctx, "push_token", func(ctx context.Context) error {
		return r.repo.InTx(ctx, func(tx Store) error {
			user, err := tx.FindByID(ctx, userID)
			if errors.Is(err, ErrNotFound) {
				return autherr.ErrUnauthorized
			}
			if err != nil {
				return err
			}
			if user.PushToken == token {
				return nil
			}
			user.PushToken = token
			user.UpdatedAt = r.now()
			return tx.Update(ctx, user)
		})
	})
}

// withRetry runs fn with a per-attempt timeout and retries uniqueness
// conflicts. Store failures surface as autherr storage errors.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(attemptCtx)
		cancel()

		var domainErr *autherr.Error
		switch {
		case err == nil:
			return nil
		case errors.As(err, &domainErr):
			return err
		case errors.Is(err, ErrConflict):
			r.logger.Debug("storage conflict, retrying", "op", op, "attempt", attempt, "error", err)
			continue
		default:
			r.logger.Error("storage operation failed", "op", op, "attempt", attempt, "error", err)
			return autherr.ErrStorageUnavailable
		}
	}
	r.logger.Warn("storage conflict retries exhausted", "op", op, "attempts", r.attempts)
	return autherr.ErrStorageConflict
}
