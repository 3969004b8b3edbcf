package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/credential"
	"github.com/congo-pay/authgate/internal/logging"
)

func newTestReconciler(repo Repository) *Reconciler {
	return NewReconciler(repo, credential.NewPasswordHasher(4), logging.Discard(), ReconcilerConfig{
		Attempts: 3,
		Timeout:  time.Second,
	})
}

func googleClaim(email, subject string) credential.VerifiedClaim {
	return credential.VerifiedClaim{
		Email:         email,
		EmailVerified: true,
		Name:          "Ada Lovelace",
		Picture:       "https://lh3.example.com/ada.png",
		Provider:      credential.ProviderGoogle,
		Subject:       subject,
	}
}

func seedPasswordUser(t *testing.T, rec *Reconciler, email, password string) User {
	t.Helper()
	user, err := rec.Register(context.Background(), SignupInput{
		Username:        "ada",
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return user
}

func TestResolveOrCreateCreatesFederatedUser(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)

	user, err := rec.ResolveOrCreate(context.Background(), googleClaim("Ada@Example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.Username != "ada" {
		t.Fatalf("expected username derived from email, got %q", user.Username)
	}
	if user.HasPassword() {
		t.Fatalf("federated user must not get a password hash")
	}
	if user.Provider != credential.ProviderGoogle || user.Subject != "sub-1" {
		t.Fatalf("unexpected linkage %s/%s", user.Provider, user.Subject)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected 1 user, got %d", repo.Len())
	}
}

func TestResolveOrCreateFindsBySubjectAndRefreshesPicture(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)
	ctx := context.Background()

	first, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	claim := googleClaim("ada@example.com", "sub-1")
	claim.Picture = "https://lh3.example.com/ada-new.png"
	second, err := rec.ResolveOrCreate(ctx, claim)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	stored, _ := repo.FindByID(ctx, first.ID)
	if stored.PictureURL != claim.Picture {
		t.Fatalf("expected picture to be refreshed, got %q", stored.PictureURL)
	}
}

func TestResolveOrCreateLinksPasswordAccount(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)
	ctx := context.Background()
	existing := seedPasswordUser(t, rec, "ada@example.com", "correct horse")

	user, err := rec.ResolveOrCreate(ctx, googleClaim("ADA@example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.ID != existing.ID {
		t.Fatalf("expected link to existing user %s, got %s", existing.ID, user.ID)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected a single record, got %d", repo.Len())
	}
	if !user.HasPassword() || !user.HasFederation() {
		t.Fatalf("linked user must keep the password and gain the federation: %+v", user)
	}
	if _, err := rec.LookupByEmailPassword(ctx, "ada@example.com", "correct horse"); err != nil {
		t.Fatalf("password login after link: %v", err)
	}
}

func TestResolveOrCreateRejectsSecondSubjectForSameProvider(t *testing.T) {
	rec := newTestReconciler(NewMemoryRepository())
	ctx := context.Background()

	if _, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-2"))
	if !errors.Is(err, autherr.ErrIdentityConflict) {
		t.Fatalf("expected identity conflict, got %v", err)
	}
}

func TestResolveOrCreateRequiresVerifiedEmail(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)

	claim := googleClaim("ada@example.com", "sub-1")
	claim.EmailVerified = false
	if _, err := rec.ResolveOrCreate(context.Background(), claim); !errors.Is(err, autherr.ErrUnverifiedEmail) {
		t.Fatalf("expected unverified email, got %v", err)
	}
	if repo.Len() != 0 {
		t.Fatalf("unverified claim must not create a user")
	}
}

func TestResolveOrCreateConcurrentFirstLogins(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)

	const callers = 16
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, err := rec.ResolveOrCreate(context.Background(), googleClaim("ada@example.com", "sub-1"))
			if err != nil {
				errs <- err
				return
			}
			ids <- user.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent resolve: %v", err)
	}
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("expected one user id, got %s and %s", first, id)
		}
	}
	if repo.Len() != 1 {
		t.Fatalf("expected exactly one record, got %d", repo.Len())
	}
}

func TestResolveOrCreateSuffixesTakenUsernames(t *testing.T) {
	rec := newTestReconciler(NewMemoryRepository())
	ctx := context.Background()

	seen := map[string]bool{}
	for i, domain := range []string{"example.com", "example.org", "example.net"} {
		user, err := rec.ResolveOrCreate(ctx, googleClaim("ada@"+domain, fmt.Sprintf("sub-%d", i)))
		if err != nil {
			t.Fatalf("resolve %s: %v", domain, err)
		}
		seen[user.Username] = true
	}
	for _, want := range []string{"ada", "ada_2", "ada_3"} {
		if !seen[want] {
			t.Fatalf("expected username %q in %v", want, seen)
		}
	}
}

type conflictingRepository struct {
	*MemoryRepository
	calls int
}

func (r *conflictingRepository) InTx(context.Context, func(Store) error) error {
	r.calls++
	return &ConflictError{Field: "email"}
}

func TestResolveOrCreateGivesUpAfterConflictRetries(t *testing.T) {
	repo := &conflictingRepository{MemoryRepository: NewMemoryRepository()}
	rec := newTestReconciler(repo)

	_, err := rec.ResolveOrCreate(context.Background(), googleClaim("ada@example.com", "sub-1"))
	if !errors.Is(err, autherr.ErrStorageConflict) {
		t.Fatalf("expected storage conflict, got %v", err)
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}
}

type brokenRepository struct {
	*MemoryRepository
}

func (brokenRepository) FindByEmail(context.Context, string) (User, error) {
	return User{}, errors.New("connection refused")
}

func (brokenRepository) InTx(context.Context, func(Store) error) error {
	return errors.New("connection refused")
}

func TestStorageFailuresAreUnavailable(t *testing.T) {
	rec := newTestReconciler(brokenRepository{NewMemoryRepository()})
	ctx := context.Background()

	if _, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1")); !errors.Is(err, autherr.ErrStorageUnavailable) {
		t.Fatalf("resolve: expected storage unavailable, got %v", err)
	}
	if _, err := rec.LookupByEmailPassword(ctx, "ada@example.com", "whatever1"); !errors.Is(err, autherr.ErrStorageUnavailable) {
		t.Fatalf("lookup: expected storage unavailable, got %v", err)
	}
}

func TestLookupByEmailPasswordFailuresAreUniform(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)
	ctx := context.Background()
	seedPasswordUser(t, rec, "ada@example.com", "correct horse")
	if _, err := rec.ResolveOrCreate(ctx, googleClaim("grace@example.com", "sub-9")); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cases := map[string][2]string{
		"wrong password":  {"ada@example.com", "battery staple"},
		"unknown email":   {"nobody@example.com", "correct horse"},
		"federation only": {"grace@example.com", "correct horse"},
		"empty password":  {"ada@example.com", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rec.LookupByEmailPassword(ctx, tc[0], tc[1])
			if !errors.Is(err, autherr.ErrInvalidCredentials) {
				t.Fatalf("expected invalid credentials, got %v", err)
			}
			if autherr.From(err).Message != autherr.ErrInvalidCredentials.Message {
				t.Fatalf("message must not reveal the failure reason: %q", err)
			}
		})
	}
}

func TestUpdatePushToken(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)
	ctx := context.Background()
	user, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := rec.UpdatePushToken(ctx, user.ID, "ExponentPushToken[abc123]"); err != nil {
		t.Fatalf("update push token: %v", err)
	}
	stored, _ := repo.FindByID(ctx, user.ID)
	if stored.PushToken != "ExponentPushToken[abc123]" {
		t.Fatalf("push token not stored: %q", stored.PushToken)
	}
	if err := rec.UpdatePushToken(ctx, "missing", "x"); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
}

// racingRepository commits a push token write for email right after the
// first transaction's body has run, before that transaction commits.
type racingRepository struct {
	*MemoryRepository
	email string
	raced bool
}

func (r *racingRepository) InTx(ctx context.Context, fn func(Store) error) error {
	return r.MemoryRepository.InTx(ctx, func(tx Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		if r.raced {
			return nil
		}
		r.raced = true
		return r.MemoryRepository.InTx(ctx, func(other Store) error {
			user, err := other.FindByEmail(ctx, r.email)
			if err != nil {
				return err
			}
			user.PushToken = "ExponentPushToken[raced]"
			return other.Update(ctx, user)
		})
	})
}

func TestResolveOrCreateRetriesWhenReadRowChanges(t *testing.T) {
	repo := &racingRepository{MemoryRepository: NewMemoryRepository(), email: "ada@example.com", raced: true}
	rec := newTestReconciler(repo)
	ctx := context.Background()
	seedPasswordUser(t, rec, "ada@example.com", "correct horse")
	repo.raced = false

	user, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stored, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.PushToken != "ExponentPushToken[raced]" {
		t.Fatalf("concurrent push token write was lost: %q", stored.PushToken)
	}
	if !stored.HasFederation() || !stored.HasPassword() {
		t.Fatalf("link must be applied on retry: %+v", stored)
	}
}

func TestResolveOrCreateRelinksAccountFromOtherProvider(t *testing.T) {
	repo := NewMemoryRepository()
	rec := newTestReconciler(repo)
	ctx := context.Background()
	now := time.Now().UTC()
	existing := User{
		ID:        "user-apple",
		Username:  "ada",
		Email:     "ada@example.com",
		Provider:  credential.Provider("apple"),
		Subject:   "apple-sub",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(ctx, existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	user, err := rec.ResolveOrCreate(ctx, googleClaim("ada@example.com", "sub-1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.ID != existing.ID || user.Provider != credential.ProviderGoogle || user.Subject != "sub-1" {
		t.Fatalf("expected relink of %s to google, got %+v", existing.ID, user)
	}
	if _, err := repo.FindByProvider(ctx, credential.Provider("apple"), "apple-sub"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("previous linkage must stop resolving, got %v", err)
	}
}
