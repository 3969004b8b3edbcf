package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/congo-pay/authgate/internal/credential"
)

// MemoryRepository is an in-memory Repository used by tests and local runs.
// Transactions stage their writes and, when committing, re-check uniqueness
// and reject the commit if any row they read has since been rewritten.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]User
	versions map[string]uint64
}

// NewMemoryRepository builds an empty in-memory user store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User), versions: make(map[string]uint64)}
}

// Len returns the number of committed users.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findUser(r.users, nil, func(u User) bool { return u.ID == id })
}

func (r *MemoryRepository) FindByEmail(_ context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findUser(r.users, nil, byEmail(email))
}

func (r *MemoryRepository) FindByProvider(_ context.Context, provider credential.Provider, subject string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return findUser(r.users, nil, byProvider(provider, subject))
}

func (r *MemoryRepository) UsernameTaken(_ context.Context, username string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := findUser(r.users, nil, byUsername(username))
	return err == nil, nil
}

func (r *MemoryRepository) Create(ctx context.Context, user User) error {
	return r.InTx(ctx, func(tx Store) error { return tx.Create(ctx, user) })
}

func (r *MemoryRepository) Update(ctx context.Context, user User) error {
	return r.InTx(ctx, func(tx Store) error { return tx.Update(ctx, user) })
}

// InTx runs fn against a staged view and applies the staged writes atomically.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	tx := &memoryTx{repo: r, staged: make(map[string]stagedWrite), reads: make(map[string]uint64)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, seen := range tx.reads {
		if r.versions[id] != seen {
			return &ConflictError{Field: "version"}
		}
	}
	for _, id := range tx.order {
		write := tx.staged[id]
		_, exists := r.users[id]
		if write.create && exists {
			return &ConflictError{Field: "id"}
		}
		if !write.create && !exists {
			return ErrNotFound
		}
		for otherID, other := range r.users {
			if otherID == id {
				continue
			}
			if staged, ok := tx.staged[otherID]; ok {
				other = staged.user
			}
			if field := collision(write.user, other); field != "" {
				return &ConflictError{Field: field}
			}
		}
	}
	for _, id := range tx.order {
		r.users[id] = tx.staged[id].user
		r.versions[id]++
	}
	return nil
}

type stagedWrite struct {
	user   User
	create bool
}

type memoryTx struct {
	repo   *MemoryRepository
	staged map[string]stagedWrite
	order  []string

	// reads holds the committed version of every row returned to the caller.
	reads map[string]uint64
}

func (tx *memoryTx) find(match func(User) bool) (User, error) {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	user, err := findUser(tx.repo.users, tx.staged, match)
	if err != nil {
		return User{}, err
	}
	if _, staged := tx.staged[user.ID]; !staged {
		if _, seen := tx.reads[user.ID]; !seen {
			tx.reads[user.ID] = tx.repo.versions[user.ID]
		}
	}
	return user, nil
}

func (tx *memoryTx) FindByID(_ context.Context, id string) (User, error) {
	return tx.find(func(u User) bool { return u.ID == id })
}

func (tx *memoryTx) FindByEmail(_ context.Context, email string) (User, error) {
	return tx.find(byEmail(email))
}

func (tx *memoryTx) FindByProvider(_ context.Context, provider credential.Provider, subject string) (User, error) {
	return tx.find(byProvider(provider, subject))
}

func (tx *memoryTx) UsernameTaken(_ context.Context, username string) (bool, error) {
	_, err := tx.find(byUsername(username))
	return err == nil, nil
}

func (tx *memoryTx) Create(_ context.Context, user User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	user.Email = NormalizeEmail(user.Email)
	user.UpdatedAt = user.CreatedAt
	if err := tx.checkStaged(user); err != nil {
		return err
	}
	tx.stage(user, true)
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, user User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if _, err := tx.FindByID(ctx, user.ID); err != nil {
		return err
	}
	user.Email = NormalizeEmail(user.Email)
	if err := tx.checkStaged(user); err != nil {
		return err
	}
	create := tx.staged[user.ID].create
	tx.stage(user, create)
	return nil
}

func (tx *memoryTx) checkStaged(user User) error {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	for id, other := range tx.repo.users {
		if id == user.ID {
			continue
		}
		if staged, ok := tx.staged[id]; ok {
			other = staged.user
		}
		if field := collision(user, other); field != "" {
			return &ConflictError{Field: field}
		}
	}
	for id, staged := range tx.staged {
		if _, committed := tx.repo.users[id]; committed || id == user.ID {
			continue
		}
		if field := collision(user, staged.user); field != "" {
			return &ConflictError{Field: field}
		}
	}
	return nil
}

func (tx *memoryTx) stage(user User, create bool) {
	if _, seen := tx.staged[user.ID]; !seen {
		tx.order = append(tx.order, user.ID)
	}
	tx.staged[user.ID] = stagedWrite{user: user, create: create}
}

func findUser(committed map[string]User, staged map[string]stagedWrite, match func(User) bool) (User, error) {
	for _, write := range staged {
		if match(write.user) {
			return write.user, nil
		}
	}
	for id, user := range committed {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if match(user) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

// collision names the unique field a and b share, or "" if none.
func collision(a, b User) string {
	switch {
	case strings.EqualFold(a.Username, b.Username):
		return "username"
	case NormalizeEmail(a.Email) == NormalizeEmail(b.Email):
		return "email"
	case a.Phone != "" && a.Phone == b.Phone:
		return "phone"
	case a.HasFederation() && a.Provider == b.Provider && a.Subject == b.Subject:
		return "identity"
	}
	return ""
}

func byEmail(email string) func(User) bool {
	email = NormalizeEmail(email)
	return func(u User) bool { return NormalizeEmail(u.Email) == email }
}

func byProvider(provider credential.Provider, subject string) func(User) bool {
	return func(u User) bool { return u.HasFederation() && u.Provider == provider && u.Subject == subject }
}

func byUsername(username string) func(User) bool {
	return func(u User) bool { return strings.EqualFold(u.Username, username) }
}
