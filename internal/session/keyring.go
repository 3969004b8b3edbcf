// Package session mints and verifies the stateless bearer tokens handed out
// after a successful login.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// MinSecretLen is the shortest HMAC secret accepted for signing.
const MinSecretLen = 32

var (
	ErrInvalidSecretLength = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLen)
	errUnknownKey          = errors.New("unknown signing key")
	errKeyRetired          = errors.New("signing key retired past grace period")
)

// Key is an HMAC signing key. RetiredAt is zero while the key is active.
type Key struct {
	ID        string
	Secret    []byte
	RetiredAt time.Time
}

func (k Key) validate() error {
	if strings.TrimSpace(k.ID) == "" {
		return errors.New("signing key id is required")
	}
	if len(k.Secret) < MinSecretLen {
		return ErrInvalidSecretLength
	}
	return nil
}

type ringState struct {
	active  Key
	retired []Key
}

// Keyring holds the active signing key and recently retired keys. A retired
// key keeps verifying tokens until RetiredAt plus the grace period.
type Keyring struct {
	grace time.Duration
	state atomic.Pointer[ringState]
}

// NewKeyring builds a keyring around active. Retired keys must carry their
// retirement time.
func NewKeyring(active Key, grace time.Duration, retired ...Key) (*Keyring, error) {
	if err := active.validate(); err != nil {
		return nil, err
	}
	if grace < 0 {
		return nil, errors.New("grace period must not be negative")
	}
	for _, k := range retired {
		if err := k.validate(); err != nil {
			return nil, fmt.Errorf("retired key %q: %w", k.ID, err)
		}
		if k.RetiredAt.IsZero() {
			return nil, fmt.Errorf("retired key %q: retirement time is required", k.ID)
		}
		if k.ID == active.ID {
			return nil, fmt.Errorf("retired key %q reuses the active key id", k.ID)
		}
	}
	active.RetiredAt = time.Time{}
	r := &Keyring{grace: grace}
	r.state.Store(&ringState{active: active, retired: append([]Key(nil), retired...)})
	return r, nil
}

// Active returns the key new tokens are signed with.
func (r *Keyring) Active() Key {
	return r.state.Load().active
}

// Rotate makes next the active key and retires the current one at the given
// time. Retired keys whose grace has already elapsed are dropped.
//
// The server rotates by restarting with the previous key listed in
// SESSION_RETIRED_KEYS; Rotate serves callers that rotate in process.
func (r *Keyring) Rotate(next Key, at time.Time) error {
	if err := next.validate(); err != nil {
		return err
	}
	for {
		cur := r.state.Load()
		if next.ID == cur.active.ID {
			return fmt.Errorf("key %q is already active", next.ID)
		}

		old := cur.active
		old.RetiredAt = at
		retired := []Key{old}
		for _, k := range cur.retired {
			if k.ID != next.ID && at.Before(k.RetiredAt.Add(r.grace)) {
				retired = append(retired, k)
			}
		}

		next.RetiredAt = time.Time{}
		if r.state.CompareAndSwap(cur, &ringState{active: next, retired: retired}) {
			return nil
		}
	}
}

func (r *Keyring) verificationKey(kid string, now time.Time) ([]byte, error) {
	st := r.state.Load()
	if kid == st.active.ID {
		return st.active.Secret, nil
	}
	for _, k := range st.retired {
		if k.ID != kid {
			continue
		}
		if now.After(k.RetiredAt.Add(r.grace)) {
			return nil, errKeyRetired
		}
		return k.Secret, nil
	}
	return nil, errUnknownKey
}

// ParseRetiredKeys parses a comma separated list of kid=secret@RFC3339 entries.
func ParseRetiredKeys(list string) ([]Key, error) {
	var keys []Key
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, rest, ok := strings.Cut(entry, "=")
		at := strings.LastIndex(rest, "@")
		if !ok || at < 0 {
			return nil, fmt.Errorf("retired key entry %q: want kid=secret@time", redactEntry(entry))
		}
		retiredAt, err := time.Parse(time.RFC3339, rest[at+1:])
		if err != nil {
			return nil, fmt.Errorf("retired key %q: %w", kid, err)
		}
		keys = append(keys, Key{ID: strings.TrimSpace(kid), Secret: []byte(rest[:at]), RetiredAt: retiredAt})
	}
	return keys, nil
}

func redactEntry(entry string) string {
	kid, _, _ := strings.Cut(entry, "=")
	return kid + "=…"
}
