package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/congo-pay/authgate/internal/autherr"
)

// Claims are the assertions carried by a session token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Token is a signed session token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Issuer signs and verifies session tokens. It never touches storage.
type Issuer struct {
	ring   *Keyring
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source used for issuance and verification.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds an issuer whose tokens live for ttl.
func NewIssuer(ring *Keyring, issuer string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if ring == nil {
		return nil, errors.New("session issuer: keyring is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session issuer: ttl must be positive")
	}
	i := &Issuer{ring: ring, issuer: issuer, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a token for userID signed with the active key.
func (i *Issuer) Issue(userID string) (Token, error) {
	if userID == "" {
		return Token{}, errors.New("session issuer: user id is required")
	}
	key := i.ring.Active()
	now := i.now()
	exp := now.Add(i.ttl)

	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = key.ID

	signed, err := tok.SignedString(key.Secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Verify checks the signature, issuer and expiry of raw and returns its claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	now := i.now()
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return i.ring.verificationKey(kid, now)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", autherr.ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == "" || claims.UserID != claims.Subject {
		return nil, autherr.ErrUnauthorized
	}
	return claims, nil
}
