package credential

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/congo-pay/authgate/internal/autherr"
)

const defaultLeeway = time.Minute

// KeySource resolves a provider signing key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// GoogleConfig holds the checks applied to Google ID tokens.
type GoogleConfig struct {
	// Audience is this application's registered OAuth client id.
	Audience    string
	Issuers     []string
	MaxTokenAge time.Duration
	Leeway      time.Duration
	Now         func() time.Time
}

// GoogleVerifier validates Google ID tokens against Google's published keys.
type GoogleVerifier struct {
	keys     KeySource
	audience string
	issuers  []string
	maxAge   time.Duration
	leeway   time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewGoogleVerifier builds a verifier. An empty audience or issuer list is a
// configuration error, never a silently disabled check.
func NewGoogleVerifier(keys KeySource, cfg GoogleConfig) (*GoogleVerifier, error) {
	if keys == nil {
		return nil, errors.New("google verifier: key source is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("google verifier: audience is required")
	}
	if len(cfg.Issuers) == 0 {
		return nil, errors.New("google verifier: at least one issuer is required")
	}
	if cfg.MaxTokenAge <= 0 {
		return nil, errors.New("google verifier: max token age must be positive")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GoogleVerifier{
		keys:     keys,
		audience: cfg.Audience,
		issuers:  cfg.Issuers,
		maxAge:   cfg.MaxTokenAge,
		leeway:   cfg.Leeway,
		now:      cfg.Now,
		// Claims are checked by hand so each failure maps to its own error.
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation()),
	}, nil
}

type googleClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	Picture       string   `json:"picture"`
}

// flexBool accepts both JSON booleans and the "true"/"false" strings some
// Google endpoints emit for email_verified.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// Verify validates raw against the configured audience.
func (v *GoogleVerifier) Verify(ctx context.Context, raw string) (VerifiedClaim, error) {
	return v.VerifyForAudience(ctx, raw, v.audience)
}

// VerifyForAudience validates the signature of raw against the provider's
// current keys and then checks issuer, audience, expiry, issued-at and email
// verification, in that order.
func (v *GoogleVerifier) VerifyForAudience(ctx context.Context, raw, expectedAudience string) (VerifiedClaim, error) {
	if strings.TrimSpace(raw) == "" {
		return VerifiedClaim{}, fmt.Errorf("%w: empty token", autherr.ErrInvalidToken)
	}

	claims := &googleClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing key id", autherr.ErrInvalidToken)
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, autherr.ErrProviderUnavailable) {
			return VerifiedClaim{}, err
		}
		return VerifiedClaim{}, fmt.Errorf("%w: %v", autherr.ErrInvalidToken, err)
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return VerifiedClaim{}, fmt.Errorf("%w: unexpected issuer %q", autherr.ErrInvalidToken, claims.Issuer)
	}
	if !slices.Contains([]string(claims.Audience), expectedAudience) {
		return VerifiedClaim{}, autherr.ErrAudienceMismatch
	}

	now := v.now()
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return VerifiedClaim{}, fmt.Errorf("%w: missing exp or iat", autherr.ErrInvalidToken)
	}
	if now.After(claims.ExpiresAt.Add(v.leeway)) {
		return VerifiedClaim{}, autherr.ErrTokenExpired
	}
	if claims.IssuedAt.After(now.Add(v.leeway)) {
		return VerifiedClaim{}, fmt.Errorf("%w: issued in the future", autherr.ErrInvalidToken)
	}
	if now.Sub(claims.IssuedAt.Time) > v.maxAge {
		return VerifiedClaim{}, fmt.Errorf("%w: issued too long ago", autherr.ErrTokenExpired)
	}

	if claims.Subject == "" || claims.Email == "" {
		return VerifiedClaim{}, fmt.Errorf("%w: missing subject or email", autherr.ErrInvalidToken)
	}
	if !claims.EmailVerified {
		return VerifiedClaim{}, autherr.ErrUnverifiedEmail
	}

	return VerifiedClaim{
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: true,
		Name:          claims.Name,
		Picture:       claims.Picture,
		Provider:      ProviderGoogle,
		Subject:       claims.Subject,
	}, nil
}
