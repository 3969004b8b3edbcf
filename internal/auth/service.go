package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/credential"
	"github.com/congo-pay/authgate/internal/identity"
	"github.com/congo-pay/authgate/internal/notification"
	"github.com/congo-pay/authgate/internal/session"
)

// PasswordAuthenticator checks first-party credentials.
type PasswordAuthenticator interface {
	LookupByEmailPassword(ctx context.Context, email, password string) (identity.User, error)
}

// IdentityResolver maps verified federated claims onto users.
type IdentityResolver interface {
	ResolveOrCreate(ctx context.Context, claim credential.VerifiedClaim) (identity.User, error)
	UpdatePushToken(ctx context.Context, userID, token string) error
}

// ClaimVerifier validates a raw federated token.
type ClaimVerifier interface {
	Verify(ctx context.Context, raw string) (credential.VerifiedClaim, error)
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(userID string) (session.Token, error)
}

// Deps wires the collaborators of Service.
type Deps struct {
	Passwords  PasswordAuthenticator
	Identities IdentityResolver
	Verifier   ClaimVerifier
	Tokens     TokenIssuer
	Push       notification.Registrar
	Logger     *slog.Logger

	// ProviderTimeout bounds federated token verification.
	ProviderTimeout time.Duration
}

// Service composes verification, reconciliation and issuance into the login
// operations.
type Service struct {
	passwords       PasswordAuthenticator
	identities      IdentityResolver
	verifier        ClaimVerifier
	tokens          TokenIssuer
	push            notification.Registrar
	logger          *slog.Logger
	providerTimeout time.Duration
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ProviderTimeout <= 0 {
		d.ProviderTimeout = 5 * time.Second
	}
	return &Service{
		passwords:       d.Passwords,
		identities:      d.Identities,
		verifier:        d.Verifier,
		tokens:          d.Tokens,
		push:            d.Push,
		logger:          d.Logger,
		providerTimeout: d.ProviderTimeout,
	}
}

// LoginWithPassword authenticates an email/password pair.
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (LoginResponse, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return LoginResponse{}, autherr.ErrInvalidCredentials
	}
	user, err := s.passwords.LookupByEmailPassword(ctx, email, password)
	if err != nil {
		return LoginResponse{}, err
	}
	return s.respond(user, "password")
}

// LoginWithFederatedToken verifies a provider ID token, reconciles the
// identity and stores the optional push token before issuing a session.
func (s *Service) LoginWithFederatedToken(ctx context.Context, rawToken, pushToken string) (LoginResponse, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return LoginResponse{}, autherr.ErrInvalidToken
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	claim, err := s.verifier.Verify(verifyCtx, rawToken)
	cancel()
	if err != nil {
		s.logger.Info("federated token rejected", "error", err)
		return LoginResponse{}, err
	}

	user, err := s.identities.ResolveOrCreate(ctx, claim)
	if err != nil {
		return LoginResponse{}, err
	}

	if pushToken = strings.TrimSpace(pushToken); pushToken != "" {
		user = s.storePushToken(ctx, user, pushToken)
	}
	return s.respond(user, string(claim.Provider))
}

// storePushToken persists the token and hands it to the push registrar.
// Failures are logged and never fail the login.
func (s *Service) storePushToken(ctx context.Context, user identity.User, token string) identity.User {
	if !notification.ValidPushToken(token) {
		s.logger.Warn("ignoring malformed push token", "user_id", user.ID)
		return user
	}
	if err := s.identities.UpdatePushToken(ctx, user.ID, token); err != nil {
		s.logger.Warn("push token update failed", "user_id", user.ID, "error", err)
		return user
	}
	user.PushToken = token
	if s.push != nil {
		if err := s.push.Register(ctx, user.ID, token); err != nil {
			s.logger.Warn("push token registration failed", "user_id", user.ID, "error", err)
		}
	}
	return user
}

func (s *Service) respond(user identity.User, method string) (LoginResponse, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.logger.Error("issue session token", "user_id", user.ID, "error", err)
		return LoginResponse{}, autherr.ErrInternal
	}
	s.logger.Info("login succeeded", "user_id", user.ID, "method", method)
	return newLoginResponse(token.Value, user), nil
}
