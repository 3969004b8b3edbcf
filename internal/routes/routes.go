package routes

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/authgate/internal/auth"
	"github.com/congo-pay/authgate/internal/config"
	"github.com/congo-pay/authgate/internal/credential"
	"github.com/congo-pay/authgate/internal/identity"
	"github.com/congo-pay/authgate/internal/middleware"
	"github.com/congo-pay/authgate/internal/notification"
	"github.com/congo-pay/authgate/internal/session"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Verifier auth.ClaimVerifier
	Sessions *session.Issuer

	// Repo overrides the user store. Defaults to Postgres when DB is set and
	// to an in-memory store otherwise.
	Repo identity.Repository
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Verifier == nil || d.Sessions == nil {
		return fmt.Errorf("federated verifier and session issuer are required")
	}
	if d.DB == nil && d.Repo == nil && !d.Cfg.IsDev() {
		return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	phone, err := regexp.Compile(d.Cfg.PhonePattern)
	if err != nil {
		return fmt.Errorf("compile phone pattern: %w", err)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	repo := d.Repo
	switch {
	case repo != nil:
	case d.DB != nil:
		repo = identity.NewPostgresRepository(d.DB)
	default:
		d.Logger.Warn("no database configured, using in-memory user store")
		repo = identity.NewMemoryRepository()
	}
	reconciler := identity.NewReconciler(repo, credential.NewPasswordHasher(d.Cfg.BcryptCost), d.Logger, identity.ReconcilerConfig{
		Attempts:     d.Cfg.ConflictRetries,
		Timeout:      d.Cfg.StorageTimeout,
		PhonePattern: phone,
	})
	authSvc := auth.NewService(auth.Deps{
		Passwords:       reconciler,
		Identities:      reconciler,
		Verifier:        d.Verifier,
		Tokens:          d.Sessions,
		Push:            notification.NewLoggerRegistrar(d.Logger),
		Logger:          d.Logger,
		ProviderTimeout: d.Cfg.ProviderTimeout,
	})
	authHandler := auth.NewHandler(authSvc, reconciler)

	rateLimiter := middleware.LoginRateLimit(d.Cache, d.Cfg.LoginPerMinute, d.Logger)
	idempotency := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	RegisterAuthRoutes(app, authHandler, rateLimiter, idempotency)

	protected := app.Group("/me", middleware.SessionAuth(d.Sessions))
	RegisterMeRoutes(protected, authHandler)

	return nil
}
