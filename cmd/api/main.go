package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/authgate/internal/config"
	"github.com/congo-pay/authgate/internal/credential"
	"github.com/congo-pay/authgate/internal/infra"
	"github.com/congo-pay/authgate/internal/logging"
	"github.com/congo-pay/authgate/internal/routes"
	"github.com/congo-pay/authgate/internal/server"
	"github.com/congo-pay/authgate/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.StorageTimeout)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.RunMigrations {
		if err := infra.Migrate(ctx, db, logger); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.StorageTimeout)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if cache == nil {
		logger.Warn("REDIS_URL not set, login rate limiting and idempotency are disabled")
	} else {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	keys, verifier, err := buildGoogleVerifier(ctx, cfg, logger)
	if err != nil {
		logger.Error("build google verifier", "error", err)
		os.Exit(1)
	}
	go keys.Run(ctx, cfg.GoogleKeyRefresh)

	sessions, err := buildSessionIssuer(cfg)
	if err != nil {
		logger.Error("build session issuer", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Verifier: verifier,
		Sessions: sessions,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

func buildGoogleVerifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (*credential.KeySet, *credential.GoogleVerifier, error) {
	client := &http.Client{Timeout: cfg.ProviderTimeout}

	jwksURL := cfg.GoogleJWKSURL
	if jwksURL == "" {
		discoverCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
		defer cancel()
		url, err := credential.DiscoverJWKSURL(discoverCtx, cfg.GoogleIssuerURL, client)
		if err != nil {
			return nil, nil, err
		}
		jwksURL = url
	}
	logger.Info("google signing keys", "jwks_url", jwksURL)

	keys := credential.NewKeySet(jwksURL, cfg.ProviderTimeout, logger, credential.WithHTTPClient(client))
	if err := keys.Refresh(ctx); err != nil {
		logger.Warn("initial google key fetch failed, will retry on demand", "error", err)
	}
	verifier, err := credential.NewGoogleVerifier(keys, credential.GoogleConfig{
		Audience:    cfg.GoogleClientID,
		Issuers:     cfg.GoogleIssuers,
		MaxTokenAge: cfg.GoogleMaxTokenAge,
	})
	if err != nil {
		return nil, nil, err
	}
	return keys, verifier, nil
}

func buildSessionIssuer(cfg config.Config) (*session.Issuer, error) {
	retired, err := session.ParseRetiredKeys(cfg.SessionRetiredKeys)
	if err != nil {
		return nil, err
	}
	ring, err := session.NewKeyring(session.Key{ID: cfg.SessionKeyID, Secret: []byte(cfg.SessionSigningKey)}, cfg.SessionKeyGrace, retired...)
	if err != nil {
		return nil, err
	}
	return session.NewIssuer(ring, cfg.SessionIssuer, cfg.AccessTokenTTL)
}
