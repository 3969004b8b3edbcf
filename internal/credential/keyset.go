package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/congo-pay/authgate/internal/autherr"
)

const (
	maxKeySetBytes       = 1 << 20
	defaultMinMissReload = 10 * time.Second
	refreshFlightKey     = "jwks"
)

type keySnapshot struct {
	keys      map[string]any
	fetchedAt time.Time
}

// KeySet caches the signing keys a provider publishes at a JWKS endpoint.
//
// The cache starts empty. A snapshot is replaced as a whole, so readers see
// either the previous key set or the new one. Concurrent refreshes, whether
// triggered by the timer or by an unknown key id, collapse into one fetch.
// No lock is held while the fetch is in flight.
type KeySet struct {
	url     string
	client  *http.Client
	timeout time.Duration
	minMiss time.Duration
	logger  *slog.Logger
	now     func() time.Time

	flight  singleflight.Group
	current atomic.Pointer[keySnapshot]
}

// KeySetOption customizes a KeySet.
type KeySetOption func(*KeySet)

// WithHTTPClient overrides the client used for key fetches.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(k *KeySet) { k.client = c }
}

// WithMissReloadInterval bounds how often an unknown key id may force a fetch.
func WithMissReloadInterval(d time.Duration) KeySetOption {
	return func(k *KeySet) { k.minMiss = d }
}

// WithKeySetClock overrides the time source.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) { k.now = now }
}

// NewKeySet builds an empty key cache for the JWKS document at url. Every
// fetch is bounded by timeout.
func NewKeySet(url string, timeout time.Duration, logger *slog.Logger, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		minMiss: defaultMinMissReload,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Key returns the public key published under kid. An unknown kid triggers
// one refresh unless the cache was refreshed very recently.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if snap := k.current.Load(); snap != nil {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
		if k.now().Sub(snap.fetchedAt) < k.minMiss {
			return nil, fmt.Errorf("%w: unknown signing key %q", autherr.ErrInvalidToken, kid)
		}
	}

	snap, err := k.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown signing key %q", autherr.ErrInvalidToken, kid)
}

// Refresh fetches the key set now, sharing any fetch already in flight.
func (k *KeySet) Refresh(ctx context.Context) error {
	_, err := k.refresh(ctx)
	return err
}

// Run refreshes the key set immediately and then every interval until ctx is
// done. A failed refresh keeps the previous snapshot.
func (k *KeySet) Run(ctx context.Context, interval time.Duration) {
	if err := k.Refresh(ctx); err != nil {
		k.logger.Warn("initial key refresh failed", slog.String("url", k.url), slog.Any("error", err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				k.logger.Warn("key refresh failed", slog.String("url", k.url), slog.Any("error", err))
			}
		}
	}
}

func (k *KeySet) refresh(ctx context.Context) (*keySnapshot, error) {
	ch := k.flight.DoChan(refreshFlightKey, func() (any, error) {
		// The shared fetch must outlive any single abandoned caller.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
		defer cancel()

		snap, err := k.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		k.current.Store(snap)
		k.logger.Debug("signing keys refreshed", slog.String("url", k.url), slog.Int("keys", len(snap.keys)))
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", autherr.ErrProviderUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	}
}

func (k *KeySet) fetch(ctx context.Context) (*keySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build key request: %v", autherr.ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch keys: %v", autherr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch keys: status %d", autherr.ErrProviderUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode keys: %v", autherr.ErrProviderUnavailable, err)
	}

	keys := make(map[string]any, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.IsPublic() {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: key set has no usable signing keys", autherr.ErrProviderUnavailable)
	}

	return &keySnapshot{keys: keys, fetchedAt: k.now()}, nil
}
