package credential

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/congo-pay/authgate/internal/autherr"
)

// DiscoverJWKSURL reads the jwks_uri advertised in the issuer's OpenID
// configuration. The issuer in the document must match issuerURL.
func DiscoverJWKSURL(ctx context.Context, issuerURL string, client *http.Client) (string, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return "", fmt.Errorf("%w: discover %s: %v", autherr.ErrProviderUnavailable, issuerURL, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("%w: decode discovery document: %v", autherr.ErrProviderUnavailable, err)
	}
	if meta.JWKSURL == "" {
		return "", fmt.Errorf("%w: discovery document for %s has no jwks_uri", autherr.ErrProviderUnavailable, issuerURL)
	}
	return meta.JWKSURL, nil
}
