// Package credential verifies inbound credentials: first-party passwords and
// provider-signed federated identity tokens.
package credential

import "fmt"

// Provider tags a federated identity provider. The set is closed.
type Provider string

const (
	ProviderGoogle Provider = "google"
)

// ParseProvider validates a stored or submitted provider tag.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	}
	return "", fmt.Errorf("unknown identity provider %q", s)
}

// VerifiedClaim is the identity asserted by a successfully verified
// federated token. It is consumed by reconciliation and never persisted.
type VerifiedClaim struct {
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Provider      Provider
	Subject       string
}
