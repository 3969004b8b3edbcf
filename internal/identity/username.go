package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/congo-pay/authgate/internal/credential"
)

const (
	maxUsernameLen    = 30
	maxUsernameProbes = 20
	fallbackUsername  = "user"
)

// baseUsername derives a username stem from the email local part, falling
// back to the display name.
func baseUsername(email, displayName string) string {
	local, _, _ := strings.Cut(email, "@")
	if base := sanitizeUsername(local); base != "" {
		return base
	}
	if base := sanitizeUsername(displayName); base != "" {
		return base
	}
	return fallbackUsername
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('.')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxUsernameLen-4 {
		out = strings.TrimRight(out[:maxUsernameLen-4], "._")
	}
	return out
}

// usernameCandidates lists base, base_2, base_3... in probe order.
func usernameCandidates(base string) []string {
	out := make([]string, 0, maxUsernameProbes)
	out = append(out, base)
	for i := 2; i <= maxUsernameProbes; i++ {
		out = append(out, fmt.Sprintf("%s_%d", base, i))
	}
	return out
}

// uniqueUsername probes the deterministic candidates and finally falls back
// to a suffix derived from the federated subject.
func uniqueUsername(ctx context.Context, tx Store, claim credential.VerifiedClaim) (string, error) {
	base := baseUsername(claim.Email, claim.Name)
	for _, candidate := range usernameCandidates(base) {
		taken, err := tx.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	sum := sha256.Sum256([]byte(string(claim.Provider) + ":" + claim.Subject))
	return base + "_" + hex.EncodeToString(sum[:])[:8], nil
}
