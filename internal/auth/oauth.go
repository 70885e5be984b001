package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// OAuthProvider is the federation client for a single OAuth2 identity provider.
type OAuthProvider interface {
	Name() Provider
	AuthURL(state string) string
	// Exchange trades an authorization code for a provider access token.
	Exchange(ctx context.Context, code string) (string, error)
	// FetchProfile loads the normalized profile the access token grants.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// GenerateState generates a cryptographically secure random state string.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// fallbackName derives a display name from the local part of an email address.
func fallbackName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
