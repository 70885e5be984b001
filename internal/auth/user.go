package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Provider names the credential path an identity was created through.
type Provider string

const (
	ProviderEmail  Provider = "email"
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// ParseOAuthProvider validates an OAuth provider name taken from a URL or state value.
func ParseOAuthProvider(value string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(value))); p {
	case ProviderGoogle, ProviderGitHub:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, value)
	}
}

// User represents the unified identity record, keyed by email.
type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	Provider     Provider
	GoogleID     string
	GitHubID     string
	AvatarURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  time.Time

	// Set only while a password reset is outstanding.
	ResetToken       string
	ResetTokenExpiry time.Time
}

// HasPassword reports whether the identity carries a local password credential.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// SubjectID returns the external principal id recorded for the given provider.
func (u *User) SubjectID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return u.GoogleID
	case ProviderGitHub:
		return u.GitHubID
	default:
		return ""
	}
}

// Profile is the provider-independent view of an OAuth user.
type Profile struct {
	Provider  Provider
	SubjectID string
	Email     string
	Name      string
	AvatarURL string
}

// LoginUpdate describes the fields refreshed on a successful sign-in.
// Empty strings leave the stored value untouched.
type LoginUpdate struct {
	At        time.Time
	Name      string
	AvatarURL string
	Provider  Provider
	SubjectID string
}

// NormalizeEmail lowercases and trims an email address before any lookup or compare.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims a display name and puts it in NFC form, so names typed on
// different keyboards or returned by different providers compare equal.
func NormalizeName(name string) string {
	return strings.TrimSpace(norm.NFC.String(name))
}

// applyLogin merges a login update into u using the same rules as the repositories.
func (u *User) applyLogin(l LoginUpdate) {
	if l.At.After(u.LastLoginAt) {
		u.LastLoginAt = l.At
	}
	u.UpdatedAt = l.At
	if l.Name != "" {
		u.Name = l.Name
	}
	if l.AvatarURL != "" {
		u.AvatarURL = l.AvatarURL
	}
	switch l.Provider {
	case ProviderGoogle:
		if u.GoogleID == "" {
			u.GoogleID = l.SubjectID
		}
	case ProviderGitHub:
		if u.GitHubID == "" {
			u.GitHubID = l.SubjectID
		}
	}
}
