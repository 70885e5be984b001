package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleIssuer = "https://accounts.google.com"

// GoogleConfig holds the OAuth client settings for Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// IssuerURL overrides the OpenID discovery issuer; empty means Google.
	IssuerURL  string
	HTTPClient *http.Client
}

// GoogleProvider implements OAuthProvider using Google's OpenID Connect endpoints.
type GoogleProvider struct {
	config   *oauth2.Config
	provider *oidc.Provider
	client   *http.Client
}

// NewGoogleProvider runs OpenID discovery and returns a ready GoogleProvider.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	issuer := cfg.IssuerURL
	if issuer == "" {
		issuer = googleIssuer
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	endpoint := google.Endpoint
	if issuer != googleIssuer {
		endpoint = provider.Endpoint()
	}

	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		provider: provider,
		client:   client,
	}, nil
}

// Name returns ProviderGoogle.
func (g *GoogleProvider) Name() Provider {
	return ProviderGoogle
}

// AuthURL generates the Google OAuth consent URL with the given state.
func (g *GoogleProvider) AuthURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange exchanges the authorization code for an access token.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (string, error) {
	token, err := g.config.Exchange(context.WithValue(ctx, oauth2.HTTPClient, g.client), code)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	return token.AccessToken, nil
}

// FetchProfile reads the OpenID userinfo endpoint.
func (g *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	info, err := g.provider.UserInfo(oidc.ClientContext(ctx, g.client), source)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	var claims googleClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse userinfo: %w", err)
	}

	name := claims.Name
	if name == "" {
		name = fallbackName(info.Email)
	}

	return &Profile{
		Provider:  ProviderGoogle,
		SubjectID: info.Subject,
		Email:     info.Email,
		Name:      name,
		AvatarURL: claims.Picture,
	}, nil
}

// googleClaims contains the userinfo claims not exposed by oidc.UserInfo.
type googleClaims struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
}
