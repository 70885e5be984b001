package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIURL = "https://api.github.com"

// GitHubConfig holds the OAuth client settings for GitHub.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint and APIBaseURL override github.com, for tests and GitHub Enterprise.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

// GitHubProvider implements OAuthProvider against the GitHub REST API.
type GitHubProvider struct {
	config     *oauth2.Config
	apiBaseURL string
	client     *http.Client
}

// NewGitHubProvider creates a GitHubProvider.
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = github.Endpoint
	}
	apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"user:email"},
		},
		apiBaseURL: apiBaseURL,
		client:     client,
	}
}

// Name returns ProviderGitHub.
func (g *GitHubProvider) Name() Provider {
	return ProviderGitHub
}

// AuthURL generates the GitHub authorize URL with the given state.
func (g *GitHubProvider) AuthURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// Exchange exchanges the authorization code for an access token.
func (g *GitHubProvider) Exchange(ctx context.Context, code string) (string, error) {
	token, err := g.config.Exchange(context.WithValue(ctx, oauth2.HTTPClient, g.client), code)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	return token.AccessToken, nil
}

// FetchProfile loads /user and, because the primary profile often omits the
// address, the verified primary entry from /user/emails.
func (g *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var user githubUser
	if err := g.getJSON(ctx, accessToken, "/user", &user); err != nil {
		return nil, err
	}

	var emails []githubEmail
	emailsErr := g.getJSON(ctx, accessToken, "/user/emails", &emails)

	email := primaryEmail(emails)
	if email == "" {
		email = user.Email
	}
	if email == "" && emailsErr != nil {
		return nil, emailsErr
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Profile{
		Provider:  ProviderGitHub,
		SubjectID: strconv.FormatInt(user.ID, 10),
		Email:     email,
		Name:      name,
		AvatarURL: user.AvatarURL,
	}, nil
}

func (g *GitHubProvider) getJSON(ctx context.Context, accessToken, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "unifiedauth")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("github %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("github %s: decode: %w", path, err)
	}
	return nil
}

// primaryEmail returns the primary address when GitHub has verified it.
func primaryEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return e.Email
		}
	}
	return ""
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}
