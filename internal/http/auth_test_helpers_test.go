package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"unifiedauth/internal/auth"
	"unifiedauth/internal/config"
)

const testAppURL = "http://frontend.test"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeProvider struct {
	name        auth.Provider
	profile     auth.Profile
	exchangeErr error
	profileErr  error
}

func (f *fakeProvider) Name() auth.Provider { return f.name }

func (f *fakeProvider) AuthURL(state string) string {
	return "https://idp.test/" + string(f.name) + "/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (string, error) {
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "access-" + code, nil
}

func (f *fakeProvider) FetchProfile(ctx context.Context, accessToken string) (*auth.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	profile := f.profile
	return &profile, nil
}

type captureNotifier struct {
	mu         sync.Mutex
	welcomes   []string
	resetLinks []string
}

func (n *captureNotifier) NotifyWelcome(ctx context.Context, email, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, email)
	return nil
}

func (n *captureNotifier) NotifyPasswordReset(ctx context.Context, email, resetLink string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLinks = append(n.resetLinks, resetLink)
	return nil
}

func (n *captureNotifier) lastResetToken(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.resetLinks) == 0 {
		t.Fatal("expected a reset link to be sent")
	}
	parsed, err := url.Parse(n.resetLinks[len(n.resetLinks)-1])
	if err != nil {
		t.Fatalf("parse reset link: %v", err)
	}
	return parsed.Query().Get("token")
}

type testEnv struct {
	repo     *auth.InMemoryRepository
	auth     *auth.Service
	sessions *auth.SessionIssuer
	google   *fakeProvider
	github   *fakeProvider
	notifier *captureNotifier
	logger   *slog.Logger
}

func newTestEnv(t *testing.T, users ...auth.User) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("token codec: %v", err)
	}
	env := &testEnv{
		repo:     auth.NewInMemoryRepository(users...),
		sessions: auth.NewSessionIssuer(tokens, false),
		google: &fakeProvider{name: auth.ProviderGoogle, profile: auth.Profile{
			SubjectID: "google-sub", Email: "Ann@Example.com", Name: "Ann",
		}},
		github: &fakeProvider{name: auth.ProviderGitHub, profile: auth.Profile{
			SubjectID: "4242", Email: "ann@example.com", Name: "ann-gh",
		}},
		notifier: &captureNotifier{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	env.auth = auth.NewService(env.repo, tokens, env.sessions,
		auth.WithHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		auth.WithOAuthProvider(env.google),
		auth.WithOAuthProvider(env.github),
		auth.WithNotifier(env.notifier),
		auth.WithLogger(env.logger),
		auth.WithResetURL(testAppURL+"/reset-password"),
	)
	return env
}

func (e *testEnv) config() config.Config {
	return config.Config{
		Environment:    "development",
		AppURL:         testAppURL,
		AllowedOrigins: []string{testAppURL},
	}
}

func (e *testEnv) router(limiter *RateLimiter) http.Handler {
	return NewRouter(e.config(), RouterDeps{
		Auth:     e.auth,
		Sessions: e.sessions,
		Limiter:  limiter,
		Logger:   e.logger,
	})
}

// seedPasswordUser creates a password identity through the sign-up flow.
func (e *testEnv) seedPasswordUser(t *testing.T, email, password string) *auth.AuthResult {
	t.Helper()
	result, err := e.auth.SignUp(context.Background(), auth.SignUpInput{Name: "Seed", Email: email, Password: password})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return result
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
