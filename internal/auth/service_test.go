package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type repoStub struct {
	findUserByEmail  func(ctx context.Context, email string) (*User, error)
	findUserByID     func(ctx context.Context, id uuid.UUID) (*User, error)
	createUser       func(ctx context.Context, user User) (User, error)
	updateUserLogin  func(ctx context.Context, email string, login LoginUpdate) error
	setResetToken    func(ctx context.Context, email, token string, expiry time.Time) error
	redeemResetToken func(ctx context.Context, email, token, passwordHash string, now time.Time) error
}

func (r *repoStub) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if r.findUserByEmail != nil {
		return r.findUserByEmail(ctx, email)
	}
	return nil, nil
}

func (r *repoStub) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if r.findUserByID != nil {
		return r.findUserByID(ctx, id)
	}
	return nil, nil
}

func (r *repoStub) CreateUser(ctx context.Context, user User) (User, error) {
	if r.createUser != nil {
		return r.createUser(ctx, user)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return user, nil
}

func (r *repoStub) UpdateUserLogin(ctx context.Context, email string, login LoginUpdate) error {
	if r.updateUserLogin != nil {
		return r.updateUserLogin(ctx, email, login)
	}
	return nil
}

func (r *repoStub) SetResetToken(ctx context.Context, email, token string, expiry time.Time) error {
	if r.setResetToken != nil {
		return r.setResetToken(ctx, email, token, expiry)
	}
	return nil
}

func (r *repoStub) RedeemResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) error {
	if r.redeemResetToken != nil {
		return r.redeemResetToken(ctx, email, token, passwordHash, now)
	}
	return nil
}

type providerStub struct {
	name     Provider
	exchange func(ctx context.Context, code string) (string, error)
	profile  func(ctx context.Context, accessToken string) (*Profile, error)
}

func (p *providerStub) Name() Provider { return p.name }

func (p *providerStub) AuthURL(state string) string {
	return "https://idp.test/authorize?state=" + url.QueryEscape(state)
}

func (p *providerStub) Exchange(ctx context.Context, code string) (string, error) {
	if p.exchange != nil {
		return p.exchange(ctx, code)
	}
	return "access-" + code, nil
}

func (p *providerStub) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	if p.profile != nil {
		return p.profile(ctx, accessToken)
	}
	return nil, errors.New("no profile configured")
}

func staticProfile(name Provider, profile Profile) *providerStub {
	return &providerStub{
		name: name,
		profile: func(ctx context.Context, accessToken string) (*Profile, error) {
			p := profile
			return &p, nil
		},
	}
}

type notifierStub struct {
	mu       sync.Mutex
	welcomes []string
	resets   []string
	err      error
}

func (n *notifierStub) NotifyWelcome(ctx context.Context, email, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, email)
	return n.err
}

func (n *notifierStub) NotifyPasswordReset(ctx context.Context, email, resetLink string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, resetLink)
	return n.err
}

type recorderStub struct {
	noopRecorder
	mu             sync.Mutex
	races          int
	notifyFailures int
}

func (r *recorderStub) RecordIdentityRace(string) {
	r.mu.Lock()
	r.races++
	r.mu.Unlock()
}

func (r *recorderStub) RecordNotifyFailure(string) {
	r.mu.Lock()
	r.notifyFailures++
	r.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, repo Repository, clock *testClock, opts ...Option) *Service {
	t.Helper()

	tokens, err := NewTokenCodec([]byte("test-secret-test-secret-test-secret"), WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	base := []Option{
		WithHasher(NewBcryptHasher(bcrypt.MinCost)),
		WithClock(clock.Now),
		WithResetURL("https://app.test/reset-password"),
	}
	return NewService(repo, tokens, NewSessionIssuer(tokens, false), append(base, opts...)...)
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("failed to parse reset link: %v", err)
	}
	token := parsed.Query().Get("token")
	if token == "" {
		t.Fatalf("reset link %q has no token", link)
	}
	return token
}

func TestServiceSignUpCreatesIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	svc := newTestService(t, repo, newTestClock(), WithNotifier(notifier))

	result, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ann", Email: " Ann@Example.com ", Password: "s3cret!"})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if !result.NewAccount {
		t.Fatal("expected a new account")
	}
	if result.User.Email != "ann@example.com" || result.User.Provider != ProviderEmail {
		t.Fatalf("unexpected user: %+v", result.User)
	}
	if result.User.PasswordHash == "" || result.User.PasswordHash == "s3cret!" {
		t.Fatal("expected password to be stored as a digest")
	}
	if result.Session.Token == "" || result.Session.Cookie == nil {
		t.Fatal("expected session token and cookie")
	}
	if len(notifier.welcomes) != 1 {
		t.Fatalf("expected one welcome notification, got %d", len(notifier.welcomes))
	}

	if _, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ann", Email: "ANN@example.com", Password: "other-pass"}); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
	// The duplicate is reported even when the rest of the form is invalid.
	if _, err := svc.SignUp(context.Background(), SignUpInput{Email: "ann@example.com", Password: "123"}); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists for weak duplicate, got %v", err)
	}
}

func TestServiceSignUpValidation(t *testing.T) {
	svc := newTestService(t, NewInMemoryRepository(), newTestClock())

	tests := []struct {
		name  string
		input SignUpInput
		want  error
	}{
		{"missing name", SignUpInput{Email: "a@example.com", Password: "secret1"}, ErrMissingFields},
		{"missing email", SignUpInput{Name: "A", Password: "secret1"}, ErrMissingFields},
		{"missing password", SignUpInput{Name: "A", Email: "a@example.com"}, ErrMissingFields},
		{"short password", SignUpInput{Name: "A", Email: "a@example.com", Password: "12345"}, ErrWeakPassword},
		{"long password", SignUpInput{Name: "A", Email: "a@example.com", Password: strings.Repeat("x", 73)}, ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SignUp(context.Background(), tt.input); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestServiceSignInFailuresAreIndistinguishable(t *testing.T) {
	repo := NewInMemoryRepository(User{Email: "oauth@example.com", Name: "O", Provider: ProviderGoogle, GoogleID: "g-1"})
	svc := newTestService(t, repo, newTestClock())
	if _, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ann", Email: "ann@example.com", Password: "correct-horse"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	attempts := []SignInInput{
		{Email: "ann@example.com", Password: "wrong-horse"},
		{Email: "nobody@example.com", Password: "wrong-horse"},
		{Email: "oauth@example.com", Password: "anything"},
	}
	var messages []string
	for _, in := range attempts {
		_, err := svc.SignIn(context.Background(), in)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for %s, got %v", in.Email, err)
		}
		messages = append(messages, err.Error())
	}
	for _, msg := range messages[1:] {
		if msg != messages[0] {
			t.Fatalf("expected identical error messages, got %q", messages)
		}
	}

	if _, err := svc.SignIn(context.Background(), SignInInput{Email: "ann@example.com"}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
}

func TestServiceSignInRefreshesLastLogin(t *testing.T) {
	clock := newTestClock()
	repo := NewInMemoryRepository()
	svc := newTestService(t, repo, clock)

	if _, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ann", Email: "ann@example.com", Password: "correct-horse"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	clock.Advance(time.Hour)

	result, err := svc.SignIn(context.Background(), SignInInput{Email: "ANN@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	if result.NewAccount {
		t.Fatal("sign-in must not report a new account")
	}
	stored, _ := repo.FindUserByEmail(context.Background(), "ann@example.com")
	if !stored.LastLoginAt.Equal(clock.Now()) {
		t.Fatalf("expected last login %s, got %s", clock.Now(), stored.LastLoginAt)
	}
}

func TestServiceSignInStoreError(t *testing.T) {
	repo := &repoStub{
		findUserByEmail: func(ctx context.Context, email string) (*User, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newTestService(t, repo, newTestClock())

	_, err := svc.SignIn(context.Background(), SignInInput{Email: "a@example.com", Password: "secret1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("store failures must not look like bad credentials")
	}
}

func TestServiceCompleteOAuthCreatesIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-123", Email: "New@Example.com", AvatarURL: "https://img.test/a.png"})
	svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(google), WithNotifier(notifier))

	result, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "code", State: "google"})
	if err != nil {
		t.Fatalf("CompleteOAuth returned error: %v", err)
	}
	if !result.NewAccount {
		t.Fatal("expected a new account")
	}
	user := result.User
	if user.Email != "new@example.com" || user.Provider != ProviderGoogle || user.GoogleID != "g-123" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Name != "new" {
		t.Fatalf("expected name to fall back to email local part, got %q", user.Name)
	}
	if user.HasPassword() {
		t.Fatal("OAuth identity must not carry a password")
	}
	if len(notifier.welcomes) != 1 {
		t.Fatalf("expected one welcome notification, got %d", len(notifier.welcomes))
	}
}

func TestServiceCompleteOAuthLinksPasswordIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-1", Email: "ann@example.com", Name: "Ann G"})
	svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(google), WithNotifier(notifier))

	signedUp, err := svc.SignUp(context.Background(), SignUpInput{Name: "Ann", Email: "ann@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	result, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "code", State: "google"})
	if err != nil {
		t.Fatalf("CompleteOAuth returned error: %v", err)
	}
	if result.NewAccount {
		t.Fatal("expected an existing-identity login")
	}
	if result.User.ID != signedUp.User.ID {
		t.Fatalf("expected identity %s, got %s", signedUp.User.ID, result.User.ID)
	}

	stored, _ := repo.FindUserByEmail(context.Background(), "ann@example.com")
	if stored.PasswordHash != signedUp.User.PasswordHash {
		t.Fatal("password hash must survive OAuth login")
	}
	if stored.Provider != ProviderEmail {
		t.Fatalf("expected provider to stay email, got %q", stored.Provider)
	}
	if stored.GoogleID != "g-1" {
		t.Fatalf("expected google id to be linked, got %q", stored.GoogleID)
	}
	if len(notifier.welcomes) != 1 {
		t.Fatalf("expected only the sign-up welcome, got %d", len(notifier.welcomes))
	}

	if _, err := svc.SignIn(context.Background(), SignInInput{Email: "ann@example.com", Password: "correct-horse"}); err != nil {
		t.Fatalf("password sign-in after OAuth link failed: %v", err)
	}
}

func TestServiceCompleteOAuthAcrossProviders(t *testing.T) {
	repo := NewInMemoryRepository()
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-1", Email: "bob@example.com", Name: "Bob"})
	github := staticProfile(ProviderGitHub, Profile{SubjectID: "42", Email: "BOB@example.com", Name: "bobby"})
	svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(google), WithOAuthProvider(github))

	first, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "c1", State: "google"})
	if err != nil {
		t.Fatalf("google CompleteOAuth returned error: %v", err)
	}
	second, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGitHub, Code: "c2", State: "github"})
	if err != nil {
		t.Fatalf("github CompleteOAuth returned error: %v", err)
	}
	if first.User.ID != second.User.ID {
		t.Fatal("expected both providers to resolve to one identity")
	}

	stored, _ := repo.FindUserByEmail(context.Background(), "bob@example.com")
	if stored.Provider != ProviderGoogle {
		t.Fatalf("expected originating provider google, got %q", stored.Provider)
	}
	if stored.GoogleID != "g-1" || stored.GitHubID != "42" {
		t.Fatalf("expected both subject ids, got google=%q github=%q", stored.GoogleID, stored.GitHubID)
	}
}

func TestServiceCompleteOAuthIsIdempotent(t *testing.T) {
	clock := newTestClock()
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-1", Email: "c@example.com", Name: "C"})
	svc := newTestService(t, repo, clock, WithOAuthProvider(google), WithNotifier(notifier))

	first, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"})
	if err != nil {
		t.Fatalf("CompleteOAuth returned error: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"})
	if err != nil {
		t.Fatalf("CompleteOAuth returned error: %v", err)
	}

	if first.User.ID != second.User.ID || second.NewAccount {
		t.Fatal("expected the second login to reuse the identity")
	}
	if !second.User.LastLoginAt.Equal(clock.Now()) {
		t.Fatalf("expected last login to advance, got %s", second.User.LastLoginAt)
	}
	if len(notifier.welcomes) != 1 {
		t.Fatalf("expected one welcome notification, got %d", len(notifier.welcomes))
	}
}

func TestServiceCompleteOAuthErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider *providerStub
		callback OAuthCallback
		want     error
	}{
		{
			name:     "state mismatch",
			provider: staticProfile(ProviderGoogle, Profile{Email: "a@example.com"}),
			callback: OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "github"},
			want:     ErrOAuthStateMismatch,
		},
		{
			name:     "unsupported provider",
			provider: staticProfile(ProviderGoogle, Profile{Email: "a@example.com"}),
			callback: OAuthCallback{Provider: ProviderGitHub, Code: "c", State: "github"},
			want:     ErrUnsupportedProvider,
		},
		{
			name: "exchange failure",
			provider: &providerStub{name: ProviderGoogle, exchange: func(ctx context.Context, code string) (string, error) {
				return "", errors.New("invalid_grant")
			}},
			callback: OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"},
			want:     ErrOAuthTokenExchangeFailed,
		},
		{
			name: "empty access token",
			provider: &providerStub{name: ProviderGoogle, exchange: func(ctx context.Context, code string) (string, error) {
				return "", nil
			}},
			callback: OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"},
			want:     ErrOAuthTokenExchangeFailed,
		},
		{
			name: "profile failure",
			provider: &providerStub{name: ProviderGitHub, profile: func(ctx context.Context, accessToken string) (*Profile, error) {
				return nil, errors.New("503")
			}},
			callback: OAuthCallback{Provider: ProviderGitHub, Code: "c", State: "github"},
			want:     ErrOAuthProfileFetchFailed,
		},
		{
			name:     "missing email",
			provider: staticProfile(ProviderGitHub, Profile{SubjectID: "7", Name: "no-mail"}),
			callback: OAuthCallback{Provider: ProviderGitHub, Code: "c", State: "github"},
			want:     ErrOAuthEmailRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewInMemoryRepository()
			svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(tt.provider))

			_, err := svc.CompleteOAuth(context.Background(), tt.callback)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if u, _ := repo.FindUserByEmail(context.Background(), "a@example.com"); u != nil {
				t.Fatal("expected no identity to be created")
			}
		})
	}
}

func TestServiceCompleteOAuthTimeout(t *testing.T) {
	slow := &providerStub{name: ProviderGoogle, exchange: func(ctx context.Context, code string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := newTestService(t, NewInMemoryRepository(), newTestClock(), WithOAuthProvider(slow), WithOAuthTimeout(10*time.Millisecond))

	_, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"})
	if !errors.Is(err, ErrOAuthTokenExchangeFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected exchange failure from deadline, got %v", err)
	}
}

func TestServiceCompleteOAuthRecoversFromCreateRace(t *testing.T) {
	winner := &User{ID: uuid.New(), Email: "race@example.com", Name: "Winner", Provider: ProviderGitHub, GitHubID: "9"}
	var lookups int
	var updated LoginUpdate
	repo := &repoStub{
		findUserByEmail: func(ctx context.Context, email string) (*User, error) {
			lookups++
			if lookups == 1 {
				return nil, nil
			}
			clone := *winner
			return &clone, nil
		},
		createUser: func(ctx context.Context, user User) (User, error) {
			return User{}, ErrEmailTaken
		},
		updateUserLogin: func(ctx context.Context, email string, login LoginUpdate) error {
			updated = login
			return nil
		},
	}
	recorder := &recorderStub{}
	notifier := &notifierStub{}
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-9", Email: "race@example.com", Name: "Racer"})
	svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(google), WithRecorder(recorder), WithNotifier(notifier))

	result, err := svc.CompleteOAuth(context.Background(), OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"})
	if err != nil {
		t.Fatalf("CompleteOAuth returned error: %v", err)
	}
	if result.User.ID != winner.ID || result.NewAccount {
		t.Fatalf("expected winner identity as a login, got %+v", result)
	}
	if updated.SubjectID != "g-9" || updated.Provider != ProviderGoogle {
		t.Fatalf("expected login refresh with google subject, got %+v", updated)
	}
	if recorder.races != 1 {
		t.Fatalf("expected one recorded race, got %d", recorder.races)
	}
	if len(notifier.welcomes) != 0 {
		t.Fatal("race loser must not send a welcome")
	}
}

func TestServiceSignUpRecoversFromCreateRace(t *testing.T) {
	digest, err := NewBcryptHasher(bcrypt.MinCost).Hash("race-pass")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	otherDigest, err := NewBcryptHasher(bcrypt.MinCost).Hash("someone-else")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}

	tests := []struct {
		name    string
		winner  User
		wantErr error
	}{
		{"same password signs in", User{PasswordHash: digest, Provider: ProviderEmail}, nil},
		{"different password", User{PasswordHash: otherDigest, Provider: ProviderEmail}, ErrEmailAlreadyExists},
		{"oauth winner without password", User{Provider: ProviderGoogle, GoogleID: "g-1"}, ErrEmailAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner := tt.winner
			winner.ID = uuid.New()
			winner.Email = "race@example.com"
			winner.Name = "Winner"

			lookups := 0
			logins := 0
			repo := &repoStub{
				findUserByEmail: func(ctx context.Context, email string) (*User, error) {
					lookups++
					if lookups == 1 {
						return nil, nil
					}
					clone := winner
					return &clone, nil
				},
				createUser: func(ctx context.Context, user User) (User, error) {
					return User{}, ErrEmailTaken
				},
				updateUserLogin: func(ctx context.Context, email string, login LoginUpdate) error {
					logins++
					return nil
				},
			}
			recorder := &recorderStub{}
			notifier := &notifierStub{}
			svc := newTestService(t, repo, newTestClock(), WithRecorder(recorder), WithNotifier(notifier))

			result, err := svc.SignUp(context.Background(), SignUpInput{Name: "Loser", Email: "race@example.com", Password: "race-pass"})

			if recorder.races != 1 {
				t.Fatalf("expected one recorded race, got %d", recorder.races)
			}
			if lookups != 2 {
				t.Fatalf("expected a re-read after the conflict, got %d lookups", lookups)
			}
			if len(notifier.welcomes) != 0 {
				t.Fatal("race loser must not send a welcome")
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if logins != 0 {
					t.Fatal("rejected sign-up must not refresh the winner's login")
				}
				return
			}
			if err != nil {
				t.Fatalf("SignUp returned error: %v", err)
			}
			if result.User.ID != winner.ID || result.NewAccount {
				t.Fatalf("expected winner identity as a login, got %+v", result)
			}
			if logins != 1 || result.Session.Token == "" {
				t.Fatalf("expected one login refresh and a session, got %d refreshes", logins)
			}
		})
	}
}

func TestServiceConcurrentOAuthCreatesOneIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	google := staticProfile(ProviderGoogle, Profile{SubjectID: "g-1", Email: "dup@example.com", Name: "Dup"})
	github := staticProfile(ProviderGitHub, Profile{SubjectID: "1", Email: "dup@example.com", Name: "dup"})
	svc := newTestService(t, repo, newTestClock(), WithOAuthProvider(google), WithOAuthProvider(github))

	const workers = 16
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb := OAuthCallback{Provider: ProviderGoogle, Code: "c", State: "google"}
			if i%2 == 1 {
				cb = OAuthCallback{Provider: ProviderGitHub, Code: "c", State: "github"}
			}
			result, err := svc.CompleteOAuth(context.Background(), cb)
			errs[i] = err
			if err == nil {
				ids[i] = result.User.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d resolved to %s, want %s", i, ids[i], ids[0])
		}
	}
	stored, _ := repo.FindUserByEmail(context.Background(), "dup@example.com")
	if stored == nil || stored.ID != ids[0] {
		t.Fatal("expected the single stored identity to match every session")
	}
}

func TestServiceConcurrentSignUpCreatesOneIdentity(t *testing.T) {
	repo := NewInMemoryRepository()
	svc := newTestService(t, repo, newTestClock())

	const workers = 8
	var created, loggedIn, rejected int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.SignUp(context.Background(), SignUpInput{Name: "Eve", Email: "eve@example.com", Password: "same-password"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && result.NewAccount:
				created++
			case err == nil:
				loggedIn++
			case errors.Is(err, ErrEmailAlreadyExists):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one created identity, got %d (logins=%d rejected=%d)", created, loggedIn, rejected)
	}
}

func TestServiceNotifierFailureDoesNotFailSignUp(t *testing.T) {
	recorder := &recorderStub{}
	notifier := &notifierStub{err: errors.New("smtp down")}
	svc := newTestService(t, NewInMemoryRepository(), newTestClock(), WithNotifier(notifier), WithRecorder(recorder))

	if _, err := svc.SignUp(context.Background(), SignUpInput{Name: "F", Email: "f@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if recorder.notifyFailures != 1 {
		t.Fatalf("expected one notify failure, got %d", recorder.notifyFailures)
	}
}

func TestServiceRequestPasswordResetUnknownEmail(t *testing.T) {
	var stored bool
	repo := &repoStub{
		setResetToken: func(ctx context.Context, email, token string, expiry time.Time) error {
			stored = true
			return nil
		},
	}
	notifier := &notifierStub{}
	svc := newTestService(t, repo, newTestClock(), WithNotifier(notifier))

	if err := svc.RequestPasswordReset(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	if stored || len(notifier.resets) != 0 {
		t.Fatal("unknown email must not produce a reset token")
	}
}

func TestServicePasswordResetFlow(t *testing.T) {
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	svc := newTestService(t, repo, newTestClock(), WithNotifier(notifier))
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpInput{Name: "G", Email: "g@example.com", Password: "old-password"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if err := svc.RequestPasswordReset(ctx, "G@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	if len(notifier.resets) != 1 {
		t.Fatalf("expected one reset notification, got %d", len(notifier.resets))
	}
	link := notifier.resets[0]
	if !strings.HasPrefix(link, "https://app.test/reset-password?token=") {
		t.Fatalf("unexpected reset link %q", link)
	}
	token := tokenFromLink(t, link)

	if err := svc.ResetPassword(ctx, token, "new-password"); err != nil {
		t.Fatalf("ResetPassword returned error: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInInput{Email: "g@example.com", Password: "old-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to fail, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInInput{Email: "g@example.com", Password: "new-password"}); err != nil {
		t.Fatalf("expected new password to work, got %v", err)
	}
	if err := svc.ResetPassword(ctx, token, "third-password"); !errors.Is(err, ErrResetTokenInvalidOrExpired) {
		t.Fatalf("expected reused token to fail, got %v", err)
	}
}

func TestServiceResetTokenExpiryBoundary(t *testing.T) {
	clock := newTestClock()
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	svc := newTestService(t, repo, clock, WithNotifier(notifier))
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpInput{Name: "H", Email: "h@example.com", Password: "old-password"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	if err := svc.RequestPasswordReset(ctx, "h@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	clock.Advance(ResetTTL)
	if err := svc.ResetPassword(ctx, tokenFromLink(t, notifier.resets[0]), "at-the-boundary"); err != nil {
		t.Fatalf("expected token to be valid at expiry, got %v", err)
	}

	if err := svc.RequestPasswordReset(ctx, "h@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	clock.Advance(ResetTTL + time.Second)
	if err := svc.ResetPassword(ctx, tokenFromLink(t, notifier.resets[1]), "past-the-boundary"); !errors.Is(err, ErrResetTokenInvalidOrExpired) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestServiceResetTokenExpiryWithSubSecondIssue(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{"just before expiry", ResetTTL - 100*time.Millisecond, nil},
		{"exactly at expiry", ResetTTL, nil},
		{"just after expiry", ResetTTL + 100*time.Millisecond, ErrResetTokenInvalidOrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			clock.Advance(500 * time.Millisecond)
			notifier := &notifierStub{}
			svc := newTestService(t, NewInMemoryRepository(), clock, WithNotifier(notifier))
			ctx := context.Background()

			if _, err := svc.SignUp(ctx, SignUpInput{Name: "H", Email: "h@example.com", Password: "old-password"}); err != nil {
				t.Fatalf("SignUp returned error: %v", err)
			}
			if err := svc.RequestPasswordReset(ctx, "h@example.com"); err != nil {
				t.Fatalf("RequestPasswordReset returned error: %v", err)
			}

			clock.Advance(tt.advance)
			err := svc.ResetPassword(ctx, tokenFromLink(t, notifier.resets[0]), "new-password")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected reset to succeed, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServiceResetPasswordGivesOAuthIdentityAPassword(t *testing.T) {
	repo := NewInMemoryRepository(User{Email: "oauth@example.com", Name: "O", Provider: ProviderGitHub, GitHubID: "5"})
	notifier := &notifierStub{}
	svc := newTestService(t, repo, newTestClock(), WithNotifier(notifier))
	ctx := context.Background()

	if err := svc.RequestPasswordReset(ctx, "oauth@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	if err := svc.ResetPassword(ctx, tokenFromLink(t, notifier.resets[0]), "brand-new"); err != nil {
		t.Fatalf("ResetPassword returned error: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInInput{Email: "oauth@example.com", Password: "brand-new"}); err != nil {
		t.Fatalf("expected password sign-in to work, got %v", err)
	}
	stored, _ := repo.FindUserByEmail(ctx, "oauth@example.com")
	if stored.Provider != ProviderGitHub {
		t.Fatalf("expected provider to stay github, got %q", stored.Provider)
	}
}

func TestServiceResetPasswordRejectsBadInput(t *testing.T) {
	svc := newTestService(t, NewInMemoryRepository(), newTestClock())

	if err := svc.ResetPassword(context.Background(), "not-a-token", "long-enough"); !errors.Is(err, ErrResetTokenInvalidOrExpired) {
		t.Fatalf("expected ErrResetTokenInvalidOrExpired, got %v", err)
	}
	if err := svc.ResetPassword(context.Background(), "token", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestServiceAuthenticate(t *testing.T) {
	clock := newTestClock()
	repo := NewInMemoryRepository()
	notifier := &notifierStub{}
	svc := newTestService(t, repo, clock, WithNotifier(notifier))
	ctx := context.Background()

	result, err := svc.SignUp(ctx, SignUpInput{Name: "I", Email: "i@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	user, err := svc.Authenticate(ctx, result.Session.Token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if user.ID != result.User.ID || user.Email != "i@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if err := svc.RequestPasswordReset(ctx, "i@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset returned error: %v", err)
	}
	if _, err := svc.Authenticate(ctx, tokenFromLink(t, notifier.resets[0])); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected reset token to be rejected as a session, got %v", err)
	}

	clock.Advance(SessionTTL + time.Second)
	if _, err := svc.Authenticate(ctx, result.Session.Token); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected expired session to fail, got %v", err)
	}
}

func TestServiceAuthenticateUnknownUser(t *testing.T) {
	clock := newTestClock()
	svc := newTestService(t, &repoStub{}, clock)

	session, err := svc.sessions.Issue(&User{ID: uuid.New(), Email: "gone@example.com"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), session.Token); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken, got %v", err)
	}
}

func TestServiceAuthURL(t *testing.T) {
	google := staticProfile(ProviderGoogle, Profile{})
	svc := newTestService(t, &repoStub{}, newTestClock(), WithOAuthProvider(google))

	authURL, err := svc.AuthURL(ProviderGoogle, "state-1")
	if err != nil {
		t.Fatalf("AuthURL returned error: %v", err)
	}
	if !strings.Contains(authURL, "state=state-1") {
		t.Fatalf("expected state in auth URL, got %q", authURL)
	}
	if _, err := svc.AuthURL(ProviderGitHub, "state-1"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if got := svc.Providers(); len(got) != 1 || got[0] != ProviderGoogle {
		t.Fatalf("unexpected providers %v", got)
	}
}
