package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultOAuthTimeout  = 10 * time.Second
	defaultNotifyTimeout = 5 * time.Second

	flowSignIn       = "password_signin"
	flowSignUp       = "password_signup"
	flowOAuth        = "oauth"
	flowResetRequest = "reset_request"
	flowResetRedeem  = "reset_redeem"
)

// Service resolves credential events to a single identity per email and issues sessions.
type Service struct {
	repo      Repository
	tokens    *TokenCodec
	sessions  *SessionIssuer
	hasher    PasswordHasher
	providers map[Provider]OAuthProvider
	notifier  Notifier
	metrics   Recorder
	logger    *slog.Logger
	now       func() time.Time

	resetURL      string
	oauthTimeout  time.Duration
	notifyTimeout time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// Option configures the Service during construction.
type Option func(*Service)

// WithHasher overrides the bcrypt hasher at DefaultBcryptCost.
func WithHasher(h PasswordHasher) Option {
	return func(s *Service) {
		s.hasher = h
	}
}

// WithOAuthProvider enables an OAuth provider.
func WithOAuthProvider(p OAuthProvider) Option {
	return func(s *Service) {
		s.providers[p.Name()] = p
	}
}

// WithNotifier sets the welcome and reset notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithResetURL sets the page reset links point at; the token is appended as ?token=.
func WithResetURL(resetURL string) Option {
	return func(s *Service) {
		s.resetURL = resetURL
	}
}

// WithOAuthTimeout bounds the code exchange and profile fetch together.
func WithOAuthTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.oauthTimeout = d
		}
	}
}

// NewService creates a new auth Service.
func NewService(repo Repository, tokens *TokenCodec, sessions *SessionIssuer, opts ...Option) *Service {
	svc := &Service{
		repo:          repo,
		tokens:        tokens,
		sessions:      sessions,
		providers:     make(map[Provider]OAuthProvider),
		metrics:       noopRecorder{},
		logger:        slog.Default(),
		now:           time.Now,
		oauthTimeout:  defaultOAuthTimeout,
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.hasher == nil {
		svc.hasher = NewBcryptHasher(DefaultBcryptCost)
	}
	return svc
}

// AuthResult is the outcome of a successful credential event.
type AuthResult struct {
	User       *User
	Session    Session
	NewAccount bool
}

// SignInInput carries a password sign-in form.
type SignInInput struct {
	Email    string
	Password string
}

// SignIn verifies a local password. Unknown emails, OAuth-only identities and wrong
// passwords all yield ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, in SignInInput) (*AuthResult, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, s.fail(flowSignIn, ErrMissingFields)
	}

	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, s.fail(flowSignIn, storeError("find user", err))
	}

	if user == nil || !user.HasPassword() {
		// Spend the same bcrypt work as a real comparison.
		s.hasher.Verify(in.Password, s.dummyDigest())
		return nil, s.fail(flowSignIn, ErrInvalidCredentials)
	}
	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		return nil, s.fail(flowSignIn, ErrInvalidCredentials)
	}

	result, err := s.login(ctx, user, LoginUpdate{At: s.now()}, false)
	if err != nil {
		return nil, s.fail(flowSignIn, err)
	}
	s.metrics.RecordAttempt(flowSignIn, "success")
	return result, nil
}

// SignUpInput carries a password sign-up form.
type SignUpInput struct {
	Name     string
	Email    string
	Password string
}

// SignUp creates a password identity. If a concurrent request created the same email
// first and the password matches it, the call completes as a sign-in instead.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*AuthResult, error) {
	name := NormalizeName(in.Name)
	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, s.fail(flowSignUp, ErrMissingFields)
	}

	// A registered email is reported before the rest of the form is judged.
	existing, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, s.fail(flowSignUp, storeError("find user", err))
	}
	if existing != nil {
		return nil, s.fail(flowSignUp, ErrEmailAlreadyExists)
	}

	if name == "" || in.Password == "" {
		return nil, s.fail(flowSignUp, ErrMissingFields)
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, s.fail(flowSignUp, err)
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooLong) {
			return nil, s.fail(flowSignUp, err)
		}
		return nil, s.fail(flowSignUp, fmt.Errorf("hash password: %w", err))
	}

	now := s.now()
	created, err := s.repo.CreateUser(ctx, User{
		Email:        email,
		Name:         name,
		PasswordHash: digest,
		Provider:     ProviderEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastLoginAt:  now,
	})
	if errors.Is(err, ErrEmailTaken) {
		return s.recoverSignUpRace(ctx, email, in.Password)
	}
	if err != nil {
		return nil, s.fail(flowSignUp, storeError("create user", err))
	}

	s.metrics.RecordIdentityCreated(string(ProviderEmail))
	s.notifyWelcome(ctx, created.Email, created.Name)

	result, err := s.issue(&created, true)
	if err != nil {
		return nil, s.fail(flowSignUp, err)
	}
	s.metrics.RecordAttempt(flowSignUp, "success")
	return result, nil
}

func (s *Service) recoverSignUpRace(ctx context.Context, email, password string) (*AuthResult, error) {
	s.metrics.RecordIdentityRace(flowSignUp)

	winner, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, s.fail(flowSignUp, storeError("re-read user", err))
	}
	if winner == nil || !winner.HasPassword() || !s.hasher.Verify(password, winner.PasswordHash) {
		return nil, s.fail(flowSignUp, ErrEmailAlreadyExists)
	}

	s.logger.Info("concurrent sign-up resolved to existing identity", "user_id", winner.ID)
	result, err := s.login(ctx, winner, LoginUpdate{At: s.now()}, false)
	if err != nil {
		return nil, s.fail(flowSignUp, err)
	}
	s.metrics.RecordAttempt(flowSignUp, "success")
	return result, nil
}

// OAuthCallback is the inbound event of an OAuth redirect.
type OAuthCallback struct {
	Provider Provider
	Code     string
	State    string
}

// CompleteOAuth exchanges the code, fetches the profile and resolves it to the identity
// registered under the profile's email, creating one when none exists.
func (s *Service) CompleteOAuth(ctx context.Context, cb OAuthCallback) (*AuthResult, error) {
	provider, ok := s.providers[cb.Provider]
	if !ok {
		return nil, s.fail(flowOAuth, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cb.Provider))
	}
	if cb.State != string(cb.Provider) {
		return nil, s.fail(flowOAuth, ErrOAuthStateMismatch)
	}

	profile, err := s.fetchProfile(ctx, provider, cb.Code)
	if err != nil {
		return nil, s.fail(flowOAuth, err)
	}

	user, created, err := s.resolveProfile(ctx, profile)
	if err != nil {
		return nil, s.fail(flowOAuth, err)
	}

	if created {
		s.metrics.RecordIdentityCreated(string(profile.Provider))
		s.notifyWelcome(ctx, user.Email, user.Name)
	}

	result, err := s.issue(user, created)
	if err != nil {
		return nil, s.fail(flowOAuth, err)
	}
	s.metrics.RecordAttempt(flowOAuth, "success")
	return result, nil
}

func (s *Service) fetchProfile(ctx context.Context, provider OAuthProvider, code string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.oauthTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		s.metrics.RecordOAuthDuration(string(provider.Name()), time.Since(start))
	}()

	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrOAuthTokenExchangeFailed)
	}

	accessToken, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOAuthTokenExchangeFailed, err)
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrOAuthTokenExchangeFailed)
	}

	profile, err := provider.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOAuthProfileFetchFailed, err)
	}

	profile.Provider = provider.Name()
	profile.Email = NormalizeEmail(profile.Email)
	if profile.Email == "" {
		return nil, ErrOAuthEmailRequired
	}
	profile.Name = NormalizeName(profile.Name)
	if profile.Name == "" {
		profile.Name = fallbackName(profile.Email)
	}
	return profile, nil
}

// resolveProfile links by email: an existing identity only has its login metadata
// merged in, never its password hash or originating provider.
func (s *Service) resolveProfile(ctx context.Context, profile *Profile) (*User, bool, error) {
	update := LoginUpdate{
		At:        s.now(),
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
		Provider:  profile.Provider,
		SubjectID: profile.SubjectID,
	}

	existing, err := s.repo.FindUserByEmail(ctx, profile.Email)
	if err != nil {
		return nil, false, storeError("find user", err)
	}
	if existing != nil {
		if err := s.refreshLogin(ctx, existing, update); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	newUser := User{
		Email:       profile.Email,
		Name:        profile.Name,
		Provider:    profile.Provider,
		AvatarURL:   profile.AvatarURL,
		CreatedAt:   update.At,
		UpdatedAt:   update.At,
		LastLoginAt: update.At,
	}
	switch profile.Provider {
	case ProviderGoogle:
		newUser.GoogleID = profile.SubjectID
	case ProviderGitHub:
		newUser.GitHubID = profile.SubjectID
	}

	created, err := s.repo.CreateUser(ctx, newUser)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, ErrEmailTaken) {
		return nil, false, storeError("create user", err)
	}

	// Another request created this email between our read and insert.
	s.metrics.RecordIdentityRace(flowOAuth)
	winner, err := s.repo.FindUserByEmail(ctx, profile.Email)
	if err != nil {
		return nil, false, storeError("re-read user", err)
	}
	if winner == nil {
		return nil, false, storeError("re-read user", errors.New("identity vanished after uniqueness conflict"))
	}
	s.logger.Info("concurrent oauth sign-up resolved to existing identity", "user_id", winner.ID, "provider", profile.Provider)

	if err := s.refreshLogin(ctx, winner, update); err != nil {
		return nil, false, err
	}
	return winner, false, nil
}

// RequestPasswordReset issues a reset token for a registered email. Unknown emails
// succeed without any state change.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return s.fail(flowResetRequest, ErrMissingFields)
	}

	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		return s.fail(flowResetRequest, storeError("find user", err))
	}
	if user == nil {
		s.metrics.RecordAttempt(flowResetRequest, "unknown_email")
		return nil
	}

	token, expiry, err := s.tokens.IssueReset(user.ID, user.Email)
	if err != nil {
		return s.fail(flowResetRequest, err)
	}
	if err := s.repo.SetResetToken(ctx, user.Email, token, expiry); err != nil {
		return s.fail(flowResetRequest, storeError("store reset token", err))
	}

	link := s.resetLink(token)
	s.dispatch(ctx, "password_reset", func(ctx context.Context) error {
		return s.notifier.NotifyPasswordReset(ctx, user.Email, link)
	})

	s.metrics.RecordAttempt(flowResetRequest, "success")
	return nil
}

// ResetPassword redeems a reset token exactly once and sets a new password.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" || newPassword == "" {
		return s.fail(flowResetRedeem, ErrMissingFields)
	}
	if err := validatePassword(newPassword); err != nil {
		return s.fail(flowResetRedeem, err)
	}

	claims, err := s.tokens.VerifyReset(token)
	if err != nil {
		return s.fail(flowResetRedeem, ErrResetTokenInvalidOrExpired)
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.fail(flowResetRedeem, fmt.Errorf("hash password: %w", err))
	}

	if err := s.repo.RedeemResetToken(ctx, claims.Email, token, digest, s.now()); err != nil {
		if errors.Is(err, ErrResetTokenInvalidOrExpired) {
			return s.fail(flowResetRedeem, err)
		}
		return s.fail(flowResetRedeem, storeError("redeem reset token", err))
	}

	s.metrics.RecordAttempt(flowResetRedeem, "success")
	return nil
}

// Authenticate resolves a session token to its identity.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredToken
	}
	claims, err := s.tokens.VerifySession(token)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.FindUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, storeError("find user", err)
	}
	if user == nil {
		return nil, ErrInvalidOrExpiredToken
	}
	return user, nil
}

// AuthURL returns the consent URL of an enabled provider.
func (s *Service) AuthURL(provider Provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return p.AuthURL(state), nil
}

// Providers lists the enabled OAuth providers in name order.
func (s *Service) Providers() []Provider {
	out := make([]Provider, 0, len(s.providers))
	for p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) login(ctx context.Context, user *User, update LoginUpdate, created bool) (*AuthResult, error) {
	if err := s.refreshLogin(ctx, user, update); err != nil {
		return nil, err
	}
	return s.issue(user, created)
}

func (s *Service) refreshLogin(ctx context.Context, user *User, update LoginUpdate) error {
	if err := s.repo.UpdateUserLogin(ctx, user.Email, update); err != nil {
		return storeError("update last login", err)
	}
	user.applyLogin(update)
	return nil
}

func (s *Service) issue(user *User, created bool) (*AuthResult, error) {
	session, err := s.sessions.Issue(user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Session: session, NewAccount: created}, nil
}

func (s *Service) notifyWelcome(ctx context.Context, email, name string) {
	s.dispatch(ctx, "welcome", func(ctx context.Context) error {
		return s.notifier.NotifyWelcome(ctx, email, name)
	})
}

// dispatch runs a best-effort notification detached from the request's cancellation.
func (s *Service) dispatch(ctx context.Context, kind string, send func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	if err := send(ctx); err != nil {
		s.metrics.RecordNotifyFailure(kind)
		s.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}

func (s *Service) resetLink(token string) string {
	base := s.resetURL
	if base == "" {
		base = "/reset-password"
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

func (s *Service) dummyDigest() string {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash("unifiedauth-timing-equalizer")
		if err == nil {
			s.dummyHash = digest
		}
	})
	return s.dummyHash
}

// fail records the failure outcome and returns err unchanged.
func (s *Service) fail(flow string, err error) error {
	s.metrics.RecordAttempt(flow, outcome(err))
	if errors.Is(err, ErrStoreUnavailable) {
		s.logger.Error("credential store failure", "flow", flow, "error", err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrEmailAlreadyExists):
		return "email_exists"
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrPasswordTooLong):
		return "weak_password"
	case errors.Is(err, ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, ErrOAuthStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrOAuthTokenExchangeFailed):
		return "token_exchange_failed"
	case errors.Is(err, ErrOAuthProfileFetchFailed):
		return "profile_fetch_failed"
	case errors.Is(err, ErrOAuthEmailRequired):
		return "email_required"
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported_provider"
	case errors.Is(err, ErrResetTokenInvalidOrExpired):
		return "invalid_reset_token"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
