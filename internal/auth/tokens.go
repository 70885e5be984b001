package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionTTL is the lifetime of a session token and its cookie.
	SessionTTL = 7 * 24 * time.Hour
	// ResetTTL is the lifetime of a password reset token.
	ResetTTL = time.Hour

	purposeSession = "session"
	purposeReset   = "reset"

	defaultIssuer = "unifiedauth"
)

// Claims is the verified content of a session or reset token.
type Claims struct {
	UserID    uuid.UUID
	Email     string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

// TokenCodec signs and verifies HS256 tokens with a symmetric secret.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenCodec.
type TokenOption func(*TokenCodec)

// WithTokenClock overrides the clock used for issuing and validating tokens.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// NewTokenCodec builds a codec. There is no default secret.
func NewTokenCodec(secret []byte, opts ...TokenOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token codec: signing secret is required")
	}

	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IssueSession signs a session token valid for SessionTTL.
func (c *TokenCodec) IssueSession(userID uuid.UUID, email string) (string, time.Time, error) {
	return c.issue(userID, email, purposeSession, SessionTTL)
}

// IssueReset signs a password reset token valid for ResetTTL.
func (c *TokenCodec) IssueReset(userID uuid.UUID, email string) (string, time.Time, error) {
	return c.issue(userID, email, purposeReset, ResetTTL)
}

// VerifySession validates a session token. Reset tokens are rejected.
func (c *TokenCodec) VerifySession(token string) (*Claims, error) {
	return c.verify(token, purposeSession)
}

// VerifyReset validates a reset token. Session tokens are rejected.
func (c *TokenCodec) VerifyReset(token string) (*Claims, error) {
	return c.verify(token, purposeReset)
}

func (c *TokenCodec) issue(userID uuid.UUID, email, purpose string, ttl time.Duration) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(ttl)

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:  userID.String(),
		Email:   email,
		Purpose: purpose,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	// exp is whole seconds; callers get the exact expiry so a stored copy does not end early.
	return signed, expiresAt, nil
}

// verify accepts a token through the second its exp claim names, hence the one-second leeway.
func (c *TokenCodec) verify(token, purpose string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Second),
		jwt.WithTimeFunc(c.now),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return nil, ErrInvalidOrExpiredToken
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Purpose != purpose {
		return nil, ErrInvalidOrExpiredToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil || claims.Email == "" {
		return nil, ErrInvalidOrExpiredToken
	}

	return &Claims{
		UserID:    userID,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
