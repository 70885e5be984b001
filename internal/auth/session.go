package auth

import (
	"fmt"
	"net/http"
	"time"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "auth-token"

// Session is an issued session token together with the cookie that carries it.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Cookie    *http.Cookie
}

// SessionIssuer turns a resolved identity into a signed session and its cookie.
type SessionIssuer struct {
	tokens *TokenCodec
	secure bool
}

// NewSessionIssuer creates a SessionIssuer. secure sets the cookie's Secure flag and
// should be true in production.
func NewSessionIssuer(tokens *TokenCodec, secure bool) *SessionIssuer {
	return &SessionIssuer{tokens: tokens, secure: secure}
}

// Issue signs a session token for user.
func (i *SessionIssuer) Issue(user *User) (Session, error) {
	token, expiresAt, err := i.tokens.IssueSession(user.ID, user.Email)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}

	return Session{
		Token:     token,
		ExpiresAt: expiresAt,
		Cookie:    i.cookie(token, int(SessionTTL.Seconds())),
	}, nil
}

// ClearCookie returns a cookie that removes the session from the browser.
func (i *SessionIssuer) ClearCookie() *http.Cookie {
	c := i.cookie("", -1)
	c.Expires = time.Unix(0, 0)
	return c
}

func (i *SessionIssuer) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   i.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	}
}
