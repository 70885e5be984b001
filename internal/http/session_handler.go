package http

import (
	"net/http"

	"unifiedauth/internal/auth"
)

// SessionHandler reports and ends browser sessions.
type SessionHandler struct {
	sessions *auth.SessionIssuer
}

// NewSessionHandler returns a SessionHandler.
func NewSessionHandler(sessions *auth.SessionIssuer) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Status returns the identity behind the session. It runs behind the auth middleware.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		unauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserResponse(user)})
}

// Logout removes the session cookie. Tokens are stateless, so nothing is revoked server-side.
func (h *SessionHandler) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, h.sessions.ClearCookie())
	w.WriteHeader(http.StatusNoContent)
}
