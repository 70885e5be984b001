package http

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"unifiedauth/internal/auth"
)

// oauthStatePayload holds the CSRF nonce, the provider and an optional redirect path.
type oauthStatePayload struct {
	Nonce      string        `json:"s"`
	Provider   auth.Provider `json:"p"`
	RedirectTo string        `json:"r,omitempty"`
}

// isValidRedirectPath validates that a path is a safe relative redirect.
// It prevents open redirect attacks by ensuring the path:
// - Starts with a single "/" (not "//")
// - Has no scheme or host component
// - Cannot be bypassed via URL encoding
func isValidRedirectPath(path string) bool {
	if path == "" {
		return false
	}

	// Decode to catch encoded bypass attempts like /%2f%2f
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		return false
	}

	if !strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "//") || strings.HasPrefix(decoded, "/\\") {
		return false
	}

	parsed, err := url.Parse(decoded)
	if err != nil {
		return false
	}

	if parsed.Scheme != "" || parsed.Host != "" {
		return false
	}

	return true
}

const (
	oauthStateCookieName = "oauth_state"
	oauthStateCookiePath = "/api/auth"
	oauthStateCookieTTL  = 10 * time.Minute
)

// OAuth callback error codes shown to the app as ?error=<code>.
const (
	oauthErrorCode         = "oauth_error"
	oauthTokenErrorCode    = "token_error"
	oauthUserInfoErrorCode = "user_info_error"
	oauthEmailRequiredCode = "email_required"
	oauthServerErrorCode   = "server_error"
)

// OAuthHandler handles OAuth initiation and callbacks for every enabled provider.
type OAuthHandler struct {
	auth         *auth.Service
	logger       *slog.Logger
	secureCookie bool
	appURL       string
}

// NewOAuthHandler creates a new OAuthHandler.
func NewOAuthHandler(authService *auth.Service, appURL string, secureCookie bool, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		auth:         authService,
		logger:       logger,
		secureCookie: secureCookie,
		appURL:       strings.TrimSuffix(appURL, "/"),
	}
}

// Providers handles GET /api/auth/providers.
func (h *OAuthHandler) Providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.auth.Providers()})
}

// Initiate handles GET /api/auth/{provider} and redirects to the consent screen.
func (h *OAuthHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	provider, err := auth.ParseOAuthProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	nonce, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("failed to generate state", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload := oauthStatePayload{Nonce: nonce, Provider: provider}
	if redirectTo := r.URL.Query().Get("redirectTo"); isValidRedirectPath(redirectTo) {
		payload.RedirectTo = redirectTo
	}

	// Encode state as base64 JSON to avoid delimiter issues
	stateJSON, _ := json.Marshal(payload)
	fullState := base64.RawURLEncoding.EncodeToString(stateJSON)

	authURL, err := h.auth.AuthURL(provider, fullState)
	if err != nil {
		writeError(w, http.StatusNotFound, "provider not enabled")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    nonce,
		Path:     oauthStateCookiePath,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(oauthStateCookieTTL.Seconds()),
	})
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /api/auth/callback/{provider}.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, err := auth.ParseOAuthProvider(chi.URLParam(r, "provider"))
	if err != nil {
		h.redirectWithError(w, r, oauthErrorCode)
		return
	}

	payload, ok := h.verifyState(r)
	// The nonce cookie is single use whatever the outcome.
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     oauthStateCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
	})
	if !ok {
		h.redirectWithError(w, r, oauthErrorCode)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("oauth callback: provider error", "provider", provider, "error", errParam)
		h.redirectWithError(w, r, oauthErrorCode)
		return
	}

	code := query.Get("code")
	if code == "" {
		h.logger.Warn("oauth callback: missing code", "provider", provider)
		h.redirectWithError(w, r, oauthErrorCode)
		return
	}

	result, err := h.auth.CompleteOAuth(r.Context(), auth.OAuthCallback{
		Provider: provider,
		Code:     code,
		State:    string(payload.Provider),
	})
	if err != nil {
		errCode := oauthErrorResponse(err)
		if errCode == oauthServerErrorCode {
			h.logger.Error("oauth callback failed", "provider", provider, "error", err)
		} else {
			h.logger.Warn("oauth callback rejected", "provider", provider, "error", err)
		}
		h.redirectWithError(w, r, errCode)
		return
	}

	http.SetCookie(w, result.Session.Cookie)
	h.logger.Info("oauth login successful", "provider", provider, "user_id", result.User.ID, "new_account", result.NewAccount)

	redirectTo := "/"
	if isValidRedirectPath(payload.RedirectTo) {
		redirectTo = payload.RedirectTo
	}
	http.Redirect(w, r, h.appURL+redirectTo, http.StatusTemporaryRedirect)
}

// verifyState decodes the state parameter and checks its nonce against the cookie.
func (h *OAuthHandler) verifyState(r *http.Request) (oauthStatePayload, bool) {
	stateCookie, err := r.Cookie(oauthStateCookieName)
	if err != nil || stateCookie.Value == "" {
		h.logger.Warn("oauth callback: missing state cookie")
		return oauthStatePayload{}, false
	}

	stateBytes, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("state"))
	if err != nil {
		h.logger.Warn("oauth callback: invalid state encoding")
		return oauthStatePayload{}, false
	}

	var payload oauthStatePayload
	if err := json.Unmarshal(stateBytes, &payload); err != nil {
		h.logger.Warn("oauth callback: invalid state JSON")
		return oauthStatePayload{}, false
	}

	if subtle.ConstantTimeCompare([]byte(payload.Nonce), []byte(stateCookie.Value)) != 1 {
		h.logger.Warn("oauth callback: state mismatch")
		return oauthStatePayload{}, false
	}
	return payload, true
}

// redirectWithError sends the browser back to the app with an error code.
func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.appURL+"/?error="+url.QueryEscape(code), http.StatusTemporaryRedirect)
}

func oauthErrorResponse(err error) string {
	switch {
	case errors.Is(err, auth.ErrOAuthStateMismatch), errors.Is(err, auth.ErrUnsupportedProvider):
		return oauthErrorCode
	case errors.Is(err, auth.ErrOAuthTokenExchangeFailed):
		return oauthTokenErrorCode
	case errors.Is(err, auth.ErrOAuthProfileFetchFailed):
		return oauthUserInfoErrorCode
	case errors.Is(err, auth.ErrOAuthEmailRequired):
		return oauthEmailRequiredCode
	default:
		return oauthServerErrorCode
	}
}
