package http

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/schema"

	"unifiedauth/internal/auth"
)

const maxFormBytes int64 = 16 << 10

type signInRequest struct {
	Email    string `json:"email" schema:"email"`
	Password string `json:"password" schema:"password"`
}

type signUpRequest struct {
	Name     string `json:"name" schema:"name"`
	Email    string `json:"email" schema:"email"`
	Password string `json:"password" schema:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" schema:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" schema:"token"`
	Password string `json:"password" schema:"password"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Provider    string    `json:"provider"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	HasPassword bool      `json:"hasPassword"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

func newUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		Name:        u.Name,
		Provider:    string(u.Provider),
		AvatarURL:   u.AvatarURL,
		HasPassword: u.HasPassword(),
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

type sessionResponse struct {
	User      userResponse `json:"user"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// PasswordHandler serves the email/password endpoints. JSON requests get JSON
// responses; HTML form posts get a 303 back to the app.
type PasswordHandler struct {
	auth    *auth.Service
	appURL  string
	logger  *slog.Logger
	decoder *schema.Decoder
}

// NewPasswordHandler creates a PasswordHandler.
func NewPasswordHandler(authService *auth.Service, appURL string, logger *slog.Logger) *PasswordHandler {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return &PasswordHandler{
		auth:    authService,
		appURL:  strings.TrimSuffix(appURL, "/"),
		logger:  logger,
		decoder: decoder,
	}
}

// SignIn handles POST /api/auth/signin.
func (h *PasswordHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	form, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	result, err := h.auth.SignIn(r.Context(), auth.SignInInput{Email: req.Email, Password: req.Password})
	h.respondSession(w, r, form, http.StatusOK, result, err)
}

// SignUp handles POST /api/auth/signup.
func (h *PasswordHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	form, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	result, err := h.auth.SignUp(r.Context(), auth.SignUpInput{Name: req.Name, Email: req.Email, Password: req.Password})
	status := http.StatusCreated
	if result != nil && !result.NewAccount {
		status = http.StatusOK
	}
	h.respondSession(w, r, form, status, result, err)
}

// ForgotPassword handles POST /api/auth/forgot-password. The response is the same
// whether or not the email is registered.
func (h *PasswordHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	form, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	if err := h.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, r, form, err)
		return
	}
	h.succeed(w, r, form, http.StatusOK, map[string]string{
		"message": "If an account exists for that email, a reset link has been sent.",
	})
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *PasswordHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	form, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	if err := h.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.fail(w, r, form, err)
		return
	}
	h.succeed(w, r, form, http.StatusOK, map[string]string{"message": "Password updated."})
}

func (h *PasswordHandler) respondSession(w http.ResponseWriter, r *http.Request, form bool, status int, result *auth.AuthResult, err error) {
	if err != nil {
		h.fail(w, r, form, err)
		return
	}

	http.SetCookie(w, result.Session.Cookie)
	h.succeed(w, r, form, status, sessionResponse{
		User:      newUserResponse(result.User),
		ExpiresAt: result.Session.ExpiresAt,
	})
}

func (h *PasswordHandler) succeed(w http.ResponseWriter, r *http.Request, form bool, status int, payload any) {
	if form {
		http.Redirect(w, r, h.appURL+"/", http.StatusSeeOther)
		return
	}
	writeJSON(w, status, payload)
}

func (h *PasswordHandler) fail(w http.ResponseWriter, r *http.Request, form bool, err error) {
	status, code, message := passwordErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("password endpoint failed", "path", r.URL.Path, "error", err)
	}
	if form {
		http.Redirect(w, r, h.appURL+"/?error="+url.QueryEscape(code), http.StatusSeeOther)
		return
	}
	writeCodedError(w, status, code, message)
}

// decode reads a JSON or form body into dst. It reports whether the request was a form
// post, and false in ok once an error response has been written.
func (h *PasswordHandler) decode(w http.ResponseWriter, r *http.Request, dst any) (form bool, ok bool) {
	if !isFormRequest(r) {
		if err := decodeJSONBody(w, r, dst); err != nil {
			writeJSONError(w, err)
			return false, false
		}
		return false, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, h.appURL+"/?error=invalid_request", http.StatusSeeOther)
		return true, false
	}
	if err := h.decoder.Decode(dst, r.PostForm); err != nil {
		http.Redirect(w, r, h.appURL+"/?error=invalid_request", http.StatusSeeOther)
		return true, false
	}
	return true, true
}

func isFormRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}

func passwordErrorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "Invalid email or password"
	case errors.Is(err, auth.ErrMissingFields):
		return http.StatusBadRequest, "missing_fields", "Please fill in all required fields"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "weak_password", "Password must be at least 6 characters"
	case errors.Is(err, auth.ErrPasswordTooLong):
		return http.StatusBadRequest, "weak_password", "Password must be at most 72 bytes"
	case errors.Is(err, auth.ErrEmailAlreadyExists):
		return http.StatusConflict, "email_exists", "An account with this email already exists"
	case errors.Is(err, auth.ErrResetTokenInvalidOrExpired):
		return http.StatusBadRequest, "invalid_token", "This reset link is invalid or has expired"
	case errors.Is(err, auth.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "server_error", "Something went wrong"
	}
}
