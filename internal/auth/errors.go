package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown email, OAuth-only identities and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailAlreadyExists is returned when signing up with a registered email.
	ErrEmailAlreadyExists = errors.New("user with this email already exists")
	// ErrWeakPassword is returned when a password is shorter than MinPasswordLength.
	ErrWeakPassword = errors.New("password must be at least 6 characters")
	// ErrMissingFields is returned when a required form field is empty.
	ErrMissingFields = errors.New("all fields are required")

	ErrOAuthStateMismatch       = errors.New("oauth state does not match provider")
	ErrOAuthTokenExchangeFailed = errors.New("oauth token exchange failed")
	ErrOAuthProfileFetchFailed  = errors.New("oauth profile fetch failed")
	ErrOAuthEmailRequired       = errors.New("oauth profile has no email")
	ErrUnsupportedProvider      = errors.New("unsupported oauth provider")

	// ErrInvalidOrExpiredToken is returned for any token that fails signature, purpose or expiry checks.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrResetTokenInvalidOrExpired is returned when a reset token cannot be redeemed.
	ErrResetTokenInvalidOrExpired = errors.New("reset token is invalid or expired")

	// ErrStoreUnavailable marks infrastructure failures of the credential store.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrEmailTaken is returned by repositories when the email uniqueness constraint rejects an insert.
	ErrEmailTaken = errors.New("email already taken")
)
