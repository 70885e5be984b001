package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the credential store contract. Implementations must enforce
// email uniqueness and report a violation as ErrEmailTaken.
//
// Finders return (nil, nil) when no identity matches.
type Repository interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	UpdateUserLogin(ctx context.Context, email string, login LoginUpdate) error

	// Password reset operations
	SetResetToken(ctx context.Context, email, token string, expiry time.Time) error
	RedeemResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) error
}

// expiryAtPrecision rounds an expiry up to what a store can hold, so a stored
// expiry never ends before the one that was issued.
func expiryAtPrecision(expiry time.Time, precision time.Duration) time.Time {
	truncated := expiry.Truncate(precision)
	if truncated.Equal(expiry) {
		return expiry
	}
	return truncated.Add(precision)
}
