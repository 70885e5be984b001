package auth

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository keeps identities in a process-local map, for development and tests.
type InMemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[uuid.UUID]*User
}

// NewInMemoryRepository constructs a repository seeded with optional identities.
func NewInMemoryRepository(initial ...User) *InMemoryRepository {
	r := &InMemoryRepository{
		byEmail: make(map[string]*User),
		byID:    make(map[uuid.UUID]*User),
	}
	for _, u := range initial {
		_, _ = r.CreateUser(context.Background(), u)
	}
	return r
}

// FindUserByEmail returns a copy of the identity registered under email.
func (r *InMemoryRepository) FindUserByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

// FindUserByID returns a copy of the identity with the given id.
func (r *InMemoryRepository) FindUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

// CreateUser stores a new identity, rejecting duplicate emails with ErrEmailTaken.
func (r *InMemoryRepository) CreateUser(_ context.Context, user User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user.Email = NormalizeEmail(user.Email)
	if _, exists := r.byEmail[user.Email]; exists {
		return User{}, ErrEmailTaken
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	stored := user
	r.byEmail[user.Email] = &stored
	r.byID[user.ID] = &stored
	return user, nil
}

// UpdateUserLogin refreshes last-login and display metadata without touching credentials.
func (r *InMemoryRepository) UpdateUserLogin(_ context.Context, email string, login LoginUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil
	}
	u.applyLogin(login)
	return nil
}

// SetResetToken records an outstanding reset token on the identity.
func (r *InMemoryRepository) SetResetToken(_ context.Context, email, token string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil
	}
	u.ResetToken = token
	u.ResetTokenExpiry = expiry
	return nil
}

// RedeemResetToken swaps in the new password hash if token is the outstanding, unexpired one.
func (r *InMemoryRepository) RedeemResetToken(_ context.Context, email, token, passwordHash string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byEmail[NormalizeEmail(email)]
	if !ok || u.ResetToken == "" || now.After(u.ResetTokenExpiry) {
		return ErrResetTokenInvalidOrExpired
	}
	if subtle.ConstantTimeCompare([]byte(u.ResetToken), []byte(token)) != 1 {
		return ErrResetTokenInvalidOrExpired
	}

	u.PasswordHash = passwordHash
	u.ResetToken = ""
	u.ResetTokenExpiry = time.Time{}
	u.UpdatedAt = now
	return nil
}

var _ Repository = (*InMemoryRepository)(nil)
