package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE raised by the users.email unique index.
const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `
	id, email, name, password_hash, provider, google_id, github_id, avatar_url,
	created_at, updated_at, last_login_at, reset_token, reset_token_expiry
`

// FindUserByEmail looks up a user by their normalized email address.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, NormalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toUser(), nil
}

// FindUserByID looks up a user by id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toUser(), nil
}

// CreateUser inserts a new user. The unique index on email turns a concurrent
// duplicate insert into ErrEmailTaken.
func (r *PostgresRepository) CreateUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, email, name, password_hash, provider, google_id, github_id, avatar_url,
			created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	user.Email = NormalizeEmail(user.Email)
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		nullString(user.PasswordHash),
		string(user.Provider),
		nullString(user.GoogleID),
		nullString(user.GitHubID),
		user.AvatarURL,
		user.CreatedAt,
		user.UpdatedAt,
		user.LastLoginAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, err
	}

	return user, nil
}

// UpdateUserLogin refreshes the last login time and merges provider metadata.
// Existing subject ids, password hashes and the originating provider are never overwritten.
func (r *PostgresRepository) UpdateUserLogin(ctx context.Context, email string, login LoginUpdate) error {
	const query = `
		UPDATE users
		SET last_login_at = GREATEST(last_login_at, $2::timestamptz),
			updated_at = $2,
			name = COALESCE(NULLIF($3::text, ''), name),
			avatar_url = COALESCE(NULLIF($4::text, ''), avatar_url),
			google_id = CASE WHEN $5::text = 'google' THEN COALESCE(google_id, NULLIF($6::text, '')) ELSE google_id END,
			github_id = CASE WHEN $5::text = 'github' THEN COALESCE(github_id, NULLIF($6::text, '')) ELSE github_id END
		WHERE email = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		NormalizeEmail(email),
		login.At,
		login.Name,
		login.AvatarURL,
		string(login.Provider),
		login.SubjectID,
	)
	return err
}

// SetResetToken stores the outstanding reset token and its expiry.
func (r *PostgresRepository) SetResetToken(ctx context.Context, email, token string, expiry time.Time) error {
	const query = `UPDATE users SET reset_token = $2, reset_token_expiry = $3 WHERE email = $1`
	_, err := r.db.ExecContext(ctx, query, NormalizeEmail(email), token, expiryAtPrecision(expiry, time.Microsecond))
	return err
}

// RedeemResetToken sets the new password hash and clears the reset token in one
// conditional update, so a token can be consumed at most once.
func (r *PostgresRepository) RedeemResetToken(ctx context.Context, email, token, passwordHash string, now time.Time) error {
	const query = `
		UPDATE users
		SET password_hash = $3, reset_token = NULL, reset_token_expiry = NULL, updated_at = $4
		WHERE email = $1 AND reset_token = $2 AND reset_token_expiry >= $4
	`

	result, err := r.db.ExecContext(ctx, query, NormalizeEmail(email), token, passwordHash, now)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrResetTokenInvalidOrExpired
	}
	return nil
}

// userRow is a database row representation of User.
type userRow struct {
	ID               uuid.UUID      `db:"id"`
	Email            string         `db:"email"`
	Name             string         `db:"name"`
	PasswordHash     sql.NullString `db:"password_hash"`
	Provider         string         `db:"provider"`
	GoogleID         sql.NullString `db:"google_id"`
	GitHubID         sql.NullString `db:"github_id"`
	AvatarURL        string         `db:"avatar_url"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	LastLoginAt      time.Time      `db:"last_login_at"`
	ResetToken       sql.NullString `db:"reset_token"`
	ResetTokenExpiry sql.NullTime   `db:"reset_token_expiry"`
}

func (r *userRow) toUser() *User {
	return &User{
		ID:               r.ID,
		Email:            r.Email,
		Name:             r.Name,
		PasswordHash:     r.PasswordHash.String,
		Provider:         Provider(r.Provider),
		GoogleID:         r.GoogleID.String,
		GitHubID:         r.GitHubID.String,
		AvatarURL:        r.AvatarURL,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastLoginAt:      r.LastLoginAt,
		ResetToken:       r.ResetToken.String,
		ResetTokenExpiry: r.ResetTokenExpiry.Time,
	}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

var _ Repository = (*PostgresRepository)(nil)
