package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrEmailAlreadyExists    = errors.New("email already exists")
	ErrUsernameAlreadyExists = errors.New("username already exists")
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// AuthFieldUpdate carries a partial update of an account's mutable security
// state. A nil field is left untouched; for nullable columns a non-nil
// sql.Null* with Valid=false sets the column to NULL.
type AuthFieldUpdate struct {
	FailedLoginAttempts *int
	LockoutUntil        *sql.NullTime
	TokenVersion        *int
	PasswordSalt        *string
	PasswordHash        *string
	PasswordResetHash   *sql.NullString
	PasswordResetExpiry *sql.NullTime
	MFAEnabled          *bool
	MFASecret           *sql.NullString
	MFATempSecret       *sql.NullString
	// MFABackupCodeHashes replaces the stored set; an empty slice keeps an
	// empty set, SetBackupCodesNull clears the column.
	MFABackupCodeHashes []string
	SetBackupCodesNull  bool
}

// UserRepository defines the credential-store interface the auth service
// depends on. Uniqueness of normalized email/username is enforced by the
// database constraints, not by this layer.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmailNormalized(ctx context.Context, emailNormalized string) (*User, error)
	GetByUsernameNormalized(ctx context.Context, usernameNormalized string) (*User, error)
	GetByPasswordResetHash(ctx context.Context, resetHash string) (*User, error)
	UpdateAuthFields(ctx context.Context, id uuid.UUID, update AuthFieldUpdate) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `
	id, full_name, username, username_normalized, email, email_normalized,
	account_type, password_salt, password_hash, failed_login_attempts,
	lockout_until, token_version, password_reset_hash, password_reset_expiry,
	mfa_enabled, mfa_secret, mfa_temp_secret, mfa_backup_code_hashes, created_at
`

// Create inserts a new user. A unique-constraint violation on the normalized
// email or username is translated into the corresponding domain error so the
// service can treat the database as the authoritative guard against races.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (
			id, full_name, username, username_normalized, email, email_normalized,
			account_type, password_salt, password_hash, failed_login_attempts,
			lockout_until, token_version, password_reset_hash, password_reset_expiry,
			mfa_enabled, mfa_secret, mfa_temp_secret, mfa_backup_code_hashes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at
	`

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		user.ID,
		user.FullName,
		user.Username,
		user.UsernameNormalized,
		user.Email,
		user.EmailNormalized,
		user.AccountType,
		user.PasswordSalt,
		user.PasswordHash,
		user.FailedLoginAttempts,
		user.LockoutUntil,
		user.TokenVersion,
		user.PasswordResetHash,
		user.PasswordResetExpiry,
		user.MFAEnabled,
		user.MFASecret,
		user.MFATempSecret,
		user.MFABackupCodeHashes,
	).Scan(&user.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch {
			case strings.Contains(pgErr.ConstraintName, "email_normalized"):
				return ErrEmailAlreadyExists
			case strings.Contains(pgErr.ConstraintName, "username_normalized"):
				return ErrUsernameAlreadyExists
			}
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmailNormalized retrieves a user by their normalized email address
func (r *userRepository) GetByEmailNormalized(ctx context.Context, emailNormalized string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email_normalized = $1`, emailNormalized)
}

// GetByUsernameNormalized retrieves a user by their normalized username
func (r *userRepository) GetByUsernameNormalized(ctx context.Context, usernameNormalized string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username_normalized = $1`, usernameNormalized)
}

// GetByPasswordResetHash retrieves a user by the hash of an outstanding
// password-reset token.
func (r *userRepository) GetByPasswordResetHash(ctx context.Context, resetHash string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE password_reset_hash = $1`, resetHash)
}

func (r *userRepository) getOne(ctx context.Context, query string, arg any) (*User, error) {
	user := &User{}
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.FullName,
		&user.Username,
		&user.UsernameNormalized,
		&user.Email,
		&user.EmailNormalized,
		&user.AccountType,
		&user.PasswordSalt,
		&user.PasswordHash,
		&user.FailedLoginAttempts,
		&user.LockoutUntil,
		&user.TokenVersion,
		&user.PasswordResetHash,
		&user.PasswordResetExpiry,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.MFATempSecret,
		&user.MFABackupCodeHashes,
		&user.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

// UpdateAuthFields applies a partial update of the account's security state.
// The SET clause is built only from the fields present in the update.
func (r *userRepository) UpdateAuthFields(ctx context.Context, id uuid.UUID, update AuthFieldUpdate) error {
	var (
		sets []string
		args []any
	)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.FailedLoginAttempts != nil {
		add("failed_login_attempts", *update.FailedLoginAttempts)
	}
	if update.LockoutUntil != nil {
		add("lockout_until", *update.LockoutUntil)
	}
	if update.TokenVersion != nil {
		add("token_version", *update.TokenVersion)
	}
	if update.PasswordSalt != nil {
		add("password_salt", *update.PasswordSalt)
	}
	if update.PasswordHash != nil {
		add("password_hash", *update.PasswordHash)
	}
	if update.PasswordResetHash != nil {
		add("password_reset_hash", *update.PasswordResetHash)
	}
	if update.PasswordResetExpiry != nil {
		add("password_reset_expiry", *update.PasswordResetExpiry)
	}
	if update.MFAEnabled != nil {
		add("mfa_enabled", *update.MFAEnabled)
	}
	if update.MFASecret != nil {
		add("mfa_secret", *update.MFASecret)
	}
	if update.MFATempSecret != nil {
		add("mfa_temp_secret", *update.MFATempSecret)
	}
	if update.SetBackupCodesNull {
		add("mfa_backup_code_hashes", nil)
	} else if update.MFABackupCodeHashes != nil {
		add("mfa_backup_code_hashes", update.MFABackupCodeHashes)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}
