package repository

import (
	"time"

	"github.com/google/uuid"
)

// AccountType classifies an account on the marketplace.
type AccountType string

const (
	AccountTypeCreative AccountType = "CREATIVE"
	AccountTypeClient   AccountType = "CLIENT"
	AccountTypeAgency   AccountType = "AGENCY"
)

// NormalizeAccountType maps unknown values to the CLIENT default.
func NormalizeAccountType(value string) AccountType {
	switch AccountType(value) {
	case AccountTypeCreative, AccountTypeAgency:
		return AccountType(value)
	default:
		return AccountTypeClient
	}
}

// User represents a user account in the database. The credential and MFA
// fields are never serialized to API responses.
type User struct {
	ID                  uuid.UUID   `db:"id"`
	FullName            string      `db:"full_name"`
	Username            string      `db:"username"`
	UsernameNormalized  string      `db:"username_normalized"`
	Email               string      `db:"email"`
	EmailNormalized     string      `db:"email_normalized"`
	AccountType         AccountType `db:"account_type"`
	PasswordSalt        string      `db:"password_salt"`
	PasswordHash        string      `db:"password_hash"`
	FailedLoginAttempts int         `db:"failed_login_attempts"`
	LockoutUntil        *time.Time  `db:"lockout_until"`
	TokenVersion        int         `db:"token_version"`
	PasswordResetHash   *string     `db:"password_reset_hash"`
	PasswordResetExpiry *time.Time  `db:"password_reset_expiry"`
	MFAEnabled          bool        `db:"mfa_enabled"`
	MFASecret           *string     `db:"mfa_secret"`
	MFATempSecret       *string     `db:"mfa_temp_secret"`
	MFABackupCodeHashes []string    `db:"mfa_backup_code_hashes"`
	CreatedAt           time.Time   `db:"created_at"`
}

// AuditEvent represents one append-only security event row.
type AuditEvent struct {
	ID              uuid.UUID      `db:"id"`
	EventType       string         `db:"event_type"`
	Success         bool           `db:"success"`
	UserID          *string        `db:"user_id"`
	EmailNormalized *string        `db:"email_normalized"`
	IPAddress       *string        `db:"ip_address"`
	RequestID       *string        `db:"request_id"`
	Metadata        map[string]any `db:"metadata"`
	CreatedAt       time.Time      `db:"created_at"`
}
