package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vendrman/api/internal/config"
	"github.com/vendrman/api/internal/metrics"
	"github.com/vendrman/api/internal/ratelimit"
	"github.com/vendrman/api/internal/repository"
)

// Auth service errors
var (
	ErrEmailExists         = errors.New("an account with this email already exists")
	ErrUsernameTaken       = errors.New("username is already taken")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrAccountLocked       = errors.New("too many failed login attempts, please try again later")
	ErrTooManyRequests     = errors.New("too many login attempts, please try again shortly")
	ErrMFACodeRequired     = errors.New("mfa code required")
	ErrMFACodeInvalid      = errors.New("invalid mfa code")
	ErrMFANotInitialized   = errors.New("mfa setup not initialized")
	ErrMFANotEnabled       = errors.New("mfa is not enabled")
	ErrResetTokenInvalid   = errors.New("invalid or expired password reset token")
	ErrUserNotFound        = errors.New("user not found for token")
	ErrGoogleAuthFailed    = errors.New("unable to authenticate with google")
	ErrGoogleNotConfigured = errors.New("google oauth is not configured")
)

// Error codes for API responses
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeUsernameTaken       = "USERNAME_TAKEN"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeTooManyRequests     = "TOO_MANY_REQUESTS"
	CodeMFACodeRequired     = "MFA_CODE_REQUIRED"
	CodeMFACodeInvalid      = "MFA_CODE_INVALID"
	CodeResetTokenInvalid   = "RESET_TOKEN_INVALID"
	CodeGoogleAuthFailed    = "GOOGLE_AUTH_FAILED"
	CodeAuthTokenMissing    = "AUTH_TOKEN_MISSING"
	CodeAuthHeaderInvalid   = "AUTH_HEADER_INVALID"
	CodeAuthTokenExpired    = "AUTH_TOKEN_EXPIRED"
	CodeAuthTokenInvalid    = "AUTH_TOKEN_INVALID"
	CodeAuthTokenRevoked    = "AUTH_TOKEN_REVOKED"
	CodeAuthUserInvalid     = "AUTH_TOKEN_USER_INVALID"
	CodeInternalError       = "INTERNAL_ERROR"
)

// loginRateLimitKeyPrefix scopes the per-IP login window in the limiter.
const loginRateLimitKeyPrefix = "auth-login:"

// backupCodeCount is the number of recovery codes issued per MFA enrollment.
const backupCodeCount = 8

// SignupInput carries a validated signup request.
type SignupInput struct {
	FullName    string
	Username    string
	Email       string
	Password    string
	AccountType string
}

// LoginInput carries a validated login request.
type LoginInput struct {
	Email      string
	Password   string
	MFACode    string
	BackupCode string
}

// MFAVerification carries the second factor presented for an MFA-guarded
// operation. Exactly one of the fields is expected.
type MFAVerification struct {
	MFACode    string
	BackupCode string
}

// RequestContext carries per-request attribution for audit events.
type RequestContext struct {
	IPAddress string
	RequestID string
}

// PublicUser is the account shape returned to API callers. Credential and MFA
// state never appear here.
type PublicUser struct {
	ID          string                 `json:"id"`
	FullName    string                 `json:"fullName"`
	Username    string                 `json:"username"`
	Email       string                 `json:"email"`
	AccountType repository.AccountType `json:"accountType"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// AuthResult is the outcome of an operation that establishes a session.
type AuthResult struct {
	Token string
	User  PublicUser
}

// MFASetupResult is the outcome of starting MFA enrollment.
type MFASetupResult struct {
	Secret     string
	OTPAuthURL string
}

// AuthService orchestrates account security: signup, login, logout, lockout,
// password reset, MFA, and Google federation.
type AuthService struct {
	users   repository.UserRepository
	tokens  *TokenService
	hasher  *PasswordHasher
	audit   *AuditLogger
	limiter *ratelimit.Limiter
	cfg     config.AuthConfig
	google  config.GoogleConfig
	logger  *slog.Logger

	// httpClient and googleTokenEndpoint are swapped out in tests.
	httpClient          *http.Client
	googleTokenEndpoint string

	now func() time.Time
}

// ServiceConfig holds AuthService dependencies.
type ServiceConfig struct {
	Users      repository.UserRepository
	Tokens     *TokenService
	Audit      *AuditLogger
	Limiter    *ratelimit.Limiter
	Auth       config.AuthConfig
	Google     config.GoogleConfig
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// NewAuthService creates an AuthService.
func NewAuthService(cfg ServiceConfig) (*AuthService, error) {
	hasher, err := NewPasswordHasher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize password hasher: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &AuthService{
		users:               cfg.Users,
		tokens:              cfg.Tokens,
		hasher:              hasher,
		audit:               cfg.Audit,
		limiter:             cfg.Limiter,
		cfg:                 cfg.Auth,
		google:              cfg.Google,
		logger:              log,
		httpClient:          httpClient,
		googleTokenEndpoint: googleTokenEndpoint,
		now:                 time.Now,
	}, nil
}

// Signup registers a new account and returns a session token for it.
func (s *AuthService) Signup(ctx context.Context, input SignupInput, reqCtx RequestContext) (*AuthResult, error) {
	emailNormalized := normalizeEmail(input.Email)
	username := normalizeUsername(input.Username)
	usernameNormalized := strings.ToLower(username)

	if _, err := s.users.GetByEmailNormalized(ctx, emailNormalized); err == nil {
		s.auditEvent(ctx, "signup_failed", false, "", emailNormalized, reqCtx, map[string]any{"reason": "email_exists"})
		return nil, ErrEmailExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}
	if _, err := s.users.GetByUsernameNormalized(ctx, usernameNormalized); err == nil {
		s.auditEvent(ctx, "signup_failed", false, "", emailNormalized, reqCtx, map[string]any{"reason": "username_taken"})
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	salt, err := s.hasher.NewSalt()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(input.Password, salt)
	if err != nil {
		return nil, err
	}

	user := &repository.User{
		ID:                 uuid.New(),
		FullName:           strings.TrimSpace(input.FullName),
		Username:           username,
		UsernameNormalized: usernameNormalized,
		Email:              strings.TrimSpace(input.Email),
		EmailNormalized:    emailNormalized,
		AccountType:        repository.NormalizeAccountType(input.AccountType),
		PasswordSalt:       salt,
		PasswordHash:       hash,
	}

	// The unique indexes are the authority; a concurrent signup surfaces
	// here as a constraint violation rather than in the pre-checks above.
	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmailAlreadyExists):
			return nil, ErrEmailExists
		case errors.Is(err, repository.ErrUsernameAlreadyExists):
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.auditEvent(ctx, "signup_success", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)

	token, err := s.tokens.Sign(user.ID.String(), user.Email, tokenVersion(user))
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, User: toPublicUser(user)}, nil
}

// Login authenticates an account by password and, when MFA is enabled, a
// second factor. The per-IP window is consumed before any account state is
// touched.
func (s *AuthService) Login(ctx context.Context, input LoginInput, reqCtx RequestContext) (*AuthResult, error) {
	if err := s.enforceIPRateLimit(ctx, reqCtx.IPAddress); err != nil {
		return nil, err
	}

	emailNormalized := normalizeEmail(input.Email)
	user, err := s.users.GetByEmailNormalized(ctx, emailNormalized)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Burn the same KDF cost as a real check so this path is not
			// distinguishable by latency.
			s.hasher.SimulateCheck(input.Password)
			s.auditEvent(ctx, "login_failed", false, "", emailNormalized, reqCtx, map[string]any{"reason": "user_not_found"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if s.isLockedOut(user) {
		s.auditEvent(ctx, "login_failed", false, user.ID.String(), emailNormalized, reqCtx, map[string]any{"reason": "account_locked"})
		return nil, ErrAccountLocked
	}

	match, err := s.hasher.Verify(input.Password, user.PasswordSalt, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		if err := s.recordFailedLoginAttempt(ctx, user); err != nil {
			return nil, err
		}
		s.auditEvent(ctx, "login_failed", false, user.ID.String(), emailNormalized, reqCtx, map[string]any{"reason": "password_mismatch"})
		return nil, ErrInvalidCredentials
	}

	if err := s.clearFailedLoginState(ctx, user); err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		if err := s.verifyAndConsumeMFA(ctx, user, MFAVerification{MFACode: input.MFACode, BackupCode: input.BackupCode}); err != nil {
			s.auditEvent(ctx, "login_failed", false, user.ID.String(), emailNormalized, reqCtx, map[string]any{"reason": "mfa_failed"})
			return nil, err
		}
	}

	token, err := s.tokens.Sign(user.ID.String(), user.Email, tokenVersion(user))
	if err != nil {
		return nil, err
	}

	s.auditEvent(ctx, "login_success", true, user.ID.String(), emailNormalized, reqCtx, map[string]any{"mfa_enabled": user.MFAEnabled})

	return &AuthResult{Token: token, User: toPublicUser(user)}, nil
}

// Logout revokes every outstanding session for the account by bumping the
// stored token version.
func (s *AuthService) Logout(ctx context.Context, userID string, reqCtx RequestContext) error {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return err
	}

	nextVersion := tokenVersion(user) + 1
	zero := 0
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		TokenVersion:        &nextVersion,
		FailedLoginAttempts: &zero,
		LockoutUntil:        &sql.NullTime{},
	}); err != nil {
		return err
	}

	s.auditEvent(ctx, "logout", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)
	return nil
}

// GetMe returns the public profile of the authenticated account.
func (s *AuthService) GetMe(ctx context.Context, userID string) (*PublicUser, error) {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	public := toPublicUser(user)
	return &public, nil
}

// RequestPasswordReset starts a reset flow. The response shape is identical
// whether or not the email maps to an account, so the endpoint cannot be used
// to probe for registered addresses. The raw token is returned only when the
// expose flag is on; otherwise delivery happens out of band.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string, reqCtx RequestContext) (string, error) {
	emailNormalized := normalizeEmail(email)
	user, err := s.users.GetByEmailNormalized(ctx, emailNormalized)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.auditEvent(ctx, "password_reset_requested", true, "", emailNormalized, reqCtx, map[string]any{"user_found": false})
			return "", nil
		}
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	resetToken := hex.EncodeToString(raw)
	resetHash := s.hashResetToken(resetToken)
	expiry := s.now().Add(s.cfg.PasswordResetExpiry)

	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		PasswordResetHash:   &sql.NullString{String: resetHash, Valid: true},
		PasswordResetExpiry: &sql.NullTime{Time: expiry, Valid: true},
	}); err != nil {
		return "", err
	}

	s.auditEvent(ctx, "password_reset_requested", true, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{"user_found": true})

	if s.cfg.ExposeResetToken {
		return resetToken, nil
	}
	return "", nil
}

// ResetPassword consumes a reset token and installs a new credential. All
// prior sessions are revoked via the token-version bump.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string, reqCtx RequestContext) error {
	tokenHash := s.hashResetToken(token)
	user, err := s.users.GetByPasswordResetHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.auditEvent(ctx, "password_reset_failed", false, "", "", reqCtx, map[string]any{"reason": "token_not_found"})
			return ErrResetTokenInvalid
		}
		return err
	}
	if user.PasswordResetExpiry == nil {
		s.auditEvent(ctx, "password_reset_failed", false, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{"reason": "token_not_found"})
		return ErrResetTokenInvalid
	}
	if !user.PasswordResetExpiry.After(s.now()) {
		// Stale reset state is cleared so the hash cannot be retried.
		if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
			PasswordResetHash:   &sql.NullString{},
			PasswordResetExpiry: &sql.NullTime{},
		}); err != nil {
			return err
		}
		s.auditEvent(ctx, "password_reset_failed", false, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{"reason": "token_expired"})
		return ErrResetTokenInvalid
	}

	salt, err := s.hasher.NewSalt()
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword, salt)
	if err != nil {
		return err
	}

	nextVersion := tokenVersion(user) + 1
	zero := 0
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		PasswordSalt:        &salt,
		PasswordHash:        &hash,
		PasswordResetHash:   &sql.NullString{},
		PasswordResetExpiry: &sql.NullTime{},
		FailedLoginAttempts: &zero,
		LockoutUntil:        &sql.NullTime{},
		TokenVersion:        &nextVersion,
	}); err != nil {
		return err
	}

	s.auditEvent(ctx, "password_reset_success", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)
	return nil
}

// SetupMFA generates a pending TOTP secret. The account stays non-MFA until
// EnableMFA confirms the authenticator can produce a valid code.
func (s *AuthService) SetupMFA(ctx context.Context, userID string, reqCtx RequestContext) (*MFASetupResult, error) {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}

	disabled := false
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		MFATempSecret: &sql.NullString{String: secret, Valid: true},
		MFAEnabled:    &disabled,
	}); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, "mfa_setup_started", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)

	return &MFASetupResult{
		Secret:     secret,
		OTPAuthURL: TOTPProvisioningURI(s.cfg.MFAIssuer, user.Email, secret),
	}, nil
}

// EnableMFA confirms the pending secret with a live code, activates MFA, and
// issues backup codes. Existing sessions are revoked; the returned token is
// minted against the new version.
func (s *AuthService) EnableMFA(ctx context.Context, userID, code string, reqCtx RequestContext) ([]string, string, error) {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if user.MFATempSecret == nil || *user.MFATempSecret == "" {
		return nil, "", ErrMFANotInitialized
	}

	valid, err := VerifyTOTPCode(*user.MFATempSecret, code, s.now())
	if err != nil {
		return nil, "", err
	}
	if !valid {
		s.auditEvent(ctx, "mfa_enable_failed", false, user.ID.String(), user.EmailNormalized, reqCtx, nil)
		return nil, "", ErrMFACodeInvalid
	}

	backupCodes, err := s.generateBackupCodes()
	if err != nil {
		return nil, "", err
	}
	hashes := make([]string, len(backupCodes))
	for i, backupCode := range backupCodes {
		hashes[i] = s.hashBackupCode(backupCode)
	}

	enabled := true
	nextVersion := tokenVersion(user) + 1
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		MFAEnabled:          &enabled,
		MFASecret:           &sql.NullString{String: *user.MFATempSecret, Valid: true},
		MFATempSecret:       &sql.NullString{},
		MFABackupCodeHashes: hashes,
		TokenVersion:        &nextVersion,
	}); err != nil {
		return nil, "", err
	}

	s.auditEvent(ctx, "mfa_enabled", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)

	token, err := s.tokens.Sign(user.ID.String(), user.Email, nextVersion)
	if err != nil {
		return nil, "", err
	}
	return backupCodes, token, nil
}

// DisableMFA turns MFA off after verifying a second factor. Existing sessions
// are revoked; the returned token is minted against the new version.
func (s *AuthService) DisableMFA(ctx context.Context, userID string, verification MFAVerification, reqCtx RequestContext) (string, error) {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return "", ErrMFANotEnabled
	}

	if err := s.verifyAndConsumeMFA(ctx, user, verification); err != nil {
		return "", err
	}

	disabled := false
	nextVersion := tokenVersion(user) + 1
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		MFAEnabled:         &disabled,
		MFASecret:          &sql.NullString{},
		MFATempSecret:      &sql.NullString{},
		SetBackupCodesNull: true,
		TokenVersion:       &nextVersion,
	}); err != nil {
		return "", err
	}

	s.auditEvent(ctx, "mfa_disabled", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)

	return s.tokens.Sign(user.ID.String(), user.Email, nextVersion)
}

// RegenerateBackupCodes replaces the full backup-code set after verifying a
// second factor.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, userID string, verification MFAVerification, reqCtx RequestContext) ([]string, error) {
	user, err := s.getAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return nil, ErrMFANotEnabled
	}

	if err := s.verifyAndConsumeMFA(ctx, user, verification); err != nil {
		return nil, err
	}

	backupCodes, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(backupCodes))
	for i, backupCode := range backupCodes {
		hashes[i] = s.hashBackupCode(backupCode)
	}

	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		MFABackupCodeHashes: hashes,
	}); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, "mfa_backup_codes_regenerated", true, user.ID.String(), user.EmailNormalized, reqCtx, nil)
	return backupCodes, nil
}

// getAccount loads the account behind a verified token subject.
func (s *AuthService) getAccount(ctx context.Context, userID string) (*repository.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// verifyAndConsumeMFA accepts either a live TOTP code or a single-use backup
// code. A matched backup code is removed from the stored set before the
// caller proceeds.
func (s *AuthService) verifyAndConsumeMFA(ctx context.Context, user *repository.User, verification MFAVerification) error {
	if !user.MFAEnabled || user.MFASecret == nil {
		return nil
	}

	if verification.MFACode == "" && verification.BackupCode == "" {
		return ErrMFACodeRequired
	}

	if verification.MFACode != "" {
		valid, err := VerifyTOTPCode(*user.MFASecret, verification.MFACode, s.now())
		if err != nil {
			return err
		}
		if valid {
			return nil
		}
	}

	if verification.BackupCode != "" {
		codeHash := s.hashBackupCode(verification.BackupCode)
		matchIndex := -1
		for i, storedHash := range user.MFABackupCodeHashes {
			if constantTimeEqualsHex(storedHash, codeHash) {
				matchIndex = i
			}
		}
		if matchIndex >= 0 {
			remaining := make([]string, 0, len(user.MFABackupCodeHashes)-1)
			for i, storedHash := range user.MFABackupCodeHashes {
				if i != matchIndex {
					remaining = append(remaining, storedHash)
				}
			}
			if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
				MFABackupCodeHashes: remaining,
			}); err != nil {
				return err
			}
			s.auditEvent(ctx, "mfa_backup_code_used", true, user.ID.String(), user.EmailNormalized, RequestContext{}, nil)
			return nil
		}
	}

	return ErrMFACodeInvalid
}

// isLockedOut reports whether the account's lockout window is still open.
func (s *AuthService) isLockedOut(user *repository.User) bool {
	return user.LockoutUntil != nil && user.LockoutUntil.After(s.now())
}

// recordFailedLoginAttempt advances the failure counter. Reaching the
// threshold opens the lockout window and resets the counter so a fresh run of
// failures is required after it expires.
func (s *AuthService) recordFailedLoginAttempt(ctx context.Context, user *repository.User) error {
	attempts := failedLoginAttempts(user) + 1
	if attempts >= s.cfg.MaxFailedLoginAttempts {
		metrics.AuthLockoutsTotal.Inc()
		zero := 0
		lockoutUntil := s.now().Add(s.cfg.LockoutDuration)
		return s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
			FailedLoginAttempts: &zero,
			LockoutUntil:        &sql.NullTime{Time: lockoutUntil, Valid: true},
		})
	}

	return s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		FailedLoginAttempts: &attempts,
		LockoutUntil:        &sql.NullTime{},
	})
}

// clearFailedLoginState resets the failure counter and lockout after a
// successful password check. Skips the write when there is nothing to clear.
func (s *AuthService) clearFailedLoginState(ctx context.Context, user *repository.User) error {
	if failedLoginAttempts(user) == 0 && user.LockoutUntil == nil {
		return nil
	}
	zero := 0
	if err := s.users.UpdateAuthFields(ctx, user.ID, repository.AuthFieldUpdate{
		FailedLoginAttempts: &zero,
		LockoutUntil:        &sql.NullTime{},
	}); err != nil {
		return err
	}
	user.FailedLoginAttempts = 0
	user.LockoutUntil = nil
	return nil
}

// enforceIPRateLimit consumes one slot from the caller's per-IP login window.
func (s *AuthService) enforceIPRateLimit(ctx context.Context, ipAddress string) error {
	ip := strings.TrimSpace(ipAddress)
	if ip == "" {
		ip = "unknown"
	}

	decision := s.limiter.Consume(ctx, loginRateLimitKeyPrefix+ip, int64(s.cfg.MaxIPAttemptsPerWindow), int(s.cfg.IPAttemptWindow/time.Second))
	if decision.Allowed {
		return nil
	}

	metrics.RateLimitRejectionsTotal.WithLabelValues("login_ip").Inc()
	return ErrTooManyRequests
}

func (s *AuthService) generateBackupCodes() ([]string, error) {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(raw))
	}
	return codes, nil
}

// hashResetToken peppers and hashes a reset token for storage and lookup.
func (s *AuthService) hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(s.cfg.ResetTokenPepper + ":" + token))
	return hex.EncodeToString(sum[:])
}

// hashBackupCode peppers and hashes a backup code for storage and lookup.
func (s *AuthService) hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(s.cfg.BackupCodePepper + ":" + code))
	return hex.EncodeToString(sum[:])
}

func (s *AuthService) auditEvent(ctx context.Context, eventType string, success bool, userID, emailNormalized string, reqCtx RequestContext, metadata map[string]any) {
	s.audit.Log(ctx, AuditEvent{
		EventType:       eventType,
		Success:         success,
		UserID:          userID,
		EmailNormalized: emailNormalized,
		IPAddress:       reqCtx.IPAddress,
		RequestID:       reqCtx.RequestID,
		Metadata:        metadata,
	})
}

// normalizeEmail lowercases and trims an email for storage and lookup.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeUsername trims whitespace and strips a leading run of '@'.
func normalizeUsername(username string) string {
	return strings.TrimLeft(strings.TrimSpace(username), "@")
}

// failedLoginAttempts clamps the stored counter to a sane value.
func failedLoginAttempts(user *repository.User) int {
	if user.FailedLoginAttempts < 0 {
		return 0
	}
	return user.FailedLoginAttempts
}

// tokenVersion clamps the stored version; accounts created before versioning
// behave as version zero.
func tokenVersion(user *repository.User) int {
	if user.TokenVersion < 0 {
		return 0
	}
	return user.TokenVersion
}

func toPublicUser(user *repository.User) PublicUser {
	return PublicUser{
		ID:          user.ID.String(),
		FullName:    user.FullName,
		Username:    user.Username,
		Email:       user.Email,
		AccountType: user.AccountType,
		CreatedAt:   user.CreatedAt,
	}
}
