package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/vendrman/api/internal/config"
	appctx "github.com/vendrman/api/internal/context"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

// SignupRequest represents the signup request payload
type SignupRequest struct {
	FullName    string `json:"fullName" validate:"required"`
	Username    string `json:"username" validate:"required,username"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	AccountType string `json:"accountType" validate:"required,oneof=CREATIVE CLIENT AGENCY"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	MFACode    string `json:"mfaCode" validate:"omitempty,len=6,numeric"`
	BackupCode string `json:"backupCode" validate:"omitempty"`
}

// ForgotPasswordRequest represents the password-reset request payload
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest represents the password-reset confirmation payload
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// MFAEnableRequest represents the MFA activation payload
type MFAEnableRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// MFAVerifyRequest carries a second factor for MFA-guarded operations
type MFAVerifyRequest struct {
	MFACode    string `json:"mfaCode" validate:"omitempty"`
	BackupCode string `json:"backupCode" validate:"omitempty"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	validate    *validator.Validate
	cookies     config.CookieConfig
	webOrigin   string
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, cookies config.CookieConfig, webOrigin string) *AuthHandler {
	validate := validator.New()
	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})

	return &AuthHandler{
		authService: authService,
		validate:    validate,
		cookies:     cookies,
		webOrigin:   webOrigin,
	}
}

// Signup handles account registration
// POST /api/v1/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(req); !ok {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}
	if err := ValidatePassword(req.Password); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	result, err := h.authService.Signup(r.Context(), SignupInput{
		FullName:    req.FullName,
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		AccountType: req.AccountType,
	}, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.setAuthCookie(w, result.Token)
	h.setCSRFCookie(w)
	h.writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"user": result.User,
	})
}

// Login handles password (and second-factor) authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(req); !ok {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	result, err := h.authService.Login(r.Context(), LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		MFACode:    req.MFACode,
		BackupCode: req.BackupCode,
	}, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.setAuthCookie(w, result.Token)
	h.setCSRFCookie(w)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user": result.User,
	})
}

// Logout revokes all sessions for the authenticated account
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	if err := h.authService.Logout(r.Context(), userID, requestContext(r)); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.clearAuthCookie(w)
	h.clearCSRFCookie(w)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// GetMe returns the authenticated account's profile
// GET /api/v1/auth/me
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	user, err := h.authService.GetMe(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// ForgotPassword starts a password-reset flow
// POST /api/v1/auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(req); !ok {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	resetToken, err := h.authService.RequestPasswordReset(r.Context(), req.Email, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// Same response shape whether or not the account exists.
	data := map[string]interface{}{}
	if resetToken != "" {
		data["resetToken"] = resetToken
	}
	h.writeSuccess(w, http.StatusOK, data)
}

// ResetPassword consumes a reset token and sets a new password
// POST /api/v1/auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(req); !ok {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}
	if err := ValidatePassword(req.NewPassword); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Token, req.NewPassword, requestContext(r)); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password has been reset",
	})
}

// SetupMFA starts MFA enrollment for the authenticated account
// POST /api/v1/auth/mfa/setup
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	setup, err := h.authService.SetupMFA(r.Context(), userID, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"secret":     setup.Secret,
		"otpauthUrl": setup.OTPAuthURL,
	})
}

// EnableMFA confirms enrollment and activates MFA
// POST /api/v1/auth/mfa/enable
func (h *AuthHandler) EnableMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req MFAEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if details, ok := h.validateRequest(req); !ok {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	backupCodes, token, err := h.authService.EnableMFA(r.Context(), userID, req.Code, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// The old token version is now revoked; hand the caller a fresh session.
	h.setAuthCookie(w, token)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"backupCodes": backupCodes,
	})
}

// DisableMFA turns MFA off after second-factor verification
// POST /api/v1/auth/mfa/disable
func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	token, err := h.authService.DisableMFA(r.Context(), userID, MFAVerification{
		MFACode:    req.MFACode,
		BackupCode: req.BackupCode,
	}, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.setAuthCookie(w, token)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "MFA has been disabled",
	})
}

// RegenerateBackupCodes replaces the backup-code set
// POST /api/v1/auth/mfa/backup/regenerate
func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	backupCodes, err := h.authService.RegenerateBackupCodes(r.Context(), userID, MFAVerification{
		MFACode:    req.MFACode,
		BackupCode: req.BackupCode,
	}, requestContext(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"backupCodes": backupCodes,
	})
}

// GoogleStart redirects the browser to Google's consent screen
// GET /api/v1/auth/google/start
func (h *AuthHandler) GoogleStart(w http.ResponseWriter, r *http.Request) {
	mode := GoogleFlowLogin
	if r.URL.Query().Get("mode") == string(GoogleFlowSignup) {
		mode = GoogleFlowSignup
	}

	authURL, err := h.authService.GoogleAuthorizationURL(GoogleStartInput{
		Mode:        mode,
		NextPath:    r.URL.Query().Get("next"),
		AccountType: r.URL.Query().Get("accountType"),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// GoogleCallback completes the OAuth flow. Outcomes are communicated by
// redirect; the browser never sees a JSON error from this endpoint.
// GET /api/v1/auth/google/callback
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" || state == "" {
		http.Redirect(w, r, h.errorRedirectURL(GoogleFlowLogin, "/login", "missing_code_or_state"), http.StatusFound)
		return
	}

	result, err := h.authService.CompleteGoogleAuthorization(r.Context(), code, state, requestContext(r))
	if err != nil {
		fallback := h.authService.GoogleFallbackFromState(state)
		http.Redirect(w, r, h.errorRedirectURL(fallback.Mode, fallback.NextPath, "google_auth"), http.StatusFound)
		return
	}

	h.setAuthCookie(w, result.Token)
	h.setCSRFCookie(w)
	http.Redirect(w, r, h.webRedirectURL(result.NextPath), http.StatusFound)
}

// CSRF issues a fresh CSRF token cookie and echoes the value
// GET /api/v1/auth/csrf
func (h *AuthHandler) CSRF(w http.ResponseWriter, r *http.Request) {
	token := h.setCSRFCookie(w)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"csrfToken": token,
	})
}

// validateRequest runs struct validation and flattens failures per field.
func (h *AuthHandler) validateRequest(req interface{}) (map[string][]string, bool) {
	err := h.validate.Struct(req)
	if err == nil {
		return nil, true
	}

	details := make(map[string][]string)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldErr := range validationErrors {
			field := fieldErr.Field()
			details[field] = append(details[field], "failed "+fieldErr.Tag()+" validation")
		}
	}
	return details, false
}

// writeServiceError maps service errors onto HTTP status and API codes.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmailExists):
		h.writeError(w, http.StatusConflict, CodeEmailExists, "An account with this email already exists", nil)
	case errors.Is(err, ErrUsernameTaken):
		h.writeError(w, http.StatusConflict, CodeUsernameTaken, "Username is already taken", nil)
	case errors.Is(err, ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password", nil)
	case errors.Is(err, ErrAccountLocked):
		h.writeError(w, http.StatusTooManyRequests, CodeAccountLocked, "Too many failed login attempts. Please try again later.", nil)
	case errors.Is(err, ErrTooManyRequests):
		h.writeError(w, http.StatusTooManyRequests, CodeTooManyRequests, "Too many login attempts. Please try again shortly.", nil)
	case errors.Is(err, ErrMFACodeRequired):
		h.writeError(w, http.StatusUnauthorized, CodeMFACodeRequired, "MFA code required", nil)
	case errors.Is(err, ErrMFACodeInvalid), errors.Is(err, ErrMFANotInitialized), errors.Is(err, ErrMFANotEnabled):
		h.writeError(w, http.StatusUnauthorized, CodeMFACodeInvalid, "Invalid MFA code", nil)
	case errors.Is(err, ErrResetTokenInvalid):
		h.writeError(w, http.StatusUnauthorized, CodeResetTokenInvalid, "Invalid or expired password reset token", nil)
	case errors.Is(err, ErrUserNotFound):
		h.writeError(w, http.StatusUnauthorized, CodeAuthUserInvalid, "User not found for token", nil)
	case errors.Is(err, ErrGoogleAuthFailed), errors.Is(err, ErrOAuthStateInvalid), errors.Is(err, ErrOAuthStateExpired):
		h.writeError(w, http.StatusUnauthorized, CodeGoogleAuthFailed, "Unable to authenticate with Google", nil)
	case errors.Is(err, ErrGoogleNotConfigured):
		h.writeError(w, http.StatusServiceUnavailable, CodeGoogleAuthFailed, "Google OAuth is not configured", nil)
	default:
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

func (h *AuthHandler) setAuthCookie(w http.ResponseWriter, token string) {
	cookie := h.baseCookie(h.cookies.AuthName)
	cookie.Value = token
	cookie.HttpOnly = true
	http.SetCookie(w, cookie)
}

func (h *AuthHandler) clearAuthCookie(w http.ResponseWriter) {
	cookie := h.baseCookie(h.cookies.AuthName)
	cookie.HttpOnly = true
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

// setCSRFCookie issues a fresh double-submit token readable by the frontend.
func (h *AuthHandler) setCSRFCookie(w http.ResponseWriter) string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return ""
	}
	token := hex.EncodeToString(raw)

	cookie := h.baseCookie(h.cookies.CSRFName)
	cookie.Value = token
	http.SetCookie(w, cookie)
	return token
}

func (h *AuthHandler) clearCSRFCookie(w http.ResponseWriter) {
	cookie := h.baseCookie(h.cookies.CSRFName)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

func (h *AuthHandler) baseCookie(name string) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(h.cookies.SameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}

	return &http.Cookie{
		Name:     name,
		Path:     "/",
		Domain:   h.cookies.Domain,
		Secure:   h.cookies.Secure,
		SameSite: sameSite,
	}
}

func (h *AuthHandler) webRedirectURL(nextPath string) string {
	origin := strings.TrimRight(h.webOrigin, "/")
	if !strings.HasPrefix(nextPath, "/") {
		nextPath = "/dashboard"
	}
	return origin + nextPath
}

func (h *AuthHandler) errorRedirectURL(mode GoogleFlowMode, nextPath, code string) string {
	target := "/login"
	if mode == GoogleFlowSignup {
		target = "/signup"
	}
	params := url.Values{}
	params.Set("error", code)
	params.Set("next", nextPath)
	return h.webRedirectURL(target + "?" + params.Encode())
}

// requestContext extracts per-request audit attribution.
func requestContext(r *http.Request) RequestContext {
	return RequestContext{
		IPAddress: getClientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs; take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
