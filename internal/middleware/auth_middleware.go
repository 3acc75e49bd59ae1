package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vendrman/api/internal/auth"
	appctx "github.com/vendrman/api/internal/context"
	"github.com/vendrman/api/internal/repository"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware validates session tokens on protected routes. A token passes
// only if its signature and expiry hold AND its version snapshot matches the
// account's stored token version, so a bump anywhere revokes it immediately.
type AuthMiddleware struct {
	tokenService *auth.TokenService
	users        repository.UserRepository
	cookieName   string
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService, users repository.UserRepository, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
		users:        users,
		cookieName:   cookieName,
	}
}

// Authenticate validates the session token from the Authorization header or,
// for browser clients, the auth cookie.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, errCode, errMessage := m.extractToken(r)
		if tokenString == "" {
			m.writeError(w, http.StatusUnauthorized, errCode, errMessage)
			return
		}

		claims, err := m.tokenService.Verify(tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenExpired, "Token expired")
				return
			}
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, "Invalid token")
			return
		}

		userID, err := uuid.Parse(claims.UserID())
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthUserInvalid, "User not found for token")
			return
		}
		user, err := m.users.GetByID(r.Context(), userID)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthUserInvalid, "User not found for token")
			return
		}

		storedVersion := user.TokenVersion
		if storedVersion < 0 {
			storedVersion = 0
		}
		if claims.TokenVersion != storedVersion {
			m.writeError(w, http.StatusUnauthorized, auth.CodeAuthTokenRevoked, "Token has been revoked")
			return
		}

		ctx := appctx.WithIdentity(r.Context(), claims.UserID(), claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken pulls the session token from the Authorization header first,
// then the auth cookie. Returns the error code/message to use when no token
// is found.
func (m *AuthMiddleware) extractToken(r *http.Request) (token, errCode, errMessage string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", auth.CodeAuthHeaderInvalid, "Invalid authorization header format"
		}
		return parts[1], "", ""
	}

	if m.cookieName != "" {
		if cookie, err := r.Cookie(m.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, "", ""
		}
	}

	return "", auth.CodeAuthTokenMissing, "Authorization is required"
}

// writeError writes a JSON error response
func (m *AuthMiddleware) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
