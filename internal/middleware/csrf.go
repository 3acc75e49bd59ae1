package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// csrfHeaderName is the header browsers must echo the CSRF cookie in.
const csrfHeaderName = "X-CSRF-Token"

// CSRFMiddleware implements the double-submit cookie pattern for mutating
// requests that authenticate via the session cookie. Requests that carry a
// Bearer token do not use cookies and are not CSRF-able, so they pass
// through, as do requests with no session cookie at all.
type CSRFMiddleware struct {
	authCookieName string
	csrfCookieName string
}

// NewCSRFMiddleware creates a new CSRFMiddleware instance
func NewCSRFMiddleware(authCookieName, csrfCookieName string) *CSRFMiddleware {
	return &CSRFMiddleware{
		authCookieName: authCookieName,
		csrfCookieName: csrfCookieName,
	}
}

// Protect validates the double-submit token on cookie-authenticated mutating
// requests.
func (m *CSRFMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		// Bearer-authenticated clients never attach cookies ambiently.
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}

		// CSRF only matters when the session rides on a cookie.
		authCookie, err := r.Cookie(m.authCookieName)
		if err != nil || authCookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		csrfCookie, err := r.Cookie(m.csrfCookieName)
		if err != nil || csrfCookie.Value == "" {
			m.reject(w)
			return
		}

		submitted := r.Header.Get(csrfHeaderName)
		if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(csrfCookie.Value)) != 1 {
			m.reject(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *CSRFMiddleware) reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)

	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    "CSRF_TOKEN_INVALID",
			Message: "Invalid or missing CSRF token",
		},
		Timestamp: time.Now().UTC(),
	})
}

// isSafeMethod returns true for HTTP methods that should not change state.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}
