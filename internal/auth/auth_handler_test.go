package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/vendrman/api/internal/config"
	appctx "github.com/vendrman/api/internal/context"
)

func testCookieConfig() config.CookieConfig {
	return config.CookieConfig{
		AuthName: "vendrman_auth",
		CSRFName: "vendrman_csrf",
		SameSite: "lax",
	}
}

// testGuard verifies the Bearer token against the service's own token service
// and injects the identity, standing in for the full guard middleware.
func testGuard(service *AuthService) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := service.tokens.Verify(token)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := appctx.WithIdentity(r.Context(), claims.UserID(), claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(t *testing.T) (*chi.Mux, *AuthService) {
	t.Helper()

	service, _ := newTestAuthService(t)
	handler := NewAuthHandler(service, testCookieConfig(), "http://localhost:3000")

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		RegisterRoutes(r, handler, testGuard(service))
	})
	return router, service
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func signupBody() map[string]string {
	return map[string]string{
		"fullName":    "Ada Lovelace",
		"username":    "ada_lovelace",
		"email":       "ada@example.com",
		"password":    "Correct-Horse-7!",
		"accountType": "CREATIVE",
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignupEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeEnvelope(t, rec)
	if !resp.Success {
		t.Error("expected success envelope")
	}
	data := resp.Data.(map[string]interface{})
	user := data["user"].(map[string]interface{})
	if user["username"] != "ada_lovelace" {
		t.Errorf("username mismatch: %v", user["username"])
	}
	if _, exposed := user["passwordHash"]; exposed {
		t.Error("credential fields must not appear in the response")
	}

	cookies := rec.Result().Cookies()
	authCookie := findCookie(cookies, "vendrman_auth")
	if authCookie == nil || authCookie.Value == "" {
		t.Fatal("auth cookie should be set")
	}
	if !authCookie.HttpOnly {
		t.Error("auth cookie must be HttpOnly")
	}
	csrfCookie := findCookie(cookies, "vendrman_csrf")
	if csrfCookie == nil || csrfCookie.Value == "" {
		t.Fatal("CSRF cookie should be set")
	}
	if csrfCookie.HttpOnly {
		t.Error("CSRF cookie must be readable by the frontend")
	}
}

func TestSignupEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		mutate func(map[string]string)
		field  string
	}{
		{"missing email", func(b map[string]string) { delete(b, "email") }, "Email"},
		{"bad email", func(b map[string]string) { b["email"] = "not-an-email" }, "Email"},
		{"short username", func(b map[string]string) { b["username"] = "ab" }, "Username"},
		{"invalid username chars", func(b map[string]string) { b["username"] = "ada lovelace!" }, "Username"},
		{"bad account type", func(b map[string]string) { b["accountType"] = "WIZARD" }, "AccountType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := signupBody()
			tt.mutate(body)
			rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", body, "")

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			resp := decodeEnvelope(t, rec)
			if resp.Error == nil || resp.Error.Code != CodeValidationError {
				t.Fatalf("expected %s, got %+v", CodeValidationError, resp.Error)
			}
			if _, ok := resp.Error.Details[tt.field]; !ok {
				t.Errorf("details should name the %s field: %+v", tt.field, resp.Error.Details)
			}
		})
	}
}

func TestSignupEndpointWeakPassword(t *testing.T) {
	router, _ := newTestRouter(t)

	body := signupBody()
	body["password"] = "weakpassword"
	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", body, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != CodeValidationError {
		t.Errorf("expected %s, got %+v", CodeValidationError, resp.Error)
	}
}

func TestSignupEndpointDuplicateEmail(t *testing.T) {
	router, _ := newTestRouter(t)

	if rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), ""); rec.Code != http.StatusCreated {
		t.Fatalf("first signup failed: %d", rec.Code)
	}

	body := signupBody()
	body["username"] = "other_name"
	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", body, "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != CodeEmailExists {
		t.Errorf("expected %s, got %+v", CodeEmailExists, resp.Error)
	}
}

func TestLoginEndpointInvalidCredentials(t *testing.T) {
	router, _ := newTestRouter(t)
	doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "ada@example.com",
		"password": "Wrong-Password-9!",
	}, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != CodeInvalidCredentials {
		t.Errorf("expected %s, got %+v", CodeInvalidCredentials, resp.Error)
	}
}

func TestMeAndLogoutEndpoints(t *testing.T) {
	router, service := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), "")
	token := findCookie(rec.Result().Cookies(), "vendrman_auth").Value

	rec = doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	user := resp.Data.(map[string]interface{})["user"].(map[string]interface{})
	if user["email"] != "ada@example.com" {
		t.Errorf("email mismatch: %v", user["email"])
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}
	authCookie := findCookie(rec.Result().Cookies(), "vendrman_auth")
	if authCookie == nil || authCookie.MaxAge >= 0 {
		t.Error("logout should expire the auth cookie")
	}

	// The old token no longer passes the revocation check.
	claims, err := service.tokens.Verify(token)
	if err != nil {
		t.Fatalf("token still parses: %v", err)
	}
	stored, err := service.users.GetByEmailNormalized(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.TokenVersion == claims.TokenVersion {
		t.Error("logout should move the stored token version past the issued token")
	}
}

func TestForgotPasswordEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/password/forgot", map[string]string{
		"email": "ada@example.com",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	data := resp.Data.(map[string]interface{})
	resetToken, _ := data["resetToken"].(string)
	if resetToken == "" {
		t.Fatal("expose flag is on, the token should be in the response")
	}

	// Unknown emails get the same successful shape, minus the token.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/password/forgot", map[string]string{
		"email": "nobody@example.com",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown email, got %d", rec.Code)
	}
	resp = decodeEnvelope(t, rec)
	if data, ok := resp.Data.(map[string]interface{}); ok {
		if _, leaked := data["resetToken"]; leaked {
			t.Error("unknown emails must not yield a token")
		}
	}

	// Complete the reset through the API.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/password/reset", map[string]string{
		"token":       resetToken,
		"newPassword": "New-Secret-Pass-8!",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "ada@example.com",
		"password": "New-Secret-Pass-8!",
	}, "")
	if rec.Code != http.StatusOK {
		t.Errorf("login with the new password should succeed, got %d", rec.Code)
	}
}

func TestMFAEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/auth/signup", signupBody(), "")
	token := findCookie(rec.Result().Cookies(), "vendrman_auth").Value

	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/mfa/setup", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	data := resp.Data.(map[string]interface{})
	secret, _ := data["secret"].(string)
	otpauthURL, _ := data["otpauthUrl"].(string)
	if secret == "" || !strings.HasPrefix(otpauthURL, "otpauth://totp/") {
		t.Fatalf("unexpected setup payload: %+v", data)
	}

	// A malformed code is rejected by validation before the service runs.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/mfa/enable", map[string]string{"code": "12ab"}, token)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed code, got %d", rec.Code)
	}

	// A well-formed but wrong code is rejected by the service.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/auth/mfa/enable", map[string]string{"code": "000000"}, token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong code, got %d", rec.Code)
	}
}

func TestGoogleStartEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/google/start?mode=signup&accountType=AGENCY", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "https://accounts.google.com/o/oauth2/v2/auth?") {
		t.Errorf("unexpected redirect target: %s", location)
	}
	if !strings.Contains(location, "state=") {
		t.Error("redirect should carry a signed state")
	}
}

func TestGoogleCallbackMissingParams(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/google/callback", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "http://localhost:3000/login?") || !strings.Contains(location, "error=missing_code_or_state") {
		t.Errorf("unexpected redirect: %s", location)
	}
}

func TestCSRFEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/auth/csrf", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	token, _ := resp.Data.(map[string]interface{})["csrfToken"].(string)
	if token == "" {
		t.Fatal("expected a CSRF token in the body")
	}
	cookie := findCookie(rec.Result().Cookies(), "vendrman_csrf")
	if cookie == nil || cookie.Value != token {
		t.Error("cookie and body token must match for the double submit to work")
	}
}
