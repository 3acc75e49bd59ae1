package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vendrman/api/internal/repository"
)

// Google OAuth endpoints. The token endpoint is overridable in tests.
const (
	googleAuthorizeEndpoint = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint     = "https://oauth2.googleapis.com/token"
	googleIssuer            = "https://accounts.google.com"
	googleIssuerAlt         = "accounts.google.com"
)

// OAuth state errors
var (
	ErrOAuthStateInvalid = errors.New("invalid google oauth state")
	ErrOAuthStateExpired = errors.New("google oauth state expired")
)

// GoogleFlowMode distinguishes the login and signup entry points; it only
// affects redirect defaults, not account handling.
type GoogleFlowMode string

const (
	GoogleFlowLogin  GoogleFlowMode = "login"
	GoogleFlowSignup GoogleFlowMode = "signup"
)

// GoogleStartInput carries the parameters of an authorization-URL request.
type GoogleStartInput struct {
	Mode        GoogleFlowMode
	NextPath    string
	AccountType string
}

// GoogleAuthResult is the outcome of a completed Google flow.
type GoogleAuthResult struct {
	Token    string
	NextPath string
}

// GoogleFallback is where to send the browser when a flow fails before the
// state can be trusted.
type GoogleFallback struct {
	Mode     GoogleFlowMode
	NextPath string
}

// googleStatePayload is the signed round-trip state for the OAuth dance.
type googleStatePayload struct {
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
	Nonce       string `json:"nonce"`
	Mode        string `json:"mode"`
	NextPath    string `json:"nextPath"`
	AccountType string `json:"accountType"`
}

// googleIDClaims is the subset of the Google id_token payload we consume.
type googleIDClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	jwt.RegisteredClaims
}

// GoogleAuthorizationURL builds the Google consent URL with a signed state
// binding the flow mode, post-login path, and account type.
func (s *AuthService) GoogleAuthorizationURL(input GoogleStartInput) (string, error) {
	if err := s.requireGoogleConfig(); err != nil {
		return "", err
	}

	defaultPath := "/dashboard"
	if input.Mode == GoogleFlowSignup {
		defaultPath = "/onboarding"
	}
	nextPath := normalizeNextPath(input.NextPath, defaultPath)

	state, err := s.createGoogleState(input.Mode, nextPath, input.AccountType)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", s.google.ClientID)
	params.Set("redirect_uri", s.google.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid email profile")
	params.Set("state", state)
	params.Set("prompt", s.google.Prompt)
	params.Set("access_type", s.google.AccessType)
	params.Set("include_granted_scopes", "true")

	return googleAuthorizeEndpoint + "?" + params.Encode(), nil
}

// CompleteGoogleAuthorization exchanges the authorization code, validates the
// identity Google asserts, and logs in or provisions the matching account.
func (s *AuthService) CompleteGoogleAuthorization(ctx context.Context, code, state string, reqCtx RequestContext) (*GoogleAuthResult, error) {
	if err := s.requireGoogleConfig(); err != nil {
		return nil, err
	}

	statePayload, err := s.parseGoogleState(state)
	if err != nil {
		return nil, err
	}

	idToken, err := s.exchangeGoogleCode(ctx, code, reqCtx)
	if err != nil {
		return nil, err
	}

	claims, err := s.validateGoogleIDToken(idToken)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(claims.Email)
	if email == "" || !claims.EmailVerified {
		s.auditEvent(ctx, "login_failed", false, "", "", reqCtx, map[string]any{"reason": "google_email_not_verified"})
		return nil, ErrGoogleAuthFailed
	}

	fullName := strings.TrimSpace(claims.Name)
	if fullName == "" {
		fullName = strings.TrimSpace(strings.TrimSpace(claims.GivenName) + " " + strings.TrimSpace(claims.FamilyName))
	}
	if fullName == "" {
		fullName = strings.SplitN(email, "@", 2)[0]
	}

	result, err := s.loginOrCreateGoogleUser(ctx, email, fullName, statePayload.AccountType, reqCtx)
	if err != nil {
		return nil, err
	}

	return &GoogleAuthResult{Token: result.Token, NextPath: statePayload.NextPath}, nil
}

// GoogleFallbackFromState recovers redirect hints from a state value without
// trusting it. Used only to route the browser to a sensible error page; never
// for authentication decisions.
func (s *AuthService) GoogleFallbackFromState(state string) GoogleFallback {
	fallback := GoogleFallback{Mode: GoogleFlowLogin, NextPath: "/dashboard"}
	if state == "" {
		return fallback
	}

	encoded, _, _ := strings.Cut(state, ".")
	if encoded == "" {
		return fallback
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fallback
	}
	var payload googleStatePayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return fallback
	}

	if payload.Mode == string(GoogleFlowSignup) {
		fallback.Mode = GoogleFlowSignup
	}
	fallback.NextPath = normalizeNextPath(payload.NextPath, "/dashboard")
	return fallback
}

// exchangeGoogleCode trades the authorization code for an id_token at
// Google's token endpoint.
func (s *AuthService) exchangeGoogleCode(ctx context.Context, code string, reqCtx RequestContext) (string, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", s.google.ClientID)
	form.Set("client_secret", s.google.ClientSecret)
	form.Set("redirect_uri", s.google.RedirectURI)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.googleTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.auditEvent(ctx, "login_failed", false, "", "", reqCtx, map[string]any{"reason": "google_token_exchange_failed"})
		return "", ErrGoogleAuthFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.auditEvent(ctx, "login_failed", false, "", "", reqCtx, map[string]any{
			"reason": "google_token_exchange_failed",
			"status": resp.StatusCode,
		})
		return "", ErrGoogleAuthFailed
	}

	var tokenData struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenData); err != nil {
		return "", ErrGoogleAuthFailed
	}
	if tokenData.IDToken == "" {
		return "", ErrGoogleAuthFailed
	}
	return tokenData.IDToken, nil
}

// validateGoogleIDToken checks the claims of an id_token received directly
// from Google's token endpoint over TLS. The transport is the trust anchor;
// issuer, audience, and expiry are still validated.
func (s *AuthService) validateGoogleIDToken(idToken string) (*googleIDClaims, error) {
	claims := &googleIDClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, ErrGoogleAuthFailed
	}

	if claims.Issuer != googleIssuer && claims.Issuer != googleIssuerAlt {
		return nil, ErrGoogleAuthFailed
	}
	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == s.google.ClientID {
			audienceOK = true
		}
	}
	if !audienceOK {
		return nil, ErrGoogleAuthFailed
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(s.now()) {
		return nil, ErrGoogleAuthFailed
	}

	return claims, nil
}

// loginOrCreateGoogleUser logs the federated identity into its account,
// provisioning one on first contact. Lockout still applies to federated
// logins.
func (s *AuthService) loginOrCreateGoogleUser(ctx context.Context, email, fullName, accountType string, reqCtx RequestContext) (*AuthResult, error) {
	emailNormalized := normalizeEmail(email)
	user, err := s.users.GetByEmailNormalized(ctx, emailNormalized)
	created := false

	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}

		username, err := s.uniqueUsername(ctx, strings.SplitN(email, "@", 2)[0])
		if err != nil {
			return nil, err
		}
		salt, err := s.hasher.NewSalt()
		if err != nil {
			return nil, err
		}
		// Federated accounts get an unguessable random password so the
		// password login path stays closed until a reset.
		randomSecret := make([]byte, 32)
		if _, err := rand.Read(randomSecret); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(hex.EncodeToString(randomSecret), salt)
		if err != nil {
			return nil, err
		}

		newUser := &repository.User{
			ID:                 uuid.New(),
			FullName:           strings.TrimSpace(fullName),
			Username:           username,
			UsernameNormalized: strings.ToLower(username),
			Email:              strings.TrimSpace(email),
			EmailNormalized:    emailNormalized,
			AccountType:        repository.NormalizeAccountType(accountType),
			PasswordSalt:       salt,
			PasswordHash:       hash,
		}

		if createErr := s.users.Create(ctx, newUser); createErr != nil {
			if errors.Is(createErr, repository.ErrEmailAlreadyExists) || errors.Is(createErr, repository.ErrUsernameAlreadyExists) {
				// Lost a provisioning race; the winner's row is authoritative.
				user, err = s.users.GetByEmailNormalized(ctx, emailNormalized)
				if err != nil {
					return nil, ErrGoogleAuthFailed
				}
			} else {
				return nil, createErr
			}
		} else {
			user = newUser
			created = true
		}
	}

	if s.isLockedOut(user) {
		s.auditEvent(ctx, "login_failed", false, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{
			"reason":   "account_locked",
			"provider": "google",
		})
		return nil, ErrAccountLocked
	}

	if err := s.clearFailedLoginState(ctx, user); err != nil {
		return nil, err
	}

	token, err := s.tokens.Sign(user.ID.String(), user.Email, tokenVersion(user))
	if err != nil {
		return nil, err
	}

	if created {
		s.auditEvent(ctx, "signup_success", true, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{"provider": "google"})
	}
	s.auditEvent(ctx, "login_success", true, user.ID.String(), user.EmailNormalized, reqCtx, map[string]any{
		"provider": "google",
		"created":  created,
	})

	return &AuthResult{Token: token, User: toPublicUser(user)}, nil
}

// createGoogleState signs a state payload as base64url(json).base64url(hmac).
func (s *AuthService) createGoogleState(mode GoogleFlowMode, nextPath, accountType string) (string, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	now := s.now()
	payload := googleStatePayload{
		IssuedAt:    now.UnixMilli(),
		ExpiresAt:   now.Add(s.cfg.StateTTL).UnixMilli(),
		Nonce:       hex.EncodeToString(nonce),
		Mode:        string(mode),
		NextPath:    normalizeNextPath(nextPath, "/dashboard"),
		AccountType: string(repository.NormalizeAccountType(accountType)),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + s.signGoogleState(encoded), nil
}

// parseGoogleState verifies the signature before anything in the payload is
// believed, then checks the embedded expiry.
func (s *AuthService) parseGoogleState(state string) (*googleStatePayload, error) {
	encoded, signature, found := strings.Cut(state, ".")
	if !found || encoded == "" || signature == "" {
		return nil, ErrOAuthStateInvalid
	}

	if !constantTimeEquals(signature, s.signGoogleState(encoded)) {
		return nil, ErrOAuthStateInvalid
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrOAuthStateInvalid
	}
	var payload googleStatePayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, ErrOAuthStateInvalid
	}

	if payload.ExpiresAt <= s.now().UnixMilli() {
		return nil, ErrOAuthStateExpired
	}

	if payload.Mode != string(GoogleFlowSignup) {
		payload.Mode = string(GoogleFlowLogin)
	}
	payload.NextPath = normalizeNextPath(payload.NextPath, "/dashboard")
	payload.AccountType = string(repository.NormalizeAccountType(payload.AccountType))

	return &payload, nil
}

func (s *AuthService) signGoogleState(encoded string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.StateSecret))
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *AuthService) requireGoogleConfig() error {
	if s.google.ClientID == "" || s.google.ClientSecret == "" || s.google.RedirectURI == "" {
		return ErrGoogleNotConfigured
	}
	return nil
}

// uniqueUsername derives an available username from the email local part,
// appending a numeric suffix on collision and falling back to a random handle
// if the namespace around the base is exhausted.
func (s *AuthService) uniqueUsername(ctx context.Context, base string) (string, error) {
	cleanBase := sanitizeUsername(base)
	if len(cleanBase) < 3 {
		raw := make([]byte, 3)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		cleanBase = "user_" + hex.EncodeToString(raw)
	}

	for i := 0; i < 500; i++ {
		suffix := ""
		if i > 0 {
			suffix = fmt.Sprintf("_%d", i+1)
		}
		available := maxUsernameLength - len(suffix)
		if available < 3 {
			available = 3
		}
		candidate := cleanBase
		if len(candidate) > available {
			candidate = candidate[:available]
		}
		candidate += suffix

		_, err := s.users.GetByUsernameNormalized(ctx, strings.ToLower(candidate))
		if errors.Is(err, repository.ErrUserNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}

	raw := make([]byte, 5)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	fallback := "user_" + hex.EncodeToString(raw)
	if len(fallback) > maxUsernameLength {
		fallback = fallback[:maxUsernameLength]
	}
	return fallback, nil
}

// maxUsernameLength matches the signup validation rule.
const maxUsernameLength = 30

// sanitizeUsername maps an arbitrary string onto the allowed username
// alphabet: lowercase, non-alphanumerics collapsed to single underscores,
// trimmed, capped.
func sanitizeUsername(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))

	var b strings.Builder
	lastUnderscore := false
	for _, r := range lowered {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	cleaned := strings.Trim(b.String(), "_")
	if cleaned == "" {
		return "user"
	}
	if len(cleaned) > maxUsernameLength {
		cleaned = cleaned[:maxUsernameLength]
	}
	return cleaned
}

// normalizeNextPath accepts only same-origin absolute paths; anything else
// (including protocol-relative "//host" values) falls back.
func normalizeNextPath(value, fallback string) string {
	path := strings.TrimSpace(value)
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return fallback
	}
	return path
}
