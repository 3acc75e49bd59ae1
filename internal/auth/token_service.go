package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token service errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the session-token payload. The token-version snapshot binds the
// token to the account's revocation counter at mint time; the guard compares
// it against the stored value on every request.
type Claims struct {
	Email        string `json:"email"`
	TokenVersion int    `json:"ver"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenService signs and verifies compact HS256 session tokens. Revocation is
// not checked here; that is the guard's version comparison.
type TokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	Secret string
	Expiry time.Duration
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// Sign mints a session token for the given user bound to tokenVersion.
func (s *TokenService) Sign(userID, email string, tokenVersion int) (string, error) {
	now := s.now()

	claims := Claims{
		Email:        email,
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a session token. Returns ErrTokenExpired when
// the token is structurally valid but past its expiry, ErrInvalidToken for
// every other failure (malformed structure, signature mismatch, bad payload).
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// All payload fields are required for a valid session token.
	if claims.Subject == "" || claims.Email == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Expiry returns the configured token lifetime.
func (s *TokenService) Expiry() time.Duration {
	return s.expiry
}
