package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"pgregory.net/rapid"
)

func TestTokenRoundTrip(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	token, err := service.Sign("user-123", "user@example.com", 4)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	claims, err := service.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.UserID() != "user-123" {
		t.Errorf("subject mismatch: got %s", claims.UserID())
	}
	if claims.Email != "user@example.com" {
		t.Errorf("email mismatch: got %s", claims.Email)
	}
	if claims.TokenVersion != 4 {
		t.Errorf("version mismatch: got %d", claims.TokenVersion)
	}
}

func TestTokenRoundTripProperty(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	rapid.Check(t, func(t *rapid.T) {
		userID := rapid.StringMatching(`[a-f0-9-]{8,36}`).Draw(t, "userID")
		email := rapid.StringMatching(`[a-z0-9]{1,16}@[a-z]{1,8}\.com`).Draw(t, "email")
		version := rapid.IntRange(0, 1000).Draw(t, "version")

		token, err := service.Sign(userID, email, version)
		if err != nil {
			t.Fatalf("sign failed: %v", err)
		}
		claims, err := service.Verify(token)
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if claims.UserID() != userID || claims.Email != email || claims.TokenVersion != version {
			t.Fatalf("claims do not round-trip: %+v", claims)
		}
	})
}

func TestTokenExpiry(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	token, err := service.Sign("user-123", "user@example.com", 0)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	service.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := service.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})
	other := NewTokenService(TokenServiceConfig{Secret: "different-secret", Expiry: time.Hour})

	token, err := other.Sign("user-123", "user@example.com", 0)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := service.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenTamperedPayload(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	token, err := service.Sign("user-123", "user@example.com", 0)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", token)
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := service.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenGarbageInput(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	for _, input := range []string{"", "garbage", "a.b.c", "Bearer xyz"} {
		if _, err := service.Verify(input); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("input %q: expected ErrInvalidToken, got %v", input, err)
		}
	}
}

func TestTokenRejectsMissingSubject(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret", Expiry: time.Hour})

	// A well-signed token without a subject is not a session token.
	claims := Claims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := service.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenDefaultExpiry(t *testing.T) {
	service := NewTokenService(TokenServiceConfig{Secret: "unit-test-secret"})
	if service.Expiry() != 7*24*time.Hour {
		t.Errorf("expected 7-day default, got %v", service.Expiry())
	}
}
