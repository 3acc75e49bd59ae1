package auth

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"
)

func TestGenerateTOTPSecret(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	raw, err := enc.DecodeString(secret)
	if err != nil {
		t.Fatalf("secret should be valid unpadded base32: %v", err)
	}
	if len(raw) != totpSecretBytes {
		t.Errorf("expected %d secret bytes, got %d", totpSecretBytes, len(raw))
	}

	other, _ := GenerateTOTPSecret()
	if other == secret {
		t.Error("two secrets should not collide")
	}
}

func TestTOTPProvisioningURI(t *testing.T) {
	uri := TOTPProvisioningURI("Vendrman", "ada@example.com", "JBSWY3DPEHPK3PXP")

	if !strings.HasPrefix(uri, "otpauth://totp/Vendrman:ada@example.com?") {
		t.Errorf("unexpected label: %s", uri)
	}
	for _, want := range []string{"secret=JBSWY3DPEHPK3PXP", "issuer=Vendrman", "period=30", "digits=6", "algorithm=SHA1"} {
		if !strings.Contains(uri, want) {
			t.Errorf("URI missing %q: %s", want, uri)
		}
	}
}

func TestVerifyTOTPCodeWindow(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	raw, _ := enc.DecodeString(secret)

	now := time.Unix(1_700_000_000, 0)
	counter := now.Unix() / totpPeriod

	tests := []struct {
		name string
		code string
		want bool
	}{
		{"current period", hotpCode(raw, counter), true},
		{"previous period", hotpCode(raw, counter-1), true},
		{"next period", hotpCode(raw, counter+1), true},
		{"two periods back", hotpCode(raw, counter-2), false},
		{"two periods ahead", hotpCode(raw, counter+2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VerifyTOTPCode(secret, tt.code, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("code %s: got %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestVerifyTOTPCodeMalformedInput(t *testing.T) {
	secret, _ := GenerateTOTPSecret()
	now := time.Now()

	for _, code := range []string{"", "12345", "1234567", "12345a", "abcdef", "  1234"} {
		ok, err := VerifyTOTPCode(secret, code, now)
		if err != nil {
			t.Fatalf("malformed code %q should not error: %v", code, err)
		}
		if ok {
			t.Errorf("malformed code %q must not verify", code)
		}
	}
}

func TestVerifyTOTPCodeTrimsWhitespace(t *testing.T) {
	secret, _ := GenerateTOTPSecret()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	raw, _ := enc.DecodeString(secret)

	now := time.Unix(1_700_000_000, 0)
	code := hotpCode(raw, now.Unix()/totpPeriod)

	ok, err := VerifyTOTPCode(secret, " "+code+" ", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("surrounding whitespace should be tolerated")
	}
}

func TestVerifyTOTPCodeBadSecret(t *testing.T) {
	if _, err := VerifyTOTPCode("not base32!!", "123456", time.Now()); err == nil {
		t.Error("expected an error for an undecodable secret")
	}
	if _, err := VerifyTOTPCode("", "123456", time.Now()); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestHotpCodeKnownVectors(t *testing.T) {
	// RFC 4226 appendix D test vectors for the secret "12345678901234567890".
	secret := []byte("12345678901234567890")
	want := []string{"755224", "287082", "359152", "969429", "338314", "254676", "287922", "162583", "399871", "520489"}

	for counter, expected := range want {
		if got := hotpCode(secret, int64(counter)); got != expected {
			t.Errorf("counter %d: got %s, want %s", counter, got, expected)
		}
	}
}
