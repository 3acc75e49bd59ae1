package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. The 64-byte output is stored hex encoded alongside a
// per-account random salt.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltBytes    = 16
)

// decoy credential used when a login targets an unknown email. Running the
// same KDF against it keeps the failure latency of "no such account"
// indistinguishable from "wrong password".
const (
	fakeSalt     = "vendrman-auth-fake-salt"
	fakePassword = "vendrman-invalid-password"
)

// PasswordHasher derives and compares password hashes with a slow,
// memory-hard KDF.
type PasswordHasher struct {
	fakeHash string
}

// NewPasswordHasher creates a PasswordHasher and precomputes the decoy hash.
func NewPasswordHasher() (*PasswordHasher, error) {
	fakeHash, err := hashPassword(fakePassword, fakeSalt)
	if err != nil {
		return nil, err
	}
	return &PasswordHasher{fakeHash: fakeHash}, nil
}

// NewSalt returns a fresh random hex-encoded salt.
func (h *PasswordHasher) NewSalt() (string, error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Hash derives the hex-encoded scrypt hash of password under salt.
func (h *PasswordHasher) Hash(password, salt string) (string, error) {
	return hashPassword(password, salt)
}

// Verify recomputes the hash from the stored salt and compares it against the
// stored hash in constant time.
func (h *PasswordHasher) Verify(password, salt, storedHash string) (bool, error) {
	expected, err := hashPassword(password, salt)
	if err != nil {
		return false, err
	}
	return constantTimeEqualsHex(expected, storedHash), nil
}

// SimulateCheck performs a full hash-and-compare against the decoy
// credential. Called on the "user not found" login path so that path costs
// the same as a real password check.
func (h *PasswordHasher) SimulateCheck(password string) {
	expected, err := hashPassword(password, fakeSalt)
	if err != nil {
		return
	}
	constantTimeEqualsHex(expected, h.fakeHash)
}

func hashPassword(password, salt string) (string, error) {
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// constantTimeEqualsHex compares two hex-encoded digests in constant time.
func constantTimeEqualsHex(a, b string) bool {
	aRaw, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bRaw, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(aRaw) != len(bRaw) {
		return false
	}
	return subtle.ConstantTimeCompare(aRaw, bRaw) == 1
}

// constantTimeEquals compares two strings of equal length in constant time.
func constantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
