package auth

import (
	"errors"
	"unicode"
)

// minPasswordLength is the minimum accepted password length.
const minPasswordLength = 12

// Password policy errors surfaced to the API as validation failures.
var (
	ErrPasswordTooShort  = errors.New("password must be at least 12 characters")
	ErrPasswordNoLower   = errors.New("password must include a lowercase letter")
	ErrPasswordNoUpper   = errors.New("password must include an uppercase letter")
	ErrPasswordNoDigit   = errors.New("password must include a number")
	ErrPasswordNoSpecial = errors.New("password must include a special character")
)

// ValidatePassword enforces the password policy applied at signup and reset.
// Returns the first violated rule.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	switch {
	case !hasLower:
		return ErrPasswordNoLower
	case !hasUpper:
		return ErrPasswordNoUpper
	case !hasDigit:
		return ErrPasswordNoDigit
	case !hasSpecial:
		return ErrPasswordNoSpecial
	}
	return nil
}
