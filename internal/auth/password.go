package auth

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// DefaultMinPasswordLength is used when Config.MinPasswordLength is unset.
const DefaultMinPasswordLength = 6

// Password validation errors
var (
	ErrPasswordEmpty    = errors.New("password is required and cannot be empty")
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordTooLong  = errors.New("password must be at most 72 bytes long")
	ErrPasswordMismatch = errors.New("password verification failed")
	ErrInvalidHash      = errors.New("invalid password hash")
)

// Username validation errors
var (
	ErrUsernameTooShort = errors.New("username must be at least 3 characters long")
	ErrUsernameTooLong  = errors.New("username must be at most 32 characters long")
	ErrUsernameInvalid  = errors.New("username must contain only letters, digits, dots, underscores, and hyphens")
)

// Email validation errors
var (
	ErrEmailRequired = errors.New("email is required")
	ErrEmailInvalid  = errors.New("invalid email format")
)

// Regular expressions for validation
var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// ValidatePassword checks that password has at least minLength characters
// and fits bcrypt's input limit.
func ValidatePassword(password string, minLength int) error {
	if password == "" {
		return ErrPasswordEmpty
	}

	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}

	if utf8.RuneCountInString(password) < minLength {
		return fmt.Errorf("%w: at least %d characters required", ErrPasswordTooShort, minLength)
	}

	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}

	return nil
}

// HashPassword generates a bcrypt hash of the password. A cost of zero
// selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyPassword compares a password with its hash
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}

		return err
	}

	return nil
}

// ValidateUsername validates username format.
// Requirements:
// - Between 3 and 32 characters
// - Only letters, digits, dots, underscores, and hyphens
func ValidateUsername(username string) error {
	if len(username) < 3 {
		return ErrUsernameTooShort
	}

	if len(username) > 32 {
		return ErrUsernameTooLong
	}

	if !usernameRegex.MatchString(username) {
		return ErrUsernameInvalid
	}

	return nil
}

// ValidateEmail validates email format. Accounts are looked up by email at
// login, so it is required.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}

	if !emailRegex.MatchString(email) {
		return ErrEmailInvalid
	}

	return nil
}
