// Package auth hashes passwords and validates credentials for the API users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MinPasswordLength = 8
	MaxUsernameLength = 64
)

var (
	ErrPasswordTooShort = fmt.Errorf("must be at least %d characters", MinPasswordLength)
	// bcrypt ignores everything past 72 bytes.
	ErrPasswordTooLong = errors.New("must be at most 72 bytes")
	ErrInvalidUsername = errors.New("may only contain letters, digits, '.', '-' and '_'")
)

func HashPassword(password string) (string, error) {
	trimmed := strings.TrimSpace(password)
	if trimmed == "" {
		return "", fmt.Errorf("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func VerifyPassword(password, hash string) bool {
	trimmedPassword := strings.TrimSpace(password)
	trimmedHash := strings.TrimSpace(hash)
	if trimmedPassword == "" || trimmedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(trimmedHash), []byte(trimmedPassword)) == nil
}

// ValidatePassword checks a new password before it is hashed.
func ValidatePassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if len([]rune(trimmed)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(trimmed) > 72 {
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateUsername checks an already normalized username.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("is required")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("must be at most %d characters", MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			continue
		}
		return ErrInvalidUsername
	}
	return nil
}

func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
