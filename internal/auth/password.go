package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used for actor credentials.
var PasswordCost = bcrypt.DefaultCost

// HashPassword hashes a plaintext re-authentication secret.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with the stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return fmt.Errorf("%w: password hash is empty", ErrInvalidInput)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
