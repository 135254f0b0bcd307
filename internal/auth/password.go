package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"allura.org/internal/apperr"
)

const (
	MinPasswordLength = 8
	// MaxPasswordBytes is where bcrypt stops reading its input.
	MaxPasswordBytes = 72
)

// PasswordCost is the bcrypt cost of new hashes. Stored hashes of a lower
// cost are upgraded on the next successful login.
var PasswordCost = bcrypt.DefaultCost

// checkPassword applies the forge password policy to a new password.
func checkPassword(username, password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return apperr.Invalid("password", "password must be at least %d characters", MinPasswordLength)
	case len(password) > MaxPasswordBytes:
		return apperr.Invalid("password", "password must be at most %d bytes", MaxPasswordBytes)
	case username != "" && strings.EqualFold(strings.TrimSpace(password), username):
		return apperr.Invalid("password", "password must differ from the username")
	}
	return nil
}

// HashPassword hashes password at PasswordCost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports ErrInvalidCredentials for any mismatch, including
// accounts without a password.
func VerifyPassword(hash, password string) error {
	if hash == "" || password == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func needsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	return err == nil && cost < PasswordCost
}

// upgradeHash rehashes a verified password stored below PasswordCost. It
// only writes password_hash and never fails the login.
func (s *Service) upgradeHash(ctx context.Context, userID, hash, password string) {
	if !needsRehash(hash) {
		return
	}
	fresh, err := HashPassword(password)
	if err == nil {
		err = s.repo.SetPasswordHash(ctx, userID, fresh)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("password hash upgrade")
		return
	}
	s.log.Info().Str("user_id", userID).Int("cost", PasswordCost).Msg("password hash upgraded")
}
