package auth

import "golang.org/x/crypto/bcrypt"

// HashPassword bcrypt-hashes a tunnel access password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPasswordHash reports whether password matches the stored bcrypt hash.
func VerifyPasswordHash(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
