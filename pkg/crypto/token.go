package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// token.go - проверка токена доступа к управляющему API
//
// В конфигурации хранится только bcrypt-хеш токена (API_TOKEN_HASH).

var (
	ErrEmptyToken    = errors.New("token cannot be empty")
	ErrTokenTooLong  = errors.New("token exceeds 72 bytes")
	ErrTokenMismatch = errors.New("token does not match")
)

// DefaultCost - стоимость bcrypt по умолчанию
const DefaultCost = 12

// HashToken хеширует токен bcrypt
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > 72 {
		return "", ErrTokenTooLong
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken сравнивает токен с хешем за постоянное время
func VerifyToken(token, hash string) error {
	if token == "" || hash == "" {
		return ErrTokenMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrTokenMismatch
	}
	return nil
}
