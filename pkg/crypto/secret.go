package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// secret.go - шифрование API-секретов биржи в конфигурации
//
// Секрет в окружении можно хранить как "enc:<base64(nonce|ciphertext)>",
// ключ AES-256 передаётся отдельно (ENCRYPTION_KEY).

// SecretPrefix - маркер зашифрованного значения
const SecretPrefix = "enc:"

var (
	ErrInvalidKeyLength  = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
	ErrMissingKey        = errors.New("encrypted secret given but encryption key is empty")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptSecret шифрует значение AES-256-GCM и возвращает его с префиксом enc:
func EncryptSecret(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SecretPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// RevealSecret возвращает открытое значение секрета.
// Значения без префикса enc: возвращаются как есть.
func RevealSecret(value string, key []byte) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrMissingKey
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", ErrInvalidCiphertext
	}

	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsEncrypted проверяет префикс enc:
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}
