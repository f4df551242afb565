package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mailpulse/mailpulse/errors"
)

const (
	ivSize  = 16
	tagSize = 16
)

// Encrypt seals plaintext with AES-256-GCM under SHA-256(secret).
// The result is "ivhex:authtaghex:cipherhex".
func Encrypt(plaintext, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "failed to generate iv")
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt opens a value produced by Encrypt
func Decrypt(encoded, secret string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", errors.New("invalid encrypted text format")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", errors.New("invalid iv")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", errors.New("invalid auth tag")
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errors.New("invalid ciphertext")
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return "", errors.Wrap(err, "authentication failed")
	}
	return string(plaintext), nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	if secret == "" {
		return nil, errors.New("credentials secret is not configured")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}
	return gcm, nil
}
