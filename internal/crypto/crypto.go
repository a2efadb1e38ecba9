// Package crypto implements the envelope encryption applied to stored
// account credentials. Secrets are sealed with NaCl secretbox using a key
// derived from the operator-supplied ENVELOPE_SECRET_KEY.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrDecrypt = errors.New("crypto: decryption failed")

// Box seals and opens credential strings with a fixed symmetric key.
type Box struct {
	key [32]byte
}

// NewBox builds a Box from the configured secret. A 44-character url-safe
// base64 string is used as the raw 32-byte key; anything else is treated as
// a passphrase and run through SHA-256, so operators can use an arbitrary
// secret without generating a key first.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("crypto: secret key is required")
	}
	b := &Box{}
	if raw, err := base64.URLEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		copy(b.key[:], raw)
		return b, nil
	}
	b.key = sha256.Sum256([]byte(secret))
	return b, nil
}

// Encrypt seals plaintext and returns a url-safe base64 token.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (b *Box) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(opened), nil
}
