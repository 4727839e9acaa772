package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrNoKey is returned when decryption is requested without a key.
	ErrNoKey = errors.New("credentials: no encryption key configured")
	// ErrKeySize is returned for keys that are not exactly 32 bytes.
	ErrKeySize = fmt.Errorf("credentials: encryption key must be %d bytes", keySize)
	// ErrMalformed is returned for values that are not iv:tag:content hex triples.
	ErrMalformed = errors.New("credentials: malformed encrypted value")
)

// Cipher seals short strings with AES-256-GCM using the wire format shared
// with the dashboard: hex(iv) ":" hex(tag) ":" hex(ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher uses the raw UTF-8 bytes of key, which must be 32 bytes long.
func NewCipher(key string) (*Cipher, error) {
	if len(key) != keySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain under a fresh random IV.
func (c *Cipher) Encrypt(plain string) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("credentials: failed to read iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plain), nil)
	content, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(content), nil
}

// Decrypt opens a value produced by Encrypt or by the dashboard.
func (c *Cipher) Decrypt(value string) (string, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != nonceSize {
		return "", fmt.Errorf("%w: bad iv", ErrMalformed)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	content, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad content", ErrMalformed)
	}

	plain, err := c.aead.Open(nil, iv, append(content, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("credentials: authentication failed: %w", err)
	}
	return string(plain), nil
}
