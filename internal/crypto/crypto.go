// Package crypto provides at-rest envelope encryption for memory content
// and the hashing primitives used for API keys and machine fingerprints.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the encryption key material is unusable.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Envelope encrypts and decrypts memory content with AES-256-GCM.
// The cipher key is derived from the configured content key via HKDF so
// operators can supply a passphrase of any length >= 16 bytes.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope derives a 256-bit key from contentKey and builds the AEAD.
func NewEnvelope(contentKey string) (*Envelope, error) {
	if len(contentKey) < 16 {
		return nil, ErrInvalidKey
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(contentKey), nil, []byte("memoryx-content-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive content key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}

	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 string with the nonce prepended.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a string produced by Seal.
func (e *Envelope) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// HashAPIKey returns the hex SHA-256 digest of an API key. Only the digest
// is stored server side.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives a stable 32-hex-char machine fingerprint from the
// concatenated hardware identifiers.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// GenerateAPIKey returns a random API key with the mx_ prefix.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errors.Wrap(err, "generate key")
	}
	return "mx_" + hex.EncodeToString(raw), nil
}
