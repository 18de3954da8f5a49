// Package encryption provides the symmetric string cipher used to keep cached
// PII encrypted at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMissingKey        = errors.New("encryption: key is required")
	ErrInvalidCiphertext = errors.New("encryption: invalid ciphertext")
	ErrDecryptionFailed  = errors.New("encryption: decryption failed")
)

const (
	defaultContext = "hotelauth-pii-v1"
	derivedKeyLen  = 32
)

// AESGCM encrypts strings with AES-256-GCM. The caller supplies the key on
// every call; a 256-bit AES key is derived from it with HKDF-SHA256, so keys
// of any length are accepted. Ciphertexts are base64(nonce || sealed) and are
// not deterministic.
type AESGCM struct {
	context []byte
	aeads   sync.Map // key string -> cipher.AEAD
}

// NewAESGCM returns a cipher deriving keys under the given HKDF info string.
// An empty context uses the package default.
func NewAESGCM(context string) *AESGCM {
	if context == "" {
		context = defaultContext
	}
	return &AESGCM{context: []byte(context)}
}

// EncryptString seals plaintext under key. Empty input yields empty output.
func (e *AESGCM) EncryptString(plaintext, key string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := e.aead(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encryption: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a ciphertext produced by EncryptString with the same key.
func (e *AESGCM) DecryptString(ciphertext, key string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	aead, err := e.aead(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCiphertext)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead() {
		return "", fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (e *AESGCM) aead(key string) (cipher.AEAD, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if cached, ok := e.aeads.Load(key); ok {
		return cached.(cipher.AEAD), nil
	}

	derived := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, e.context), derived); err != nil {
		return nil, fmt.Errorf("encryption: derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("encryption: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: create gcm: %w", err)
	}

	actual, _ := e.aeads.LoadOrStore(key, aead)
	return actual.(cipher.AEAD), nil
}
