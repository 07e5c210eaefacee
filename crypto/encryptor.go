// Package crypto provides the authenticated encryption used for every
// PHI-bearing payload: cache entries, queued job payloads, persisted
// request blobs, and DLQ payloads.
//
// Ciphertext layout is hex(nonce) ':' hex(ciphertext). AES-256-GCM
// authenticates as well as encrypts; tampered or truncated ciphertext
// fails decryption.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrInvalidKey is returned when the key is not 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
	// ErrMalformedCiphertext is returned for input that does not match
	// the hex(nonce):hex(ciphertext) layout.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Encryptor performs AES-256-GCM encryption with a process-wide key.
// The key is immutable for the process lifetime; rotation requires
// re-encrypting stored payloads out-of-band.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the plaintext with a fresh random nonce and returns the
// hex(nonce):hex(ciphertext) encoding.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, hex.EncodedLen(len(nonce))+1+hex.EncodedLen(len(sealed)))
	out = append(out, []byte(hex.EncodeToString(nonce))...)
	out = append(out, ':')
	out = append(out, []byte(hex.EncodeToString(sealed))...)
	return out, nil
}

// Decrypt reverses Encrypt. Authentication failure, truncation, or a
// malformed layout all return errors; plaintext is never partially
// returned.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	idx := bytes.IndexByte(data, ':')
	if idx < 0 {
		return nil, ErrMalformedCiphertext
	}
	nonce, err := hex.DecodeString(string(data[:idx]))
	if err != nil || len(nonce) != e.aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	sealed, err := hex.DecodeString(string(data[idx+1:]))
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
