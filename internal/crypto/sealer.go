// Package crypto seals camera credentials at rest. RTSP passwords are
// stored AES-256-GCM encrypted; rows written before encryption was
// enabled pass through unchanged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// sealedPrefix marks encrypted values so plaintext legacy rows are
// recognised and returned as-is.
const sealedPrefix = "enc:"

var (
	ErrDecryption = errors.New("crypto: decryption failed")
	ErrNoKey      = errors.New("crypto: empty key")
)

// Sealer encrypts and decrypts short secrets with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from the passphrase. The same
// passphrase must be configured on every process that reads the rows.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plain. Empty input stays empty so optional credentials
// never produce a sealed empty string.
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without the sealed prefix are
// returned verbatim.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrDecryption
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrDecryption
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}
