package storage

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoTokenKey is returned when a token must be encrypted but no key is configured.
var ErrNoTokenKey = errors.New("storage token key is not configured")

// tokenVersion prefixes every sealed token and is authenticated as AAD.
const tokenVersion byte = 0x01

const tokenOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// EncryptToken seals a token with XChaCha20-Poly1305 and returns
// base64(version || nonce || ciphertext).
func (s *Store) EncryptToken(token string) (string, error) {
	if s.tokenKey == nil {
		return "", ErrNoTokenKey
	}
	aead, err := chacha20poly1305.NewX(s.tokenKey[:])
	if err != nil {
		return "", fmt.Errorf("creating token cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), tokenOverhead+len(token))
	out[0] = tokenVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(token), []byte{tokenVersion})
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptToken opens a value produced by EncryptToken.
func (s *Store) DecryptToken(encoded string) (string, error) {
	if s.tokenKey == nil {
		return "", ErrNoTokenKey
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if len(raw) < tokenOverhead {
		return "", fmt.Errorf("sealed token is %d bytes, minimum is %d", len(raw), tokenOverhead)
	}
	if raw[0] != tokenVersion {
		return "", fmt.Errorf("sealed token version %d is not supported", raw[0])
	}

	aead, err := chacha20poly1305.NewX(s.tokenKey[:])
	if err != nil {
		return "", fmt.Errorf("creating token cipher: %w", err)
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("failed to open token (wrong key or tampered data): %w", err)
	}
	return string(plain), nil
}
