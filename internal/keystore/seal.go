// Key sealing for at-rest storage.
//
// Key files are encrypted with XChaCha20-Poly1305 using a key derived
// from the passphrase via Argon2id.
//
// File format:  salt (32 bytes) || nonce (24 bytes) || ciphertext
// Permissions:  0600

package keystore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealSaltSize = 32
	// Argon2id parameters.
	sealArgon2Time    = 3
	sealArgon2Memory  = 64 * 1024 // 64 MiB
	sealArgon2Threads = 4
	sealArgon2KeyLen  = chacha20poly1305.KeySize // 32
)

// seal encrypts plaintext for at-rest storage.
// Returns salt || nonce || ciphertext.
func seal(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, sealArgon2Time, sealArgon2Memory, sealArgon2Threads, sealArgon2KeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	// salt || nonce || ciphertext
	out := make([]byte, 0, sealSaltSize+chacha20poly1305.NonceSizeX+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// unseal decrypts data produced by seal.
func unseal(data []byte, password string) ([]byte, error) {
	minLen := sealSaltSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead + 1
	if len(data) < minLen {
		return nil, fmt.Errorf("sealed key too short (%d bytes, need at least %d)", len(data), minLen)
	}

	salt := data[:sealSaltSize]
	nonce := data[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := data[sealSaltSize+chacha20poly1305.NonceSizeX:]

	key := argon2.IDKey([]byte(password), salt, sealArgon2Time, sealArgon2Memory, sealArgon2Threads, sealArgon2KeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return aead.Open(nil, nonce, ciphertext, nil)
}
