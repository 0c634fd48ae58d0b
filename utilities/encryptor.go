package utilities

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryptor seals snapshot payloads at rest using XChaCha20-Poly1305.
//
// The key is derived from a local secret, so only this installation can read
// its own snapshots. DM previews are plaintext after decryption upstream and
// must not sit on disk in the clear.
type Encryptor struct {
	symmetricKey []byte // 32-byte key for XChaCha20-Poly1305
}

// ErrSecretSize is returned when the seed is not 32 bytes.
var ErrSecretSize = errors.New("snapshot secret must be 32 bytes")

// NewEncryptor creates an encryptor from a 32-byte seed.
//
// The seed is expanded with HKDF so that the same secret can safely be
// reused for other purposes with a different info string.
func NewEncryptor(seed []byte) (*Encryptor, error) {
	if len(seed) != 32 {
		return nil, ErrSecretSize
	}

	// Salt: domain separation. Info: key purpose.
	hkdfReader := hkdf.New(sha256.New, seed, []byte("relaycache:snapshot:v1"), []byte("symmetric"))

	symmetricKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, symmetricKey); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &Encryptor{symmetricKey: symmetricKey}, nil
}

// NewEncryptorFromHex parses a 64-char hex secret. An empty secret returns a
// nil encryptor, which stores treat as "no encryption".
func NewEncryptorFromHex(secret string) (*Encryptor, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot secret: %w", err)
	}
	return NewEncryptor(seed)
}

// Seal encrypts plaintext with a random 24-byte nonce.
// The ciphertext includes a 16-byte authentication tag.
func (e *Encryptor) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)

	return nonce, ciphertext, nil
}

// Open decrypts ciphertext produced by Seal with the same nonce.
func (e *Encryptor) Open(nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size (expected 24 bytes)")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed: invalid ciphertext or wrong key")
	}

	return plaintext, nil
}

// SealBlob returns nonce||ciphertext, suitable for a single storage value.
func (e *Encryptor) SealBlob(plaintext []byte) ([]byte, error) {
	nonce, ciphertext, err := e.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenBlob reverses SealBlob.
func (e *Encryptor) OpenBlob(blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	return e.Open(blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:])
}
