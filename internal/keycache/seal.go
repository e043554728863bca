package keycache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/denisbrodbeck/machineid"

	"github.com/cesargomez89/offlinevault/internal/constants"
)

var ErrSealedTooShort = errors.New("sealed key shorter than nonce")

// Sealer protects key bytes at rest.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

type gcmSealer struct {
	aead cipher.AEAD
}

// NewSealer returns an AES-GCM sealer. Output is nonce followed by
// ciphertext.
func NewSealer(key []byte) (Sealer, error) {
	if len(key) != constants.ContentKeyLen {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", constants.ContentKeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &gcmSealer{aead: gcm}, nil
}

// NewDeviceSealer binds sealed keys to this machine. A key file copied to
// another device fails to open there.
func NewDeviceSealer(appID string) (Sealer, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return nil, fmt.Errorf("failed to get machine ID: %w", err)
	}
	sum := sha256.Sum256([]byte(id))
	return NewSealer(sum[:])
}

func (s *gcmSealer) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, constants.ContentKeyNonce)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *gcmSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < constants.ContentKeyNonce {
		return nil, ErrSealedTooShort
	}
	nonce, body := sealed[:constants.ContentKeyNonce], sealed[constants.ContentKeyNonce:]
	return s.aead.Open(nil, nonce, body, nil)
}
