package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
)

// Hasher hashes passwords and seals short secrets with a process-wide key.
type Hasher struct {
	cost int
	key  []byte
}

// NewHasher returns a Hasher using bcrypt at the given cost and an
// XChaCha20-Poly1305 key of exactly 32 bytes.
func NewHasher(key []byte, cost int) (*Hasher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("auth: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("auth: bcrypt cost %d out of range", cost)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Hasher{cost: cost, key: k}, nil
}

// Hash returns a salted bcrypt digest of plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password too long", ErrInvalidInput)
		}
		return "", err
	}
	return string(digest), nil
}

// Verify compares plaintext against digest. A mismatch is (false, nil); a
// digest that cannot be parsed is an integrity error.
func (h *Hasher) Verify(plaintext, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: password digest: %v", ErrIntegrity, err)
	}
}

// Encrypt seals plaintext and returns "hex(nonce):hex(ciphertext)".
func (h *Hasher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(h.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Malformed or tampered
// envelopes return ErrIntegrity.
func (h *Hasher) Decrypt(envelope string) (string, error) {
	nonceHex, sealedHex, ok := strings.Cut(envelope, ":")
	if !ok || nonceHex == "" || sealedHex == "" {
		return "", fmt.Errorf("%w: malformed envelope", ErrIntegrity)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: malformed nonce", ErrIntegrity)
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrIntegrity)
	}
	aead, err := chacha20poly1305.NewX(h.key)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return string(plain), nil
}
