// Package aead provides the authenticated-encryption primitive shared by
// the history store and the transport session layer. Both AES-256-GCM and
// ChaCha20-Poly1305 are available behind one Cipher interface so that
// config.Encryption selects the concrete algorithm at runtime without the
// caller caring which one it got — grounded on the teacher's crypto
// package, which picked exactly one NaCl primitive; this spec needs two,
// selectable, so they're unified behind an interface instead.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/clipsync/clipsync/internal/config"
)

// NonceSize is the nonce length used by both supported AEAD algorithms
// (96 bits), matching the spec's requirement for history entries and
// transport frames alike.
const NonceSize = 12

// KeySize is the symmetric key length for both algorithms (256 bits).
const KeySize = 32

// Cipher seals and opens AEAD ciphertexts with a fixed key.
type Cipher interface {
	// Seal encrypts plaintext with a freshly generated nonce, returning
	// nonce‖ciphertext and the nonce separately for callers that need to
	// persist it alongside the ciphertext.
	Seal(plaintext, aad []byte) (nonce, ciphertext []byte, err error)
	// Open decrypts ciphertext using the given nonce and aad.
	Open(nonce, ciphertext, aad []byte) ([]byte, error)
	// SealAt encrypts plaintext with a caller-supplied nonce instead of a
	// fresh random one. Used by the transport session layer, where the
	// nonce is derived from a strictly increasing sequence number rather
	// than a CSPRNG (spec §4.8) — callers MUST never reuse a (key, nonce)
	// pair, which the sequence-number discipline guarantees.
	SealAt(nonce, plaintext, aad []byte) (ciphertext []byte, err error)
}

type gcmCipher struct{ aead cipher.AEAD }
type chachaCipher struct{ aead cipher.AEAD }

// New returns a Cipher for enc backed by key, a KeySize-byte symmetric key.
func New(enc config.Encryption, key []byte) (Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}
	switch enc {
	case config.EncryptionAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aead: aes: %w", err)
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
		if err != nil {
			return nil, fmt.Errorf("aead: gcm: %w", err)
		}
		return &gcmCipher{aead: gcm}, nil
	case config.EncryptionChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("aead: chacha20poly1305: %w", err)
		}
		return &chachaCipher{aead: a}, nil
	default:
		return nil, fmt.Errorf("aead: unrecognized encryption %q", enc)
	}
}

func (c *gcmCipher) Seal(plaintext, aad []byte) ([]byte, []byte, error) {
	return seal(c.aead, plaintext, aad)
}
func (c *gcmCipher) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	return open(c.aead, nonce, ciphertext, aad)
}
func (c *gcmCipher) SealAt(nonce, plaintext, aad []byte) ([]byte, error) {
	return sealAt(c.aead, nonce, plaintext, aad)
}

func (c *chachaCipher) Seal(plaintext, aad []byte) ([]byte, []byte, error) {
	return seal(c.aead, plaintext, aad)
}
func (c *chachaCipher) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	return open(c.aead, nonce, ciphertext, aad)
}
func (c *chachaCipher) SealAt(nonce, plaintext, aad []byte) ([]byte, error) {
	return sealAt(c.aead, nonce, plaintext, aad)
}

func seal(a cipher.AEAD, plaintext, aad []byte) ([]byte, []byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("aead: nonce: %w", err)
	}
	ct := a.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func sealAt(a cipher.AEAD, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead: bad nonce size %d", len(nonce))
	}
	return a.Seal(nil, nonce, plaintext, aad), nil
}

func open(a cipher.AEAD, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead: bad nonce size %d", len(nonce))
	}
	pt, err := a.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aead: open: %w", err)
	}
	return pt, nil
}

// GenerateKey returns a fresh random KeySize-byte key from a CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("aead: generate key: %w", err)
	}
	return key, nil
}

// SequenceNonce derives a deterministic 96-bit nonce from a strictly
// increasing 64-bit sequence number, used for transport session frames
// where a fresh random nonce per frame would be wasteful and the sequence
// number already guarantees uniqueness within a session (spec §4.8).
func SequenceNonce(direction byte, seq uint64) []byte {
	nonce := make([]byte, NonceSize)
	nonce[0] = direction
	for i := 0; i < 8; i++ {
		nonce[NonceSize-1-i] = byte(seq >> (8 * i))
	}
	return nonce
}
