// Package identity implements KeyStore: loading or generating the node's
// Ed25519 signing keypair, deriving its stable fingerprint, and signing
// and verifying handshake material. Grounded on the teacher's crypto
// package for the "load or generate, persist restrictively" shape, but
// re-targeted onto Ed25519 identity keys via golang.org/x/crypto/ssh
// instead of the teacher's symmetric NaCl token.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/internal/clipsyncerr"
)

// Identity is the process-wide singleton holding this node's keypair,
// derived fingerprint, and stable peer_id. Created at startup, never
// mutated afterward.
//
// PeerID and Fingerprint are deliberately distinct (spec's data model):
// Fingerprint is derived from the current public key and changes if the
// key is ever rotated, while PeerID is a 128-bit value generated once,
// persisted alongside the key, and carried unchanged across key rotation.
type Identity struct {
	PublicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	Fingerprint string
	PeerID      string
}

// Sign signs msg with the node's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Zeroize overwrites the private key material. Call on shutdown.
func (id *Identity) Zeroize() {
	for i := range id.privateKey {
		id.privateKey[i] = 0
	}
}

// Fingerprint renders the SHA-256 fingerprint of an OpenSSH-wire-format
// public key blob as "SHA256:<base64>", matching the spec's definition
// and ssh-keygen's own display convention.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Load reads the Ed25519 keypair at keyPath, generating and persisting a
// new one if it doesn't exist. keyPath's parent directory is created with
// mode 0700 if needed; the private key file is written 0600.
//
// Returns KeyUnavailable for any unreadable/malformed file, and
// EncryptedKeyUnsupported if the file's openssh-key-v1 container uses a
// cipher other than "none" — decrypting such a key out-of-band and
// re-saving it unencrypted is the documented workaround (spec §4.1).
func Load(keyPath string) (*Identity, error) {
	const op = "identity.Load"

	raw, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generate(keyPath)
	}
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		var passphraseErr *ssh.PassphraseMissingError
		if errors.Is(err, ssh.ErrIncorrectPassword) || errors.As(err, &passphraseErr) {
			return nil, clipsyncerr.New(clipsyncerr.KindEncryptedKeyUnsupported, op,
				fmt.Errorf("%s is encrypted; decrypt it out-of-band (e.g. `ssh-keygen -p`) and retry: %w", keyPath, err))
		}
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	pub, priv, err := extractEd25519(raw)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	peerID, err := loadOrGeneratePeerID(peerIDPath(keyPath))
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	return &Identity{
		PublicKey:   pub,
		privateKey:  priv,
		Fingerprint: Fingerprint(signer.PublicKey()),
		PeerID:      peerID,
	}, nil
}

// peerIDPath is where a key's stable peer_id is persisted, next to the key
// itself so the two travel together.
func peerIDPath(keyPath string) string {
	return keyPath + ".peerid"
}

// loadOrGeneratePeerID reads the 128-bit peer_id persisted at path,
// generating and persisting a new one (0600) if it doesn't exist yet. A
// peer_id survives key rotation: it is read once at startup and never
// re-derived from the key material.
func loadOrGeneratePeerID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read peer id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create peer id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("persist peer id: %w", err)
	}
	return id, nil
}

// extractEd25519 re-parses the raw OpenSSH private key to pull out the raw
// Ed25519 key material (ssh.Signer only exposes the public half plus a
// Sign method, but KeyStore needs the private bytes for ed25519.Sign).
func extractEd25519(raw []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	key, err := ssh.ParseRawPrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse raw private key: %w", err)
	}
	edKey, ok := key.(*ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("only ed25519 keys are supported, got %T", key)
	}
	priv := *edKey
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.PublicKeySize:])
	return pub, priv, nil
}

// generate creates a new Ed25519 keypair, persists it at keyPath (0600)
// plus keyPath+".pub" (0644, the standard OpenSSH convention), and returns
// the resulting Identity.
func generate(keyPath string) (*Identity, error) {
	const op = "identity.generate"

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "clipsync")
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}
	pemBytes := pem.EncodeToMemory(block)
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}
	pubLine := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(keyPath+".pub", pubLine, 0o644); err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	peerID, err := loadOrGeneratePeerID(peerIDPath(keyPath))
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindKeyUnavailable, op, err)
	}

	return &Identity{
		PublicKey:   pub,
		privateKey:  priv,
		Fingerprint: Fingerprint(sshPub),
		PeerID:      peerID,
	}, nil
}
