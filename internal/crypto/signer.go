// Package crypto signs export bundle digests with Ed25519.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slyt3/guardstats/internal/assert"
)

// Signer holds an Ed25519 keypair. The private key is stored hex-encoded
// in a file with 0600 permissions.
type Signer struct {
	mu         sync.RWMutex
	path       string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner loads the key at keyPath, generating and saving a new keypair
// if the file does not exist. A file that exists but does not hold a key
// is an error; it is never overwritten.
func NewSigner(keyPath string) (*Signer, error) {
	if err := assert.Check(keyPath != "", "key path must not be empty"); err != nil {
		return nil, err
	}
	privateKey, err := loadPrivateKey(keyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		_, privateKey, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating keypair: %w", err)
		}
		if err := savePrivateKey(keyPath, privateKey); err != nil {
			return nil, fmt.Errorf("saving private key: %w", err)
		}
	case err != nil:
		return nil, err
	}

	return &Signer{
		path:       keyPath,
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// SignDigest signs the digest string as-is and returns the hex signature.
func (s *Signer) SignDigest(digest string) (string, error) {
	if err := assert.Check(digest != "", "digest must not be empty"); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(ed25519.Sign(s.privateKey, []byte(digest))), nil
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(s.publicKey)
}

// Rotate replaces the keypair and saves it to the signer's key file.
// Bundles signed with the old key still verify against the public key
// recorded in their manifest.
func (s *Signer) Rotate() (oldPubKey, newPubKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating new keypair: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := savePrivateKey(s.path, priv); err != nil {
		return "", "", fmt.Errorf("saving rotated key: %w", err)
	}
	oldPubKey = hex.EncodeToString(s.publicKey)
	s.privateKey, s.publicKey = priv, pub
	return oldPubKey, hex.EncodeToString(pub), nil
}

// VerifyDigest checks a hex signature of digest against a hex public key.
// Malformed keys or signatures report false.
func VerifyDigest(publicKeyHex, digest, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(digest), sig)
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", path, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size in %s: expected %d, got %d", path, ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func savePrivateKey(path string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600)
}
