// Package credstore encrypts credential secrets before they ever reach a
// knowledge.Entity's data_json column. The scheme — a random salt,
// pbkdf2-derived key, AES-GCM seal — is grounded on the teacher's own
// encrypted-export round trip (internal/config's persistence layer uses
// exactly this salt-then-ciphertext construction for nodes.enc and its
// sibling *.enc files); we reuse it here rather than introducing a second
// one for the same concern.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	pbkdf2Iter = 100_000
)

// Sealer encrypts and decrypts credential secrets under a single
// passphrase-derived key. The passphrase itself is never stored; only
// the per-secret salt travels alongside the ciphertext.
type Sealer struct {
	passphrase string
}

// NewSealer constructs a Sealer bound to passphrase, typically sourced
// from config.Config.CredentialEncryptionPassphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("credstore: passphrase must not be empty")
	}
	return &Sealer{passphrase: passphrase}, nil
}

// Seal encrypts plaintext, returning salt||nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("credstore: generate salt: %w", err)
	}

	gcm, err := s.gcmFor(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return append(salt, sealed...), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize {
		return nil, fmt.Errorf("credstore: ciphertext too short")
	}
	salt := sealed[:saltSize]
	body := sealed[saltSize:]

	gcm, err := s.gcmFor(salt)
	if err != nil {
		return nil, err
	}
	if len(body) < gcm.NonceSize() {
		return nil, fmt.Errorf("credstore: ciphertext too short")
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: decryption failed: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) gcmFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(s.passphrase), salt, pbkdf2Iter, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: new gcm: %w", err)
	}
	return gcm, nil
}
