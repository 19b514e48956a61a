// Package credstore stores venue API credentials in an encrypted file.
// The payload is AES-256-GCM sealed with a key derived from a master
// passphrase via PBKDF2-SHA-512. File layout:
//
//	salt(32) || iv(16) || auth_tag(16) || ciphertext
//
// A fresh salt and IV are generated on every save. Wrong passphrase and
// tampered file are indistinguishable: both fail tag verification.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"tradecore/pkg/types"
)

const (
	saltLen  = 32
	ivLen    = 16
	tagLen   = 16
	keyLen   = 32
	kdfIters = 100_000

	headerLen = saltLen + ivLen + tagLen
)

// Credentials for one venue.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// String redacts secrets so Credentials can never leak through logs or
// %v formatting.
func (c Credentials) String() string {
	key := c.APIKey
	if len(key) > 4 {
		key = key[:4] + "…"
	}
	return fmt.Sprintf("Credentials{api_key: %s, api_secret: [redacted]}", key)
}

// Store maps venue name to its credentials.
type Store map[string]Credentials

// Get returns the credentials for a venue.
func (s Store) Get(venue string) (Credentials, bool) {
	c, ok := s[venue]
	return c, ok
}

// Venues lists the venue names present, for diagnostics. Never exposes
// secrets.
func (s Store) Venues() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// Load decrypts the store file with the master passphrase.
func Load(path, passphrase string) (Store, error) {
	frame, err := os.ReadFile(path)
	if err != nil {
		return nil, types.E(types.KindConfig, "credstore.load", fmt.Errorf("read %s: %w", path, err))
	}
	plain, err := open(passphrase, frame)
	if err != nil {
		return nil, types.E(types.KindConfig, "credstore.load", err)
	}
	var s Store
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, types.E(types.KindConfig, "credstore.load", fmt.Errorf("decode payload: %w", err))
	}
	return s, nil
}

// Save encrypts and writes the store with mode 0600. The file is written
// whole; a fresh salt and IV are drawn each time.
func Save(path, passphrase string, s Store) error {
	plain, err := json.Marshal(s)
	if err != nil {
		return types.E(types.KindInternal, "credstore.save", err)
	}
	frame, err := seal(passphrase, plain)
	if err != nil {
		return types.E(types.KindInternal, "credstore.save", err)
	}
	if err := os.WriteFile(path, frame, 0o600); err != nil {
		return types.E(types.KindConfig, "credstore.save", fmt.Errorf("write %s: %w", path, err))
	}
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIters, keyLen, sha512.New)
}

// seal produces salt || iv || tag || ciphertext. GCM puts the tag after
// the ciphertext, so it is split off and moved into the header.
func seal(passphrase string, plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plain, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	frame := make([]byte, 0, headerLen+len(ct))
	frame = append(frame, salt...)
	frame = append(frame, iv...)
	frame = append(frame, tag...)
	frame = append(frame, ct...)
	return frame, nil
}

func open(passphrase string, frame []byte) ([]byte, error) {
	if len(frame) < headerLen {
		return nil, fmt.Errorf("credential file truncated: %d bytes", len(frame))
	}
	salt := frame[:saltLen]
	iv := frame[saltLen : saltLen+ivLen]
	tag := frame[saltLen+ivLen : headerLen]
	ct := frame[headerLen:]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt failed (wrong passphrase or corrupted file): %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}
