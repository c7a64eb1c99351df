// Package vault seals and unseals upstream API credentials with a symmetric
// master key held in process memory. Ciphertexts are what the config store
// persists; cleartext exists only for the duration of a single upstream call.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
)

// KeySize is the required master key length (AES-256).
const KeySize = 32

// maskVisibleChars is how many trailing characters of a secret stay readable.
const maskVisibleChars = 4

// Vault performs authenticated encryption of credentials with AES-256-GCM.
// The master key can be swapped at runtime via Rekey; in-flight calls keep
// using the cipher they loaded.
type Vault struct {
	aead atomic.Pointer[cipher.AEAD]
}

// New creates a Vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	v := &Vault{}
	if err := v.Rekey(key); err != nil {
		return nil, err
	}
	return v, nil
}

// Rekey replaces the master key. Existing ciphertexts sealed under the old
// key stop unsealing, so a rotation must re-seal stored credentials first.
func (v *Vault) Rekey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}
	v.aead.Store(&aead)
	return nil
}

// Seal encrypts a cleartext credential. The result is base64(nonce || ct) and
// is safe to persist.
func (v *Vault) Seal(cleartext string) (string, error) {
	if cleartext == "" {
		return "", fmt.Errorf("cannot seal empty secret")
	}
	aead := *v.aead.Load()
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(cleartext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a stored ciphertext back into the cleartext credential.
func (v *Vault) Unseal(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead := *v.aead.Load()
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	cleartext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("unseal: %w", err)
	}
	return string(cleartext), nil
}

// Mask returns the loggable form of a secret: an ellipsis plus the last four
// characters. The masked form is stable for the lifetime of the key record.
func Mask(cleartext string) string {
	if len(cleartext) <= maskVisibleChars {
		return "…"
	}
	return "…" + cleartext[len(cleartext)-maskVisibleChars:]
}

// Sanitize replaces every occurrence of the given secrets (cleartext or
// sealed form) in text with the masked form. Applied to upstream error bodies
// before they are logged or returned.
func Sanitize(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Mask(s))
	}
	return text
}
