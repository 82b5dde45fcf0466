// Package vault encrypts third-party credentials at rest with AES-256-GCM.
//
// The serialized form is "iv:authTag:cipherText", each part hex encoded.
// Other services parse this format, so it must stay stable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"impersonation-detector/internal/models"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32
	ivSize  = 16
	tagSize = 16

	hkdfSalt = "impersonation-detector-credentials"
	hkdfInfo = "credential-vault-v1"
)

// Vault seals and opens secrets with a single active key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, &models.ConfigurationError{Field: "vault.key", Reason: fmt.Sprintf("must be %d bytes, got %d", KeySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "vault.key", Reason: err.Error()}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "vault.key", Reason: err.Error()}
	}
	return &Vault{aead: aead}, nil
}

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, &models.ConfigurationError{Field: "vault.key_hex", Reason: "not valid hex"}
	}
	if len(key) != KeySize {
		return nil, &models.ConfigurationError{Field: "vault.key_hex", Reason: fmt.Sprintf("must decode to %d bytes, got %d", KeySize, len(key))}
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a 32-byte key with HKDF-SHA256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, &models.ConfigurationError{Field: "vault.passphrase", Reason: "empty"}
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}

// FromConfig prefers an explicit hex key over a passphrase.
func FromConfig(keyHex, passphrase string) (*Vault, error) {
	var (
		key []byte
		err error
	)
	switch {
	case keyHex != "":
		key, err = ParseKey(keyHex)
	case passphrase != "":
		key, err = DeriveKey(passphrase)
	default:
		return nil, &models.ConfigurationError{Field: "vault", Reason: "key_hex or passphrase is required"}
	}
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Seal encrypts plaintext into its structured form.
func (v *Vault) Seal(plaintext string) (models.EncryptedSecret, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return models.EncryptedSecret{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return models.EncryptedSecret{
		IVHex:         hex.EncodeToString(iv),
		AuthTagHex:    hex.EncodeToString(tag),
		CipherTextHex: hex.EncodeToString(ct),
	}, nil
}

// Open authenticates and decrypts a structured secret.
func (v *Vault) Open(secret models.EncryptedSecret) (string, error) {
	iv, err := hex.DecodeString(secret.IVHex)
	if err != nil || len(iv) != ivSize {
		return "", &models.DecryptionError{Reason: "malformed iv"}
	}
	tag, err := hex.DecodeString(secret.AuthTagHex)
	if err != nil || len(tag) != tagSize {
		return "", &models.DecryptionError{Reason: "malformed auth tag"}
	}
	ct, err := hex.DecodeString(secret.CipherTextHex)
	if err != nil {
		return "", &models.DecryptionError{Reason: "malformed cipher text"}
	}
	plaintext, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", &models.DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// Encrypt returns the opaque "iv:authTag:cipherText" string for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	s, err := v.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return Format(s), nil
}

// Decrypt reverses Encrypt. It never returns partial plaintext.
func (v *Vault) Decrypt(opaque string) (string, error) {
	s, err := Parse(opaque)
	if err != nil {
		return "", err
	}
	return v.Open(s)
}

// Format serializes a secret as "iv:authTag:cipherText".
func Format(s models.EncryptedSecret) string {
	return s.IVHex + ":" + s.AuthTagHex + ":" + s.CipherTextHex
}

// Parse splits the serialized form without decrypting it.
func Parse(opaque string) (models.EncryptedSecret, error) {
	parts := strings.Split(opaque, ":")
	if len(parts) != 3 {
		return models.EncryptedSecret{}, &models.DecryptionError{Reason: "expected iv:authTag:cipherText"}
	}
	return models.EncryptedSecret{IVHex: parts[0], AuthTagHex: parts[1], CipherTextHex: parts[2]}, nil
}
