// Package vault encrypts and decrypts per-user exchange API credentials.
// It is a pure transform over an in-memory key; no network or disk I/O.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is fixed; changing it invalidates every stored credential.
	KDFIterations = 120000
	keyLen        = 32
)

// CredentialError signals that a single credential could not be encrypted or
// decrypted (wrong key, corrupted ciphertext, tampering). Callers must treat
// it as fatal to that credential only, never to the whole batch.
type CredentialError struct {
	Field string
	Err   error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Field, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Credentials is a decrypted API credential triple. Passphrase is empty for
// venues that do not require one.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// EncryptedCredentials is the storable form. An empty Passphrase field is the
// sentinel for "no passphrase" and round-trips back to an empty string.
type EncryptedCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Vault performs AES-256-GCM encryption with a key derived once from the
// operator-supplied master secret.
type Vault struct {
	key []byte
}

// New derives the symmetric key from the master secret via PBKDF2-SHA256.
// The salt is provisioned once (cmd/genkey) and must stay stable for the
// lifetime of the stored credentials.
func New(masterSecret string, salt []byte) (*Vault, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("vault: master secret is empty")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("vault: salt must be at least 16 bytes, got %d", len(salt))
	}
	key := pbkdf2.Key([]byte(masterSecret), salt, KDFIterations, keyLen, sha256.New)
	return &Vault{key: key}, nil
}

// Encrypt encrypts an API credential triple. An empty passphrase encrypts to
// the empty sentinel.
func (v *Vault) Encrypt(apiKey, apiSecret, passphrase string) (*EncryptedCredentials, error) {
	encKey, err := v.seal(apiKey)
	if err != nil {
		return nil, &CredentialError{Field: "api_key", Err: err}
	}
	encSecret, err := v.seal(apiSecret)
	if err != nil {
		return nil, &CredentialError{Field: "api_secret", Err: err}
	}
	encPassphrase := ""
	if passphrase != "" {
		encPassphrase, err = v.seal(passphrase)
		if err != nil {
			return nil, &CredentialError{Field: "passphrase", Err: err}
		}
	}
	return &EncryptedCredentials{
		APIKey:     encKey,
		APISecret:  encSecret,
		Passphrase: encPassphrase,
	}, nil
}

// Decrypt inverts Encrypt. Failures carry the field name but never any
// plaintext or key material.
func (v *Vault) Decrypt(enc *EncryptedCredentials) (*Credentials, error) {
	apiKey, err := v.open(enc.APIKey)
	if err != nil {
		return nil, &CredentialError{Field: "api_key", Err: err}
	}
	apiSecret, err := v.open(enc.APISecret)
	if err != nil {
		return nil, &CredentialError{Field: "api_secret", Err: err}
	}
	passphrase := ""
	if enc.Passphrase != "" {
		passphrase, err = v.open(enc.Passphrase)
		if err != nil {
			return nil, &CredentialError{Field: "passphrase", Err: err}
		}
	}
	return &Credentials{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		Passphrase: passphrase,
	}, nil
}

// seal encrypts plaintext to base64(nonce || ciphertext).
func (v *Vault) seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
