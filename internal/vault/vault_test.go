package vault

import (
	"errors"
	"testing"
)

var testSalt = []byte("0123456789abcdef")

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-master-secret", testSalt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("my-api-key", "my-api-secret", "my-passphrase")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if enc.APIKey == "my-api-key" || enc.APISecret == "my-api-secret" {
		t.Error("encrypted output contains plaintext")
	}

	dec, err := v.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if dec.APIKey != "my-api-key" {
		t.Errorf("api key: got %q, want %q", dec.APIKey, "my-api-key")
	}
	if dec.APISecret != "my-api-secret" {
		t.Errorf("api secret: got %q, want %q", dec.APISecret, "my-api-secret")
	}
	if dec.Passphrase != "my-passphrase" {
		t.Errorf("passphrase: got %q, want %q", dec.Passphrase, "my-passphrase")
	}
}

func TestEmptyPassphraseSentinel(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("key", "secret", "")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if enc.Passphrase != "" {
		t.Errorf("empty passphrase should encrypt to empty sentinel, got %q", enc.Passphrase)
	}

	dec, err := v.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if dec.Passphrase != "" {
		t.Errorf("passphrase should round-trip to empty, got %q", dec.Passphrase)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("key", "secret", "")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := v.Encrypt("key", "secret", "")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a.APIKey == b.APIKey {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	v := newTestVault(t)
	enc, err := v.Encrypt("key", "secret", "phrase")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	other, err := New("different-master-secret", testSalt)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := other.Decrypt(enc); err == nil {
		t.Fatal("Decrypt with wrong key should fail")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)
	enc, err := v.Encrypt("key", "secret", "")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	enc.APISecret = "not-base64!!!"
	_, err = v.Decrypt(enc)
	if err == nil {
		t.Fatal("Decrypt of tampered ciphertext should fail")
	}

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %T", err)
	}
	if credErr.Field != "api_secret" {
		t.Errorf("error field: got %q, want %q", credErr.Field, "api_secret")
	}
}

func TestNewRejectsBadInputs(t *testing.T) {
	if _, err := New("", testSalt); err == nil {
		t.Error("empty master secret should be rejected")
	}
	if _, err := New("secret", []byte("short")); err == nil {
		t.Error("short salt should be rejected")
	}
}
