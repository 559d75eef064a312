package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ciphertext, err := Encrypt("imap-password-123", "passphrase")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if ciphertext == "imap-password-123" {
		t.Fatal("ciphertext must not equal plaintext")
	}

	plaintext, err := Decrypt(ciphertext, "passphrase")
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "imap-password-123" {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	ciphertext, err := Encrypt("secret", "passphrase")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt(ciphertext, "other-passphrase"); err == nil {
		t.Fatal("expected decryption with wrong passphrase to fail")
	}
}

func TestDecryptGarbage(t *testing.T) {
	if _, err := Decrypt("not base64 at all!", "passphrase"); err == nil {
		t.Fatal("expected invalid encoding error")
	}
	if _, err := Decrypt("YWJj", "passphrase"); err == nil {
		t.Fatal("expected too-short ciphertext error")
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	a, _ := Encrypt("secret", "passphrase")
	b, _ := Encrypt("secret", "passphrase")
	if a == b {
		t.Fatal("expected unique nonces per encryption")
	}
}
