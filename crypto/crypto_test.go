package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid key", key: testKey(t)},
		{name: "empty key", key: "", wantErr: "empty"},
		{name: "not base64", key: "!!!", wantErr: "base64"},
		{name: "wrong length", key: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewAESEncryptor: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptString(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	secret := "oauth-refresh-token-value"
	ct, err := EncryptString(enc, secret)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == secret {
		t.Error("ciphertext equals plaintext")
	}
	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != secret {
		t.Errorf("round trip = %q, want %q", pt, secret)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, err := enc.Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext should not decrypt")
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	ct, _ := enc1.Encrypt([]byte("value"))
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Error("wrong key should not decrypt")
	}
}

func TestEmptyStringsPassThrough(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", s, err)
	}
	if s, err := DecryptString(enc, ""); err != nil || s != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", s, err)
	}
}
