package wallet

import (
	"bytes"
	"errors"
	"testing"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"private key", bytes.Repeat([]byte{0x42}, 32)},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte{0x01, 0x02, 0x03}, 4000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := Encrypt(tt.data, []byte("pass"), fastParams())
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}
			decrypted, err := Decrypt(encrypted, []byte("pass"))
			if err != nil {
				t.Fatalf("Decrypt() error: %v", err)
			}
			if !bytes.Equal(decrypted, tt.data) {
				t.Error("decrypted data does not match")
			}
		})
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), []byte("correct"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	_, err = Decrypt(encrypted, []byte("wrong"))
	if !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt with wrong password = %v, want ErrDecrypt", err)
	}
}

func TestDecrypt_TruncatedData(t *testing.T) {
	if _, err := Decrypt([]byte("too short"), []byte("pass")); err == nil {
		t.Error("Decrypt with truncated data should fail")
	}
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	encrypted, err := Encrypt([]byte("data"), []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Corrupt the last byte (part of auth tag)
	encrypted[len(encrypted)-1] ^= 0xFF

	if _, err := Decrypt(encrypted, []byte("pass")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt with corrupted ciphertext = %v, want ErrDecrypt", err)
	}
}

func TestEncrypt_DifferentEachTime(t *testing.T) {
	plaintext := []byte("same data")
	password := []byte("same pass")

	enc1, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	enc2, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Equal(enc1, enc2) {
		t.Error("encrypting same data twice should produce different output (random salt/nonce)")
	}
}

func TestEncrypt_OutputFormat(t *testing.T) {
	plaintext := []byte("test")
	params := fastParams()

	encrypted, err := Encrypt(plaintext, []byte("pass"), params)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// header(41) + nonce(24) + ciphertext(len(plaintext) + 16 overhead)
	if want := headerSize + 24 + len(plaintext) + 16; len(encrypted) != want {
		t.Errorf("encrypted length = %d, want %d", len(encrypted), want)
	}
	if encrypted[SaltSize+8] != params.Parallelism {
		t.Error("parallelism not recorded in header")
	}
}

func TestEncrypt_RejectsZeroParams(t *testing.T) {
	if _, err := Encrypt([]byte("x"), []byte("pass"), EncryptionParams{}); err == nil {
		t.Error("Encrypt with zero params should fail")
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Memory != 64*1024 {
		t.Errorf("Memory = %d, want %d", p.Memory, 64*1024)
	}
	if p.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", p.Iterations)
	}
	if p.Parallelism != 4 {
		t.Errorf("Parallelism = %d, want 4", p.Parallelism)
	}
}
