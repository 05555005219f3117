package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	pub := key.PublicKey()
	if pub[0] != 0x02 && pub[0] != 0x03 {
		t.Errorf("PublicKey() prefix = %#x, want compressed form", pub[0])
	}

	ser := key.Serialize()
	if len(ser) != 32 {
		t.Errorf("Serialize() length = %d, want 32", len(ser))
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	k2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	if bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("two generated keys should not be identical")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	original, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	restored, err := PrivateKeyFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}

	if original.PublicKey() != restored.PublicKey() {
		t.Error("restored key should have same public key")
	}
}

func TestPrivateKeyFromBytes_InvalidLength(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too short", make([]byte, 16)},
		{"too long", make([]byte, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PrivateKeyFromBytes(tt.data); err == nil {
				t.Error("expected error for invalid key length")
			}
		})
	}
}

func TestSign_Verify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	pub := key.PublicKey()

	hash := Hash([]byte("test message"))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != SignatureSize {
		t.Errorf("signature length = %d, want %d", len(sig), SignatureSize)
	}
	if !VerifySignature(hash[:], sig, pub[:]) {
		t.Error("signature should verify against the correct key and hash")
	}
}

func TestSign_InvalidHashLength(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if _, err := key.Sign([]byte("too short")); err == nil {
		t.Error("Sign() should reject non-32-byte hash")
	}
}

func TestSignMessage_Verify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	msg := []byte("arbitrary length message, not a digest")
	sig, err := key.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	if !VerifyMessage(msg, sig, key.PublicKey()) {
		t.Error("message signature should verify")
	}
	if VerifyMessage([]byte("other message"), sig, key.PublicKey()) {
		t.Error("signature should not verify for a different message")
	}
}

func TestSignMessage_Deterministic(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	sig1, err := key.SignMessage([]byte("deterministic test"))
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	sig2, err := key.SignMessage([]byte("deterministic test"))
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	if !bytes.Equal(sig1, sig2) {
		t.Error("Schnorr signatures should be deterministic (same key + same message = same sig)")
	}
}

func TestVerifyMessage_WrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	msg := []byte("message")
	sig, err := key1.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}
	if VerifyMessage(msg, sig, key2.PublicKey()) {
		t.Error("signature should not verify with wrong public key")
	}
}

func TestVerifyMessage_CorruptedSignature(t *testing.T) {
	key, _ := GenerateKey()

	msg := []byte("message")
	sig, err := key.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage() error: %v", err)
	}

	corrupted := make([]byte, len(sig))
	copy(corrupted, sig)
	corrupted[0] ^= 0x01

	if VerifyMessage(msg, corrupted, key.PublicKey()) {
		t.Error("corrupted signature should not verify")
	}
}

func TestVerify_InvalidInputs(t *testing.T) {
	tests := []struct {
		name      string
		hash      []byte
		signature []byte
		publicKey []byte
	}{
		{"nil hash", nil, make([]byte, 64), make([]byte, 33)},
		{"empty signature", make([]byte, 32), nil, make([]byte, 33)},
		{"empty public key", make([]byte, 32), make([]byte, 64), nil},
		{"short signature", make([]byte, 32), make([]byte, 10), make([]byte, 33)},
		{"garbage public key", make([]byte, 32), make([]byte, 64), []byte("bad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignature(tt.hash, tt.signature, tt.publicKey) {
				t.Error("should return false for invalid inputs")
			}
		})
	}
}

func TestPrivateKey_Zero(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	key.Zero()

	for _, b := range key.Serialize() {
		if b != 0 {
			t.Fatal("Serialize() should return zeros after Zero()")
		}
	}
}
