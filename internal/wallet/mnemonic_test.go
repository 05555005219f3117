package wallet

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/Klingon-tech/stakeledger/config"
)

func TestGenerateMnemonic(t *testing.T) {
	m1, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	m2, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}

	if words := strings.Fields(m1); len(words) != 24 {
		t.Errorf("word count = %d, want 24", len(words))
	}
	if !ValidateMnemonic(m1) {
		t.Error("generated mnemonic should validate")
	}
	if m1 == m2 {
		t.Error("two generated mnemonics should not be identical")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		valid    bool
	}{
		{"testnet 24-word", config.TestnetMnemonic, true},
		{"valid 12-word", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", true},
		{"empty string", "", false},
		{"random words", "not a valid mnemonic phrase at all", false},
		{"wrong checksum", strings.TrimSpace(strings.Repeat("abandon ", 24)), false},
		{"single word", "abandon", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.mnemonic); got != tt.valid {
				t.Errorf("ValidateMnemonic() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestSeedFromMnemonic_KnownVector(t *testing.T) {
	// Standard BIP-39 test vector: "abandon" x11 + "about", passphrase "TREZOR".
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	seed, err := SeedFromMnemonic(mnemonic, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	want, _ := hex.DecodeString("c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04")
	if !bytes.Equal(seed, want) {
		t.Errorf("seed = %x, want %x", seed, want)
	}
}

func TestSeedFromMnemonic_Invalid(t *testing.T) {
	if _, err := SeedFromMnemonic("not a mnemonic", ""); err == nil {
		t.Error("SeedFromMnemonic should reject an invalid mnemonic")
	}
}

func TestDeriveKeys(t *testing.T) {
	keys, err := DeriveKeys(config.TestnetMnemonic, config.TestnetValidators)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}
	if len(keys) != config.TestnetValidators {
		t.Fatalf("got %d keys, want %d", len(keys), config.TestnetValidators)
	}

	seen := make(map[string]bool)
	for i, k := range keys {
		pub := k.PublicKey().String()
		if seen[pub] {
			t.Fatalf("key %d duplicates an earlier key", i)
		}
		seen[pub] = true
	}

	again, err := DeriveKeys(config.TestnetMnemonic, 2)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}
	for i := range again {
		if again[i].PublicKey() != keys[i].PublicKey() {
			t.Fatalf("key %d not deterministic", i)
		}
	}
}

func TestDeriveKeys_MatchesPath(t *testing.T) {
	keys, err := DeriveKeys(config.TestnetMnemonic, 2)
	if err != nil {
		t.Fatalf("DeriveKeys() error: %v", err)
	}
	seed, _ := SeedFromMnemonic(config.TestnetMnemonic, "")
	master, _ := NewMasterKey(seed)
	hd, err := master.DeriveAccountKey(0, ChangeExternal, 1)
	if err != nil {
		t.Fatalf("DeriveAccountKey() error: %v", err)
	}
	if hd.PubKey() != keys[1].PublicKey() {
		t.Error("DeriveKeys index 1 should equal m/44'/8888'/0'/0/1")
	}
}

func TestDeriveKeys_BadInput(t *testing.T) {
	if _, err := DeriveKeys(config.TestnetMnemonic, 0); err == nil {
		t.Error("zero count should fail")
	}
	if _, err := DeriveKeys("bogus words", 1); err == nil {
		t.Error("invalid mnemonic should fail")
	}
}
