// Package wallet derives account and validator keys from BIP-39 mnemonics
// and stores them in password-encrypted key files.
package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
)

const (
	// MnemonicEntropyBits is the entropy size for 24-word mnemonics.
	MnemonicEntropyBits = 256

	// SeedSize is the length of a derived seed in bytes (512 bits).
	SeedSize = 64
)

// GenerateMnemonic creates a new 24-word BIP-39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks word count, word list and checksum.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// SeedFromMnemonic derives the 512-bit BIP-39 seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	return seed, nil
}

// DeriveKeys returns the first count keys on the external chain of
// account 0, m/44'/8888'/0'/0/i. Dev genesis validators come from here.
func DeriveKeys(mnemonic string, count int) ([]*crypto.PrivateKey, error) {
	if count < 1 {
		return nil, fmt.Errorf("key count must be positive, got %d", count)
	}
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	keys := make([]*crypto.PrivateKey, 0, count)
	for i := 0; i < count; i++ {
		hd, err := master.DeriveAccountKey(0, ChangeExternal, uint32(i))
		if err != nil {
			return nil, err
		}
		k, err := hd.Signer()
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
