package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/ledger"
	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/internal/wallet"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openDB opens the storage engine selected by cfg.
func openDB(cfg *config.Config) (storage.DB, error) {
	switch cfg.Storage.Engine {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageBadger, "":
		db, err := storage.NewBadger(cfg.DBDir())
		if err != nil {
			return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage engine: %s", cfg.Storage.Engine)
	}
}

// loadValidatorKeys decrypts every key file with the shared password.
func loadValidatorKeys(paths []string, password string) ([]*crypto.PrivateKey, error) {
	keys := make([]*crypto.PrivateKey, 0, len(paths))
	for _, p := range paths {
		key, err := wallet.LoadKeyFile(expandHome(p), []byte(password))
		if err != nil {
			zeroKeys(keys)
			return nil, fmt.Errorf("load validator key %s: %w", p, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// deriveDevKeys returns the mnemonic-derived dev keys, or nil when the
// genesis defines none.
func deriveDevKeys(g *config.Genesis) ([]*crypto.PrivateKey, error) {
	if g.Dev == nil {
		return nil, nil
	}
	return wallet.DeriveKeys(g.Dev.Mnemonic, g.Dev.Validators)
}

// applyGenesis registers the genesis allocations, validators and dev keys
// into an empty ledger.
func applyGenesis(store *ledger.Store, g *config.Genesis, devKeys []*crypto.PrivateKey) error {
	for hexKey, balance := range g.Alloc {
		pub, err := types.ParsePubKey(hexKey)
		if err != nil {
			return fmt.Errorf("alloc %q: %w", hexKey, err)
		}
		if err := store.RegisterAccount(pub, types.UserAccount{Balance: balance}); err != nil {
			return err
		}
	}
	for hexKey, stake := range g.Protocol.Consensus.Validators {
		pub, err := types.ParsePubKey(hexKey)
		if err != nil {
			return fmt.Errorf("validator %q: %w", hexKey, err)
		}
		if err := store.RegisterValidator(pub, types.ValidatorAccount{Stake: stake}); err != nil {
			return err
		}
	}
	if g.Dev == nil {
		return nil
	}
	for _, key := range devKeys {
		pub := key.PublicKey()
		if err := store.RegisterAccount(pub, types.UserAccount{Balance: g.Dev.Balance}); err != nil {
			return err
		}
		if err := store.RegisterValidator(pub, types.ValidatorAccount{Stake: g.Dev.Stake}); err != nil {
			return err
		}
	}
	return nil
}

func zeroKeys(keys []*crypto.PrivateKey) {
	for _, k := range keys {
		k.Zero()
	}
}
