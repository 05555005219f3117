package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all validators or votes diverge.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All ledger values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000
	MilliCoin = 1_000_000_000
	MicroCoin = 1_000_000
)

// Block and pool limits.
const (
	DefaultBatchSize   = 2      // Pending transactions required before a proposal
	MaxBlockTxs        = 500    // Hard cap on transactions per block
	DefaultMaxPoolSize = 10_000 // Pending transactions held by the pool
	MaxDevValidators   = 64
)

// Genesis holds the initial ledger state and protocol rules.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	Timestamp uint64 `json:"timestamp"`

	// Initial balances (public key hex -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`

	// Accounts derived from a mnemonic at startup (testnet only)
	Dev *DevAccounts `json:"dev,omitempty"`
}

// ProtocolConfig holds consensus-critical rules.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	BlockTime   int `json:"block_time"`    // Seconds between validator rounds
	BatchSize   int `json:"batch_size"`    // Transactions per proposal
	MaxBlockTxs int `json:"max_block_txs"` // Transactions accepted per block

	// Initial validators (public key hex -> stake in base units)
	Validators map[string]uint64 `json:"validators,omitempty"`
}

// DevAccounts derives validator identities from a well-known mnemonic.
// Key i is registered both as a user account holding Balance and as a
// validator holding Stake.
type DevAccounts struct {
	Mnemonic   string `json:"mnemonic"`
	Validators int    `json:"validators"`
	Balance    uint64 `json:"balance"`
	Stake      uint64 `json:"stake"`
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/i (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for testnet validators.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetFaucetPubKey is the compressed public key (hex) of the funded
	// testnet faucet account.
	TestnetFaucetPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetFaucetPrivKey is the faucet private key (hex). Testnet only.
	TestnetFaucetPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetValidators is the number of testnet validators derived at startup.
	TestnetValidators = 4
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	const founder = "03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d"
	return &Genesis{
		ChainID:   "stakeledger-mainnet-1",
		ChainName: "Stakeledger Mainnet",
		Symbol:    "STK",
		Timestamp: 1770734103,
		Alloc: map[string]uint64{
			founder: 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:   3,
				BatchSize:   DefaultBatchSize,
				MaxBlockTxs: MaxBlockTxs,
				Validators: map[string]uint64{
					founder: 2000 * Coin,
				},
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "stakeledger-testnet-1"
	g.ChainName = "Stakeledger Testnet"
	g.Protocol.Consensus.BlockTime = 1
	g.Alloc = map[string]uint64{
		TestnetFaucetPubKey: 1_000_000 * Coin,
	}
	g.Protocol.Consensus.Validators = map[string]uint64{}
	g.Dev = &DevAccounts{
		Mnemonic:   TestnetMnemonic,
		Validators: TestnetValidators,
		Balance:    200_000 * Coin,
		Stake:      1000 * Coin,
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := g.Protocol.Consensus
	if c.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.MaxBlockTxs < c.BatchSize || c.MaxBlockTxs > MaxBlockTxs {
		return fmt.Errorf("max_block_txs must be between batch_size (%d) and %d", c.BatchSize, MaxBlockTxs)
	}

	total, err := sumKeyed("alloc", g.Alloc)
	if err != nil {
		return err
	}
	if _, err := sumKeyed("validators", c.Validators); err != nil {
		return err
	}

	if g.Dev != nil {
		if g.Dev.Mnemonic == "" {
			return fmt.Errorf("dev.mnemonic is required")
		}
		if g.Dev.Validators < 1 || g.Dev.Validators > MaxDevValidators {
			return fmt.Errorf("dev.validators must be between 1 and %d", MaxDevValidators)
		}
		if g.Dev.Balance > 0 && uint64(g.Dev.Validators) > (math.MaxUint64-total)/g.Dev.Balance {
			return fmt.Errorf("dev balances overflow total supply")
		}
	}
	if len(c.Validators) == 0 && g.Dev == nil {
		return fmt.Errorf("genesis must define at least one validator")
	}
	return nil
}

// sumKeyed checks every key is a public key and the values do not
// overflow when summed.
func sumKeyed(field string, m map[string]uint64) (uint64, error) {
	var total uint64
	for k, v := range m {
		if _, err := types.ParsePubKey(k); err != nil {
			return 0, fmt.Errorf("invalid %s key %q: %w", field, k, err)
		}
		if total > math.MaxUint64-v {
			return 0, fmt.Errorf("%s total overflows", field)
		}
		total += v
	}
	return total, nil
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
