// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, must match across all validators
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Storage engines.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Ledger and block archive backend
	Storage StorageConfig

	// Peer-to-peer gossip and block sync
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// In-process validators
	Validator ValidatorConfig

	// Transaction pool
	Mempool MempoolConfig

	// Logging
	Log LogConfig
}

// StorageConfig selects the database backend.
type StorageConfig struct {
	Engine string `conf:"storage.engine"` // memory or badger
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds and the validator host)
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"`
}

// ValidatorConfig holds block production settings.
type ValidatorConfig struct {
	Enabled bool `conf:"validator.enabled"`

	// Round interval. Zero means the genesis block time.
	Interval time.Duration `conf:"validator.interval"`

	// Keep validator loops running after an idle round instead of exiting.
	KeepAlive bool `conf:"validator.keepalive"`

	// Encrypted key files for validators not derived from the dev mnemonic.
	KeyFiles []string `conf:"validator.keyfiles"`

	// Password for KeyFiles. Usually supplied through STAKELEDGER_KEY_PASSWORD.
	KeyPassword string
}

// MempoolConfig holds transaction pool limits.
type MempoolConfig struct {
	MaxSize    int           `conf:"mempool.maxsize"`
	CheckNonce bool          `conf:"mempool.checknonce"` // Reject stale nonces at admission
	Expiry     time.Duration `conf:"mempool.expiry"`     // Drop entries pending longer than this (0 = never)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.stakeledger
//	macOS:   ~/Library/Application Support/Stakeledger
//	Windows: %APPDATA%\Stakeledger
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stakeledger"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Stakeledger")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Stakeledger")
		}
		return filepath.Join(home, "AppData", "Roaming", "Stakeledger")
	default:
		return filepath.Join(home, ".stakeledger")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "stakeledger.conf")
}
