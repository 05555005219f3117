package config

import (
	"fmt"
	"net"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	for i, ip := range cfg.RPC.AllowedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("rpc.allowed[%d] %q is not an IP address", i, ip)
		}
	}

	switch cfg.Storage.Engine {
	case "":
		cfg.Storage.Engine = StorageBadger
	case StorageMemory, StorageBadger:
	default:
		return fmt.Errorf("storage.engine must be %q or %q", StorageMemory, StorageBadger)
	}

	if cfg.Validator.Interval < 0 {
		return fmt.Errorf("validator.interval must not be negative")
	}
	if cfg.Mempool.MaxSize < 0 {
		return fmt.Errorf("mempool.maxsize must not be negative")
	}
	if cfg.Mempool.Expiry < 0 {
		return fmt.Errorf("mempool.expiry must not be negative")
	}
	if cfg.Mempool.MaxSize == 0 {
		cfg.Mempool.MaxSize = DefaultMaxPoolSize
	}

	seen := make(map[string]struct{}, len(cfg.Validator.KeyFiles))
	for i, path := range cfg.Validator.KeyFiles {
		if path == "" {
			return fmt.Errorf("validator.keyfiles[%d] is empty", i)
		}
		if _, ok := seen[path]; ok {
			return fmt.Errorf("validator.keyfiles has duplicate entry %q", path)
		}
		seen[path] = struct{}{}
	}
	return nil
}
