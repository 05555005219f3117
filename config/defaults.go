package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Engine: StorageBadger,
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       30303,
			MaxPeers:   50,
			// Seed multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/30303/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8545,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Validator: ValidatorConfig{
			Enabled:   false,
			KeepAlive: true,
		},
		Mempool: MempoolConfig{
			MaxSize:    DefaultMaxPoolSize,
			CheckNonce: true,
			Expiry:     time.Hour,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
// Testnet validators are derived from the dev mnemonic, so block
// production is on by default.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8645
	cfg.P2P.Port = 30304
	cfg.Validator.Enabled = true
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
