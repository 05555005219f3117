package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Storage
	case "storage.engine":
		cfg.Storage.Engine = strings.ToLower(value)

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = port
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxPeers = n
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Validator
	case "validator.enabled", "validate":
		cfg.Validator.Enabled = parseBool(value)
	case "validator.interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Validator.Interval = d
	case "validator.keepalive":
		cfg.Validator.KeepAlive = parseBool(value)
	case "validator.keyfiles":
		cfg.Validator.KeyFiles = parseStringList(value)

	// Mempool
	case "mempool.maxsize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.MaxSize = n
	case "mempool.checknonce":
		cfg.Mempool.CheckNonce = parseBool(value)
	case "mempool.expiry":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Mempool.Expiry = d

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Stakeledger Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (batch size, block limits, initial stakes) live in the
# genesis configuration.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.stakeledger)
# datadir = ~/.stakeledger

# ============================================================================
# Storage
# ============================================================================

# memory (state lost on exit) or badger
storage.engine = badger

# ============================================================================
# P2P Network
# ============================================================================

# Gossip transactions and finalized blocks between nodes. Nodes without
# validators follow the validator host and sync missing blocks from peers.
p2p.enabled = false
p2p.listen = 0.0.0.0
p2p.port = ` + defaultP2PPort(network) + `
p2p.maxpeers = 50

# Seed multiaddrs (comma-separated)
# p2p.seeds = /ip4/203.0.113.1/tcp/30303/p2p/12D3KooW...

# Disable mDNS and DHT discovery
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes and the validator host)
# p2p.dhtserver = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Validators
# ============================================================================

validator.enabled = ` + strconv.FormatBool(network == Testnet) + `

# Round interval (default: genesis block time)
# validator.interval = 1s

# Keep running after a round finds nothing to propose
validator.keepalive = true

# Encrypted validator key files (comma-separated)
# validator.keyfiles = ~/.stakeledger/mainnet/keystore/validator.key

# ============================================================================
# Transaction Pool
# ============================================================================

mempool.maxsize = 10000
mempool.checknonce = true
mempool.expiry = 1h

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultP2PPort(network NetworkType) string {
	if network == Testnet {
		return "30304"
	}
	return "30303"
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8645"
	}
	return "8545"
}
