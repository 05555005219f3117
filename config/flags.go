package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Version is reported by --version.
const Version = "0.1.0"

// KeyPasswordEnv names the environment variable holding the validator
// key file password.
const KeyPasswordEnv = "STAKELEDGER_KEY_PASSWORD"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	Genesis string

	// Storage
	Storage string

	// P2P
	P2P        bool
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool
	DHTServer  bool

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string

	// Validator
	Validate     bool
	Interval     time.Duration
	KeepAlive    bool
	ValidatorKey string

	// Mempool
	MaxPool int

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P        bool
	SetNoDiscover bool
	SetDHTServer  bool
	SetRPC        bool
	SetValidate   bool
	SetKeepAlive  bool
	SetLogJSON    bool
}

// ParseFlags parses the process command line. It exits on parse errors.
func ParseFlags() *Flags {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

func parseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("stakeledgerd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Genesis, "genesis", "", "Genesis file path (default: built-in)")

	// Storage
	fs.StringVar(&f.Storage, "storage", "", "Storage engine (memory or badger)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", false, "Enable P2P networking")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable peer discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode")

	// RPC
	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")

	// Validator
	fs.BoolVar(&f.Validate, "validate", false, "Run in-process validators")
	fs.DurationVar(&f.Interval, "interval", 0, "Validator round interval")
	fs.BoolVar(&f.KeepAlive, "keepalive", true, "Keep validators running after an idle round")
	fs.StringVar(&f.ValidatorKey, "validator-key", "", "Comma-separated encrypted validator key files")

	// Mempool
	fs.IntVar(&f.MaxPool, "maxpool", 0, "Maximum pending transactions")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = printUsage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetDHTServer = isFlagSet(fs, "dht-server")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetValidate = isFlagSet(fs, "validate")
	f.SetKeepAlive = isFlagSet(fs, "keepalive")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// A positional argument stops flag parsing; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Storage
	if f.Storage != "" {
		cfg.Storage.Engine = strings.ToLower(f.Storage)
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}
	if f.SetDHTServer {
		cfg.P2P.DHTServer = f.DHTServer
	}

	// RPC
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}

	// Validator
	if f.SetValidate {
		cfg.Validator.Enabled = f.Validate
	}
	if f.Interval != 0 {
		cfg.Validator.Interval = f.Interval
	}
	if f.SetKeepAlive {
		cfg.Validator.KeepAlive = f.KeepAlive
	}
	if f.ValidatorKey != "" {
		cfg.Validator.KeyFiles = parseStringList(f.ValidatorKey)
	}

	// Mempool
	if f.MaxPool != 0 {
		cfg.Mempool.MaxSize = f.MaxPool
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Stakeledger - proof-of-stake account ledger

Usage:
  stakeledgerd [options]
  stakeledgerd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.stakeledger)
  --config, -c    Config file path (default: <datadir>/stakeledger.conf)
  --genesis       Genesis file (default: built-in for the network)
  --storage       Storage engine: memory or badger (default: badger)

P2P Options:
  --p2p           Enable P2P networking (default: false)
  --p2p-port      P2P listen port (mainnet: 30303, testnet: 30304)
  --seeds         Seed multiaddrs (comma-separated)
  --maxpeers      Maximum peers (default: 50)
  --nodiscover    Disable mDNS and DHT peer discovery
  --dht-server    Run DHT in server mode

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC port (mainnet: 8545, testnet: 8645)
  --rpc-allowed   Allowed IPs for RPC (comma-separated)
  --rpc-cors      Allowed CORS origins for RPC (comma-separated)

Validator Options:
  --validate        Run in-process validators (testnet default: true)
  --interval        Round interval, e.g. 500ms (default: genesis block time)
  --keepalive       Keep running after an idle round (default: true)
  --validator-key   Comma-separated encrypted validator key files
                    (password from ` + KeyPasswordEnv + `)

Mempool Options:
  --maxpool       Maximum pending transactions (default: 10000)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start a testnet node with the dev validators
  stakeledgerd --testnet

  # In-memory devnet with fast rounds
  stakeledgerd --testnet --storage=memory --interval=200ms

  # Follower node that syncs from the validator host
  stakeledgerd --testnet --validate=false --p2p --seeds=/ip4/10.0.0.5/tcp/30304/p2p/12D3KooW...
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("stakeledgerd version " + Version)
		os.Exit(0)
	}

	cfg, err := loadWith(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

func loadWith(flags *Flags) (*Config, error) {
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	cfg.Validator.KeyPassword = os.Getenv(KeyPasswordEnv)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
