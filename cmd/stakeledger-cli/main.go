// stakeledger-cli is a command-line client for interacting with a stakeledgerd node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/rpc"
	"github.com/Klingon-tech/stakeledger/internal/rpcclient"
	"github.com/Klingon-tech/stakeledger/internal/wallet"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
	"golang.org/x/term"
)

// keystoreDir returns the keystore path matching stakeledgerd's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8545"
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "balance", "account":
		cmdBalance(client, cmdArgs)
	case "validators":
		cmdValidators(client)
	case "validator":
		cmdValidator(client, cmdArgs)
	case "transfer", "send":
		cmdTransfer(client, cmdArgs, ksDir)
	case "stake":
		cmdStake(client, cmdArgs, ksDir)
	case "tx":
		cmdTx(client, cmdArgs)
	case "cancel":
		cmdCancel(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "key":
		cmdKey(cmdArgs, ksDir)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: stakeledger-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8545)
  --datadir <path>    Data directory (default: ~/.stakeledger)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  balance <pubkey>                Show account balance and nonce
  validators                      Show validator list
  validator <pubkey>              Show validator round statistics
  transfer --key <k> --to <pubkey> --amount <amt> [--nonce <n>]
                                  Send coins
  stake --key <k> --validator <pubkey> --amount <amt> [--nonce <n>]
                                  Move coins into a validator's stake
  tx <hash>                       Show transaction status
  tx --id <n>                     Show pool status of a sequence id
  cancel <id>                     Remove a pending transaction
  mempool                         Show pending transactions
  peers                           Show node identity and connected peers
  bans                            Show banned peers

  key create --name <n>           Create a key from a new mnemonic
  key import --name <n> --mnemonic "..." [--index <i>]
                                  Import a mnemonic-derived key
  key list                        List keys
  key delete --name <n>           Delete a key file

Set %s to skip the password prompt.
`, config.KeyPasswordEnv)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.ChainInfo()
	if err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:      %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:     %s\n", info.Symbol)
	}
	fmt.Printf("Height:     %d\n", info.Height)
	fmt.Printf("Tip:        %s\n", info.TipHash)
	fmt.Printf("Validators: %d (quorum %d)\n", info.Validators, info.Threshold)
	fmt.Printf("Batch size: %d\n", info.BatchSize)
	fmt.Printf("Supply:     %s\n", formatAmount(info.TotalSupply))
	fmt.Printf("Pending:    %d\n", info.Pending)
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakeledger-cli block <hash|height>")
	}

	arg := args[0]
	var (
		raw json.RawMessage
		err error
	)

	// Try as height first (pure number).
	if height, perr := strconv.ParseUint(arg, 10, 64); perr == nil {
		raw, err = client.BlockByHeight(height)
	} else {
		raw, err = client.BlockByHash(arg)
	}
	if err != nil {
		fatal("%v", err)
	}

	var blk struct {
		Hash         string            `json:"hash"`
		PrevHash     string            `json:"prev_hash"`
		Timestamp    int64             `json:"timestamp"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &blk); err != nil {
		fatal("decode block: %v", err)
	}

	fmt.Printf("Hash:         %s\n", blk.Hash)
	fmt.Printf("Prev:         %s\n", blk.PrevHash)
	ts := time.Unix(blk.Timestamp, 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
	for i, data := range blk.Transactions {
		t, err := tx.Unmarshal(data)
		if err != nil {
			fmt.Printf("  [%d] undecodable: %v\n", i, err)
			continue
		}
		fmt.Printf("  [%d] %s\n", i, describeTx(t))
	}
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakeledger-cli balance <pubkey>")
	}
	pub := mustPubKey(args[0])

	acct, err := client.Account(pub)
	if err != nil {
		fatal("ledger_getAccount: %v", err)
	}
	fmt.Printf("Account: %s\n", acct.PubKey)
	fmt.Printf("Balance: %s\n", formatAmount(acct.Balance))
	fmt.Printf("Nonce:   %d\n", acct.Nonce)
}

// ── validators ──────────────────────────────────────────────────────────

func cmdValidators(client *rpcclient.Client) {
	vals, err := client.Validators()
	if err != nil {
		fatal("ledger_getValidators: %v", err)
	}
	fmt.Printf("Validators: %d\n", len(vals))
	for _, v := range vals {
		marker := " "
		if v.Leader {
			marker = "*"
		}
		fmt.Printf("%s %s  stake %s  last %s\n", marker, v.PubKey, formatAmount(v.Stake), v.LastFinalizedHash.Short())
	}
}

func cmdValidator(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakeledger-cli validator <pubkey>")
	}
	st, err := client.ValidatorStatus(args[0])
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("Validator: %s\n", st.PubKey)
	fmt.Printf("Staked:    %v (%s)\n", st.IsValidator, formatAmount(st.Stake))
	fmt.Printf("Leader:    %v\n", st.IsLeader)
	fmt.Printf("Local:     %v\n", st.InCommittee)
	fmt.Printf("Online:    %v\n", st.Online)
	if s := st.Stats; s != nil {
		fmt.Printf("Proposals: %d (finalized %d, rejected %d)\n", s.Proposals, s.Finalized, s.RejectedRounds)
		fmt.Printf("Votes:     %d yes, %d no\n", s.VotesAccepted, s.VotesRejected)
	}
}

// ── transfer / stake ────────────────────────────────────────────────────

func cmdTransfer(client *rpcclient.Client, args []string, ksDir string) {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	keyName := fs.String("key", "", "Key name in the keystore")
	to := fs.String("to", "", "Recipient public key (hex)")
	amountStr := fs.String("amount", "", "Amount in coins (e.g. 1.5)")
	nonce := fs.Int64("nonce", -1, "Account nonce (default: current ledger nonce)")
	fs.Parse(args)

	if *keyName == "" || *to == "" || *amountStr == "" {
		fatal("Usage: stakeledger-cli transfer --key <k> --to <pubkey> --amount <amt>")
	}
	amount := mustAmount(*amountStr)
	recipient := mustPubKey(*to)

	key := loadKey(ksDir, *keyName)
	defer key.Zero()

	t := tx.NewTransfer(key.PublicKey(), recipient, amount, resolveNonce(client, key.PublicKey(), *nonce))
	submitSigned(client, t, key)
}

func cmdStake(client *rpcclient.Client, args []string, ksDir string) {
	fs := flag.NewFlagSet("stake", flag.ExitOnError)
	keyName := fs.String("key", "", "Key name in the keystore")
	validator := fs.String("validator", "", "Validator public key (hex)")
	amountStr := fs.String("amount", "", "Amount in coins (e.g. 1.5)")
	nonce := fs.Int64("nonce", -1, "Account nonce (default: current ledger nonce)")
	fs.Parse(args)

	if *keyName == "" || *validator == "" || *amountStr == "" {
		fatal("Usage: stakeledger-cli stake --key <k> --validator <pubkey> --amount <amt>")
	}
	amount := mustAmount(*amountStr)
	val := mustPubKey(*validator)

	key := loadKey(ksDir, *keyName)
	defer key.Zero()

	t := tx.NewStake(val, key.PublicKey(), amount, resolveNonce(client, key.PublicKey(), *nonce))
	submitSigned(client, t, key)
}

// resolveNonce returns flagNonce, or the signer's ledger nonce when the
// flag was left unset.
func resolveNonce(client *rpcclient.Client, pub types.PubKey, flagNonce int64) uint64 {
	if flagNonce >= 0 {
		return uint64(flagNonce)
	}
	acct, err := client.Account(pub)
	if err != nil {
		fatal("ledger_getAccount: %v", err)
	}
	return acct.Nonce
}

func submitSigned(client *rpcclient.Client, t tx.Transaction, key *crypto.PrivateKey) {
	if err := t.Sign(key); err != nil {
		fatal("sign: %v", err)
	}
	res, err := client.SubmitTx(t)
	if err != nil {
		fatal("tx_submit: %v", err)
	}
	fmt.Printf("Submitted %s\n", describeTx(t))
	fmt.Printf("  ID:   %d\n", res.ID)
	fmt.Printf("  Hash: %s\n", res.Hash)
}

// ── tx / cancel / mempool ───────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("tx", flag.ExitOnError)
	id := fs.Int64("id", -1, "Pool sequence id")
	fs.Parse(args)

	var (
		st  *rpc.TxStatusResult
		err error
	)
	switch {
	case *id >= 0:
		st, err = client.TxStatusByID(uint64(*id))
	case fs.NArg() == 1:
		hash, herr := types.HexToHash(fs.Arg(0))
		if herr != nil {
			fatal("invalid hash: %v", herr)
		}
		st, err = client.TxStatus(hash)
	default:
		fatal("Usage: stakeledger-cli tx <hash> | tx --id <n>")
	}
	if err != nil {
		fatal("tx_getStatus: %v", err)
	}

	fmt.Printf("Status: %s\n", st.Status)
	if st.ID != nil {
		fmt.Printf("ID:     %d\n", *st.ID)
	}
	if st.Hash != "" {
		fmt.Printf("Hash:   %s\n", st.Hash)
	}
	if st.Status == rpc.TxStatusFinalized {
		fmt.Printf("Block:  %s (height %d, index %d)\n", st.BlockHash, st.Height, st.Index)
	}
}

func cmdCancel(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakeledger-cli cancel <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid id: %v", err)
	}
	ok, err := client.CancelTx(id)
	if err != nil {
		fatal("tx_cancel: %v", err)
	}
	if ok {
		fmt.Printf("Cancelled %d\n", id)
	} else {
		fmt.Printf("Transaction %d is no longer pending\n", id)
	}
}

func cmdMempool(client *rpcclient.Client) {
	info, err := client.MempoolInfo()
	if err != nil {
		fatal("%v", err)
	}
	pending, err := client.MempoolContent()
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("Pending: %d / %d\n", info.Count, info.MaxSize)
	for _, p := range pending {
		fmt.Printf("  #%d %s  (%s ago)\n", p.ID, describeTx(p.Tx), time.Since(p.Added).Round(time.Second))
	}
}

// ── net ─────────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	info, err := client.NodeInfo()
	if err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	if info.ID == "" {
		fmt.Println("P2P disabled")
		return
	}
	fmt.Printf("Node ID: %s\n", info.ID)
	for _, addr := range info.Addrs {
		fmt.Printf("  %s\n", addr)
	}

	peers, err := client.Peers()
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers: %d\n", peers.Count)
	for _, p := range peers.Peers {
		source := p.Source
		if source == "" {
			source = "inbound"
		}
		fmt.Printf("  %s  %-8s  connected %s ago\n", p.ID, source, time.Since(p.ConnectedAt).Round(time.Second))
	}
}

func cmdBans(client *rpcclient.Client) {
	bans, err := client.BanList()
	if err != nil {
		fatal("net_getBanList: %v", err)
	}
	fmt.Printf("Banned: %d\n", bans.Count)
	for _, b := range bans.Bans {
		expires := "never"
		if b.ExpiresAt > 0 {
			expires = time.Unix(b.ExpiresAt, 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("  %s  score=%d  expires=%s  %s\n", b.ID, b.Score, expires, b.Reason)
	}
}

// ── key ─────────────────────────────────────────────────────────────────

func cmdKey(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: stakeledger-cli key <create|import|list|delete> [flags]")
	}
	switch args[0] {
	case "create":
		cmdKeyCreate(args[1:], ksDir)
	case "import":
		cmdKeyImport(args[1:], ksDir)
	case "list":
		cmdKeyList(ksDir)
	case "delete":
		cmdKeyDelete(args[1:], ksDir)
	default:
		fatal("Unknown key command: %s", args[0])
	}
}

func cmdKeyCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("key create", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: stakeledger-cli key create --name <name>")
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	storeDerivedKey(ksDir, *name, mnemonic, 0)
}

func cmdKeyImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("key import", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic")
	index := fs.Uint("index", 0, "Address index on m/44'/8888'/0'/0")
	fs.Parse(args)

	if *name == "" || *mnemonic == "" {
		fatal("Usage: stakeledger-cli key import --name <n> --mnemonic \"...\" [--index <i>]")
	}
	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}
	storeDerivedKey(ksDir, *name, *mnemonic, int(*index))
}

// storeDerivedKey derives key index from mnemonic and writes it encrypted.
func storeDerivedKey(ksDir, name, mnemonic string, index int) {
	keys, err := wallet.DeriveKeys(mnemonic, index+1)
	if err != nil {
		fatal("derive key: %v", err)
	}
	for _, k := range keys[:index] {
		k.Zero()
	}
	key := keys[index]
	defer key.Zero()

	password := newPassword()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	path, err := ks.Create(name, key, password, wallet.DefaultParams())
	if err != nil {
		fatal("create key: %v", err)
	}

	fmt.Printf("Key created: %s\n", name)
	fmt.Printf("Public key:  %s\n", key.PublicKey())
	fmt.Printf("File:        %s\n", path)
}

func cmdKeyList(ksDir string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	keys, err := ks.List()
	if err != nil {
		fatal("list keys: %v", err)
	}
	if len(keys) == 0 {
		fmt.Println("No keys found.")
		return
	}
	for _, k := range keys {
		fmt.Printf("%-16s %s\n", k.Name, k.PubKey)
	}
}

func cmdKeyDelete(args []string, ksDir string) {
	fs := flag.NewFlagSet("key delete", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: stakeledger-cli key delete --name <name>")
	}
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	if err := ks.Delete(*name); err != nil {
		fatal("delete key: %v", err)
	}
	fmt.Printf("Deleted %s\n", *name)
}

// loadKey decrypts a keystore entry, prompting for the password.
func loadKey(ksDir, name string) *crypto.PrivateKey {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	password := existingPassword()
	key, err := ks.Load(name, password)
	if err != nil {
		fatal("load key %s: %v", name, err)
	}
	return key
}

// ── Amount helpers ──────────────────────────────────────────────────────

// describeTx renders a one-line summary of t.
func describeTx(t tx.Transaction) string {
	switch v := t.(type) {
	case *tx.Transfer:
		return fmt.Sprintf("transfer %s -> %s  %s  nonce %d", v.From.Short(), v.To.Short(), formatAmount(v.Amount), v.Nonce)
	case *tx.Stake:
		return fmt.Sprintf("stake %s -> %s  %s  nonce %d", v.Staker.Short(), v.Validator.Short(), formatAmount(v.Amount), v.Nonce)
	default:
		return t.Kind().String()
	}
}

// formatAmount converts raw units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal string to raw units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		// Pad to Decimals digits.
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	// Check overflow.
	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}

	return result + frac, nil
}

func mustAmount(s string) uint64 {
	amount, err := parseAmount(s)
	if err != nil {
		fatal("invalid amount: %v", err)
	}
	if amount == 0 {
		fatal("amount must be positive")
	}
	return amount
}

func mustPubKey(s string) types.PubKey {
	pub, err := types.ParsePubKey(s)
	if err != nil {
		fatal("invalid public key: %v", err)
	}
	return pub
}

// ── Password helpers ────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func existingPassword() []byte {
	if pw := os.Getenv(config.KeyPasswordEnv); pw != "" {
		return []byte(pw)
	}
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	return password
}

func newPassword() []byte {
	if pw := os.Getenv(config.KeyPasswordEnv); pw != "" {
		return []byte(pw)
	}
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	return password
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
