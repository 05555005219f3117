// Command testnet boots a 2-node local testnet from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It creates a throwaway genesis, boots two in-process nodes (one running
// the validator committee, one follower), submits a stream of transfers to
// the follower, lets them gossip to the committee, and verifies both ledgers
// converge. Ctrl+C for early shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/node"
	"github.com/Klingon-tech/stakeledger/internal/wallet"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
)

const (
	numTransfers = 20
	sendInterval = 250 * time.Millisecond
	settleTime   = 3 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	gen := config.TestnetGenesis()
	gen.ChainID = "stakeledger-testnet-local"
	gen.ChainName = "Local Testnet"
	gen.Timestamp = uint64(time.Now().Unix())

	// ── Phase 1: Build nodes ─────────────────────────────────────────────

	validatorCfg, err := localConfig("validator", nil)
	if err != nil {
		return err
	}
	defer os.RemoveAll(validatorCfg.DataDir)

	validator, err := node.New(validatorCfg, gen)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	if err := validator.Start(); err != nil {
		validator.Stop()
		return fmt.Errorf("start validator: %w", err)
	}
	defer validator.Stop()

	followerCfg, err := localConfig("follower", validator.P2P().Addrs())
	if err != nil {
		return err
	}
	defer os.RemoveAll(followerCfg.DataDir)
	followerCfg.Validator.Enabled = false

	follower, err := node.New(followerCfg, gen)
	if err != nil {
		return fmt.Errorf("build follower: %w", err)
	}
	if err := follower.Start(); err != nil {
		follower.Stop()
		return fmt.Errorf("start follower: %w", err)
	}
	defer follower.Stop()

	time.Sleep(500 * time.Millisecond) // GossipSub mesh stabilization.
	fmt.Printf("validator %s  peers=%d\n", validator.P2P().ID(), validator.P2P().PeerCount())
	fmt.Printf("follower  %s  peers=%d\n", follower.P2P().ID(), follower.P2P().PeerCount())

	// ── Phase 2: Signal handling ─────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	// ── Phase 3: Transfers through the follower ──────────────────────────

	keys, err := wallet.DeriveKeys(gen.Dev.Mnemonic, 2)
	if err != nil {
		return fmt.Errorf("derive keys: %w", err)
	}
	defer func() {
		for _, k := range keys {
			k.Zero()
		}
	}()

	sent := send(ctx, follower, keys[0], keys[1])

	// ── Phase 4: Verification ────────────────────────────────────────────

	select {
	case <-ctx.Done():
	case <-time.After(settleTime):
	}

	vTip, vHeight := validator.Committee().Tip()
	fTip, fHeight := follower.Committee().Tip()
	vAcct, _ := validator.Ledger().GetAccount(keys[1].PublicKey())
	fAcct, _ := follower.Ledger().GetAccount(keys[1].PublicKey())

	fmt.Println()
	fmt.Printf("  Transfers sent:    %d\n", sent)
	fmt.Printf("  Validator tip:     %s @ %d\n", vTip.Short(), vHeight)
	fmt.Printf("  Follower tip:      %s @ %d\n", fTip.Short(), fHeight)
	fmt.Printf("  Recipient balance: %d / %d\n", vAcct.Balance, fAcct.Balance)
	fmt.Printf("  Pending (v / f):   %d / %d\n", validator.Pool().Count(), follower.Pool().Count())
	fmt.Println()

	if vTip != fTip || vHeight != fHeight || vAcct != fAcct {
		return fmt.Errorf("ledger mismatch between nodes")
	}
	fmt.Println("SUCCESS: both nodes converged")
	return nil
}

// send submits transfers to n and gossips them, returning how many were
// accepted.
func send(ctx context.Context, n *node.Node, from *crypto.PrivateKey, to *crypto.PrivateKey) int {
	acct, _ := n.Ledger().GetAccount(from.PublicKey())
	nonce := acct.Nonce
	sent := 0
	for i := 0; i < numTransfers; i++ {
		select {
		case <-ctx.Done():
			return sent
		case <-time.After(sendInterval):
		}

		transfer := tx.NewTransfer(from.PublicKey(), to.PublicKey(), config.MilliCoin, nonce)
		if err := transfer.Sign(from); err != nil {
			fmt.Fprintf(os.Stderr, "sign: %v\n", err)
			return sent
		}
		if _, err := n.Pool().Submit(transfer); err != nil {
			fmt.Fprintf(os.Stderr, "submit nonce %d: %v\n", nonce, err)
			continue
		}
		if err := n.P2P().BroadcastTx(transfer); err != nil {
			fmt.Fprintf(os.Stderr, "broadcast: %v\n", err)
		}
		nonce++
		sent++
	}
	return sent
}

// localConfig returns a loopback-only config rooted in a fresh temp dir.
func localConfig(name string, seeds []string) (*config.Config, error) {
	dir, err := os.MkdirTemp("", "stakeledger-"+name+"-")
	if err != nil {
		return nil, err
	}
	cfg := config.Default(config.Testnet)
	cfg.DataDir = dir
	cfg.Storage.Engine = config.StorageMemory
	cfg.RPC.Enabled = false
	cfg.P2P.Enabled = true
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = seeds
	cfg.Validator.Interval = 100 * time.Millisecond
	cfg.Log.Level = "warn"
	if err := config.EnsureDataDirs(cfg); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return cfg, nil
}
