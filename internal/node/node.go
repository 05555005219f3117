// Package node provides a reusable ledger node that can be embedded
// in any binary (daemon, tests, etc.).
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/builder"
	"github.com/Klingon-tech/stakeledger/internal/chain"
	"github.com/Klingon-tech/stakeledger/internal/consensus"
	"github.com/Klingon-tech/stakeledger/internal/ledger"
	klog "github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/internal/mempool"
	"github.com/Klingon-tech/stakeledger/internal/p2p"
	"github.com/Klingon-tech/stakeledger/internal/rpc"
	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/rs/zerolog"
)

// Key prefixes separating the ledger and the block archive inside one
// database.
var (
	ledgerPrefix = []byte("ledger/")
	chainPrefix  = []byte("chain/")
)

// Node is a fully-initialized ledger node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	ledger    *ledger.Store
	blocks    *chain.BlockStore
	pool      *mempool.Pool
	committee *consensus.Committee
	tracker   *consensus.ValidatorTracker

	// In-process validators
	validators []*consensus.Validator
	interval   time.Duration

	// Network (nil when P2P is disabled)
	p2pNode *p2p.Node
	syncer  *p2p.Syncer
	syncing atomic.Bool

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, ledger, pool, validators, RPC) but does NOT
// start background goroutines. Call Start() for that. A nil genesis
// selects the built-in genesis of cfg.Network.
func New(cfg *config.Config, genesis *config.Genesis) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "stakeledger.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Genesis ──────────────────────────────────────────────────
	if genesis == nil {
		genesis = config.GenesisFor(cfg.Network)
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	rules := genesis.Protocol.Consensus

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("batch_size", rules.BatchSize).
		Int("block_time", rules.BlockTime).
		Msg("Starting Stakeledger Node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(storage.NewPrefixDB(db, ledgerPrefix))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	blocks := chain.NewBlockStore(storage.NewPrefixDB(db, chainPrefix))

	// ── 4. Genesis state ────────────────────────────────────────────
	devKeys, err := deriveDevKeys(genesis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("derive dev keys: %w", err)
	}
	if store.IsEmpty() {
		if err := applyGenesis(store, genesis, devKeys); err != nil {
			zeroKeys(devKeys)
			db.Close()
			return nil, fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info().
			Int("accounts", len(store.Accounts())).
			Int("validators", len(store.Validators())).
			Uint64("supply", store.TotalSupply()).
			Msg("Ledger initialized from genesis")
	}

	tip, height, err := blocks.GetTip()
	if err != nil {
		zeroKeys(devKeys)
		db.Close()
		return nil, fmt.Errorf("read archive tip: %w", err)
	}
	if height > 0 {
		logger.Info().
			Uint64("height", height).
			Str("tip", tip.Short()).
			Msg("Ledger resumed from database")
	}

	// ── 5. Mempool ──────────────────────────────────────────────────
	pool := mempool.New(cfg.Mempool.MaxSize)
	pool.SetChecker(mempool.NewPolicy(store, cfg.Mempool.CheckNonce))

	logger.Info().
		Int("max_size", cfg.Mempool.MaxSize).
		Bool("check_nonce", cfg.Mempool.CheckNonce).
		Dur("expiry", cfg.Mempool.Expiry).
		Msg("Mempool ready")

	// ── 6. Committee and validators ─────────────────────────────────
	interval := cfg.Validator.Interval
	if interval <= 0 {
		interval = time.Duration(rules.BlockTime) * time.Second
	}
	tracker := consensus.NewValidatorTracker(interval)
	committee := consensus.NewCommittee(store, pool, tracker)
	committee.SetTip(tip, height)
	committee.SetArchive(blocks)

	var validators []*consensus.Validator
	if cfg.Validator.Enabled {
		fileKeys, err := loadValidatorKeys(cfg.Validator.KeyFiles, cfg.Validator.KeyPassword)
		if err != nil {
			zeroKeys(devKeys)
			db.Close()
			return nil, err
		}
		validators, err = joinValidators(committee, append(devKeys, fileKeys...), builder.Config{
			BatchSize:   rules.BatchSize,
			MaxBlockTxs: rules.MaxBlockTxs,
		}, cfg.Validator.KeepAlive)
		if err != nil {
			db.Close()
			return nil, err
		}
		for _, v := range validators {
			if !store.IsValidator(v.ID()) {
				logger.Warn().Str("pubkey", v.ID().Short()).Msg("Key has no stake; it will vote but never lead")
			}
		}
		logger.Info().
			Int("validators", len(validators)).
			Int("threshold", committee.Threshold()).
			Dur("interval", interval).
			Msg("Validators ready")
	} else {
		zeroKeys(devKeys)
		logger.Info().Msg("Block production disabled by config")
	}

	// ── 7. P2P ──────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	if cfg.P2P.Enabled {
		p2pNode, err = newP2P(cfg, genesis, db)
		if err != nil {
			closeValidators(validators)
			db.Close()
			return nil, fmt.Errorf("init P2P: %w", err)
		}
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 8. RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, store, pool, genesis, cfg.RPC)
		rpcServer.SetBlockStore(blocks)
		rpcServer.SetCommittee(committee)
		rpcServer.SetMaxPoolSize(cfg.Mempool.MaxSize)
		if p2pNode != nil {
			rpcServer.SetP2P(p2pNode)
		}
		if err := rpcServer.Start(); err != nil {
			closeValidators(validators)
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:        cfg,
		genesis:    genesis,
		logger:     logger,
		db:         db,
		ledger:     store,
		blocks:     blocks,
		pool:       pool,
		committee:  committee,
		tracker:    tracker,
		validators: validators,
		interval:   interval,
		p2pNode:    p2pNode,
		rpcServer:  rpcServer,
		ctx:        ctx,
		cancel:     cancel,
	}
	if p2pNode != nil {
		n.wireP2P()
	}
	return n, nil
}

// Start launches background goroutines: the P2P host and sync loop, one
// loop per validator and the pool expiry sweep.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start P2P: %w", err)
		}
		n.registerSync()
		n.logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Int("port", n.cfg.P2P.Port).
			Bool("discovery", !n.cfg.P2P.NoDiscover).
			Msg("P2P node started")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
		n.triggerSync()
	}

	for _, v := range n.validators {
		n.wg.Add(1)
		go func(v *consensus.Validator) {
			defer n.wg.Done()
			if err := v.Run(n.ctx, n.interval); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error().Err(err).Str("validator", v.ID().Short()).Msg("Validator loop ended")
			}
		}(v)
	}

	if n.cfg.Mempool.Expiry > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runExpiry(n.cfg.Mempool.Expiry)
		}()
	}

	tip, height := n.committee.Tip()
	n.logger.Info().
		Uint64("height", height).
		Str("tip", tip.Short()).
		Int("validators", len(n.validators)).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	closeValidators(n.validators)
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// Wait blocks until every validator loop has returned. With keep-alive
// off, loops end once the pool is drained.
func (n *Node) Wait() {
	n.wg.Wait()
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the number of finalized blocks.
func (n *Node) Height() uint64 {
	_, height := n.committee.Tip()
	return height
}

// Ledger returns the node's ledger store.
func (n *Node) Ledger() *ledger.Store { return n.ledger }

// Pool returns the node's transaction pool.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// Committee returns the in-process validator committee.
func (n *Node) Committee() *consensus.Committee { return n.committee }

// Blocks returns the finalized block archive.
func (n *Node) Blocks() *chain.BlockStore { return n.blocks }

// P2P returns the gossip node, or nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// ── Mempool expiry ──────────────────────────────────────────────────

func (n *Node) runExpiry(maxAge time.Duration) {
	every := maxAge / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if dropped := n.pool.Expire(maxAge); dropped > 0 {
				n.logger.Info().Int("dropped", dropped).Msg("Expired pending transactions")
			}
		}
	}
}

// joinValidators creates one validator per key. On failure every key is
// zeroed.
func joinValidators(c *consensus.Committee, keys []*crypto.PrivateKey, cfg builder.Config, keepAlive bool) ([]*consensus.Validator, error) {
	out := make([]*consensus.Validator, 0, len(keys))
	for i, key := range keys {
		v, err := consensus.NewValidator(key, c, cfg)
		if err != nil {
			closeValidators(out)
			zeroKeys(keys[i:])
			return nil, fmt.Errorf("join validator %s: %w", key.PublicKey().Short(), err)
		}
		v.SetKeepAliveWhenIdle(keepAlive)
		v.SetDropInvalid(true)
		out = append(out, v)
	}
	return out, nil
}

func closeValidators(vals []*consensus.Validator) {
	for _, v := range vals {
		v.Close()
	}
}
