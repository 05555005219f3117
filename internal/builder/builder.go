// Package builder assembles candidate blocks from the transaction pool and
// re-validates blocks proposed by other validators.
package builder

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/ledger"
	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/internal/mempool"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Builder errors.
var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrNoValidators       = errors.New("no validators registered")
	ErrGenesisProposal    = errors.New("genesis block cannot be proposed")
	ErrNilBlock           = errors.New("nil block")
)

// LedgerView is the ledger access the builder needs.
type LedgerView interface {
	Snapshot() *ledger.Snapshot
	Validators() []types.ValidatorAccount
}

// PoolView is the pool access the builder needs.
type PoolView interface {
	Pending() []mempool.Entry
}

// Status tells an idle round apart from a real proposal.
type Status int

const (
	// StatusIdle means the pool holds fewer transactions than the batch size.
	StatusIdle Status = iota
	// StatusProposed means Proposal.Block holds a candidate.
	StatusProposed
)

// String returns a readable status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProposed:
		return "proposed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Proposal is the outcome of Build.
type Proposal struct {
	Status Status
	Block  *block.Block
}

// InvalidTxError reports the first transaction that failed during Build or
// ValidateBlock. errors.Is matches both ErrInvalidTransaction and the cause.
type InvalidTxError struct {
	Index  int        // position in the batch or block
	PoolID uint64     // pool sequence id, set by Build only
	InPool bool       // whether PoolID is meaningful
	Hash   types.Hash // transaction identity
	Err    error
}

func (e *InvalidTxError) Error() string {
	return fmt.Sprintf("%v: tx %d (%s): %v", ErrInvalidTransaction, e.Index, e.Hash.Short(), e.Err)
}

// Unwrap exposes the sentinel and the cause.
func (e *InvalidTxError) Unwrap() []error {
	return []error{ErrInvalidTransaction, e.Err}
}

// Config holds builder parameters.
type Config struct {
	BatchSize   int              // transactions required before proposing
	MaxBlockTxs int              // per-block limit enforced on validation
	Clock       func() time.Time // nil means time.Now
}

// Builder builds and validates blocks against a shared ledger and pool.
type Builder struct {
	ledger LedgerView
	pool   PoolView
	cfg    Config
}

// New creates a builder. Zero config values fall back to the protocol
// defaults.
func New(l LedgerView, p PoolView, cfg Config) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.MaxBlockTxs < cfg.BatchSize {
		cfg.MaxBlockTxs = config.MaxBlockTxs
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Builder{ledger: l, pool: p, cfg: cfg}
}

// BatchSize returns the configured batch threshold.
func (b *Builder) BatchSize() int {
	return b.cfg.BatchSize
}

// BuildGenesis returns the sentinel genesis block.
func (b *Builder) BuildGenesis() *block.Block {
	return block.Genesis()
}

// Build proposes a block on top of prevHash. With fewer pending
// transactions than the batch size it returns an idle proposal. Every
// selected transaction is re-verified and executed in order against a
// private ledger snapshot; the first failure aborts the whole build.
func (b *Builder) Build(prevHash types.Hash) (Proposal, error) {
	pending := b.pool.Pending()
	if len(pending) < b.cfg.BatchSize {
		return Proposal{Status: StatusIdle}, nil
	}
	// Ordering the whole pool lets a lower nonce admitted late take the
	// slot of its successor.
	entries := orderNonces(pending)[:b.cfg.BatchSize]

	snap := b.ledger.Snapshot()
	txs := make([]tx.Transaction, len(entries))
	for i, e := range entries {
		if err := e.Tx.Execute(snap); err != nil {
			return Proposal{}, &InvalidTxError{Index: i, PoolID: e.ID, InPool: true, Hash: e.Hash, Err: err}
		}
		txs[i] = e.Tx
	}

	ts := uint64(b.cfg.Clock().Unix())
	if ts == 0 {
		ts = 1
	}
	blk := block.New(txs, prevHash, ts)
	if err := blk.ValidateStructure(b.cfg.MaxBlockTxs); err != nil {
		return Proposal{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	log.Builder.Debug().
		Str("hash", blk.Hash.Short()).
		Str("prev", prevHash.Short()).
		Int("txs", len(txs)).
		Msg("Block built")
	return Proposal{Status: StatusProposed, Block: blk}, nil
}

// orderNonces sorts each signer's entries by nonce while keeping the slots
// each signer occupies, so signers stay in admission order relative to
// each other.
func orderNonces(entries []mempool.Entry) []mempool.Entry {
	slots := make(map[types.PubKey][]int)
	for i, e := range entries {
		signer := e.Tx.Signer()
		slots[signer] = append(slots[signer], i)
	}

	out := make([]mempool.Entry, len(entries))
	for _, idx := range slots {
		group := make([]mempool.Entry, len(idx))
		for j, i := range idx {
			group[j] = entries[i]
		}
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].Tx.AccountNonce() < group[b].Tx.AccountNonce()
		})
		for j, i := range idx {
			out[i] = group[j]
		}
	}
	return out
}

// ValidateBlock re-runs structure, hash, signature and ledger checks over
// blk without modifying the ledger.
func (b *Builder) ValidateBlock(blk *block.Block) error {
	if blk == nil {
		return ErrNilBlock
	}
	if blk.IsGenesis() {
		return ErrGenesisProposal
	}
	if err := blk.ValidateStructure(b.cfg.MaxBlockTxs); err != nil {
		return err
	}

	snap := b.ledger.Snapshot()
	for i, t := range blk.Transactions {
		if err := t.Execute(snap); err != nil {
			return &InvalidTxError{Index: i, Hash: t.Hash(), Err: err}
		}
	}
	return nil
}

// SelectLeader returns the validator with the highest stake. Equal stakes
// go to the lexicographically smallest public key.
func (b *Builder) SelectLeader() (types.ValidatorAccount, error) {
	return SelectLeader(b.ledger.Validators())
}

// SelectLeader picks the leader from vals, which may be in any order.
func SelectLeader(vals []types.ValidatorAccount) (types.ValidatorAccount, error) {
	if len(vals) == 0 {
		return types.ValidatorAccount{}, ErrNoValidators
	}
	leader := vals[0]
	for _, v := range vals[1:] {
		if v.Stake > leader.Stake || (v.Stake == leader.Stake && v.PubKey.Compare(leader.PubKey) < 0) {
			leader = v
		}
	}
	return leader, nil
}
