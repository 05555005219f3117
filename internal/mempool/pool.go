// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Mempool errors.
var (
	ErrInvalidSignature = tx.ErrInvalidSignature
	ErrAlreadyExists    = errors.New("transaction already in mempool")
	ErrConflict         = errors.New("transaction conflicts with pending entry")
	ErrPoolFull         = errors.New("mempool is full")
)

// DefaultMaxSize is used when New is given a non-positive size.
const DefaultMaxSize = 5000

// Checker is an optional admission pre-check run after the signature is
// verified and before the transaction is stored.
type Checker interface {
	Check(t tx.Transaction) error
}

// Entry is a pending transaction with its sequence id.
type Entry struct {
	ID    uint64
	Tx    tx.Transaction
	Hash  types.Hash
	Added time.Time
}

type signerNonce struct {
	signer types.PubKey
	nonce  uint64
}

// Pool holds admitted, signature-verified transactions keyed by a
// process-lifetime sequence id. Ids start at 0 and are never reused.
type Pool struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
	byHash  map[types.Hash]uint64
	nonces  map[signerNonce]uint64 // conflict index
	nextID  uint64
	maxSize int
	checker Checker
	now     func() time.Time
}

// New creates an empty pool holding at most maxSize transactions.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		entries: make(map[uint64]*Entry),
		byHash:  make(map[types.Hash]uint64),
		nonces:  make(map[signerNonce]uint64),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetChecker installs an admission checker. Pass nil to disable.
func (p *Pool) SetChecker(c Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checker = c
}

// Submit verifies and admits a transaction, returning its sequence id.
// A rejected transaction is never stored.
func (p *Pool) Submit(t tx.Transaction) (uint64, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: nil transaction", tx.ErrMalformed)
	}
	if err := t.VerifySignature(); err != nil {
		return 0, err
	}

	p.mu.RLock()
	checker := p.checker
	p.mu.RUnlock()
	if checker != nil {
		if err := checker.Check(t); err != nil {
			return 0, err
		}
	}

	t = tx.Clone(t)
	hash := t.Hash()
	key := signerNonce{t.Signer(), t.AccountNonce()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[hash]; exists {
		return 0, ErrAlreadyExists
	}
	if other, exists := p.nonces[key]; exists {
		return 0, fmt.Errorf("%w: nonce %d already used by pending tx %d", ErrConflict, key.nonce, other)
	}
	if len(p.entries) >= p.maxSize {
		return 0, ErrPoolFull
	}

	id := p.nextID
	p.nextID++
	p.entries[id] = &Entry{ID: id, Tx: t, Hash: hash, Added: p.now()}
	p.byHash[hash] = id
	p.nonces[key] = id

	log.Mempool.Debug().
		Uint64("id", id).
		Str("kind", t.Kind().String()).
		Str("hash", hash.Short()).
		Msg("Transaction admitted")
	return id, nil
}

// Get returns the pending transaction with the given id.
func (p *Pool) Get(id uint64) (tx.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(e.Tx), true
}

// Has reports whether id is still pending.
func (p *Pool) Has(id uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

// Lookup returns the id of a pending transaction by its hash.
func (p *Pool) Lookup(hash types.Hash) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byHash[hash]
	return id, ok
}

// Cancel removes a pending transaction. It reports whether anything was
// removed; cancelling an unknown id is a no-op.
func (p *Pool) Cancel(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

func (p *Pool) removeLocked(id uint64) bool {
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	delete(p.entries, id)
	delete(p.byHash, e.Hash)
	delete(p.nonces, signerNonce{e.Tx.Signer(), e.Tx.AccountNonce()})
	return true
}

// RemoveIncluded removes every pending entry whose identity matches one
// of txs. It returns how many entries were removed.
func (p *Pool) RemoveIncluded(txs []tx.Transaction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, t := range txs {
		if id, ok := p.byHash[t.Hash()]; ok && p.removeLocked(id) {
			removed++
		}
	}
	return removed
}

// Count returns the number of pending transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Oldest returns up to n entries in ascending id order without removing
// them.
func (p *Pool) Oldest(n int) []Entry {
	if n <= 0 {
		return nil
	}
	all := p.Pending()
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// DrainUpTo returns up to n pending transactions, oldest first. Nothing is
// removed; removal happens at finalization.
func (p *Pool) DrainUpTo(n int) []tx.Transaction {
	entries := p.Oldest(n)
	out := make([]tx.Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.Tx
	}
	return out
}

// Pending returns every entry in ascending id order.
func (p *Pool) Pending() []Entry {
	p.mu.RLock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
