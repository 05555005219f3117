package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Validation errors.
var (
	ErrHashMismatch     = errors.New("block hash mismatch")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrNoTransactions   = errors.New("block has no transactions")
	ErrTooManyTxs       = errors.New("too many transactions in block")
	ErrDuplicateTx      = errors.New("duplicate transaction in block")
	ErrNonceOrder       = errors.New("signer nonces not strictly increasing")
	ErrGenesisMalformed = errors.New("malformed genesis block")
)

// VerifyHash recomputes the hash and compares it to the stored one.
func (b *Block) VerifyHash() error {
	if b.Hash == GenesisHash {
		if !b.IsGenesis() {
			return ErrGenesisMalformed
		}
		return nil
	}
	computed := ComputeHash(b.PrevHash, b.Timestamp, b.Transactions)
	if computed != b.Hash {
		return fmt.Errorf("%w: stored=%s computed=%s", ErrHashMismatch, b.Hash.Short(), computed.Short())
	}
	return nil
}

// ValidateStructure checks everything that can be checked without a
// ledger: hash integrity, timestamp, transaction count, unique
// transaction identities and per-signer nonce order. maxTxs <= 0 means
// config.MaxBlockTxs.
func (b *Block) ValidateStructure(maxTxs int) error {
	if err := b.VerifyHash(); err != nil {
		return err
	}
	if b.IsGenesis() {
		return nil
	}
	if b.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if maxTxs <= 0 || maxTxs > config.MaxBlockTxs {
		maxTxs = config.MaxBlockTxs
	}
	if len(b.Transactions) > maxTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), maxTxs)
	}

	seen := make(map[types.Hash]int, len(b.Transactions))
	lastNonce := make(map[types.PubKey]uint64)
	for i, t := range b.Transactions {
		h := t.Hash()
		if prev, ok := seen[h]; ok {
			return fmt.Errorf("tx %d: %w: same as tx %d", i, ErrDuplicateTx, prev)
		}
		seen[h] = i

		signer, nonce := t.Signer(), t.AccountNonce()
		if last, ok := lastNonce[signer]; ok && nonce <= last {
			return fmt.Errorf("tx %d: %w: %d after %d", i, ErrNonceOrder, nonce, last)
		}
		lastNonce[signer] = nonce
	}
	return nil
}
