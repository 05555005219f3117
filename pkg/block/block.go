// Package block defines the hash-linked block container.
package block

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// GenesisHash is the reserved sentinel used as both the hash and the
// previous hash of the genesis block. It is distinct from the zero hash.
var GenesisHash = func() types.Hash {
	var h types.Hash
	for i := range h {
		h[i] = 0x01
	}
	return h
}()

// Block is an ordered batch of transactions linked to its predecessor.
// A Block is immutable once constructed.
type Block struct {
	Transactions []tx.Transaction
	Hash         types.Hash
	PrevHash     types.Hash
	Timestamp    uint64 // Unix seconds
}

// New builds a block and computes its hash once.
func New(txs []tx.Transaction, prevHash types.Hash, timestamp uint64) *Block {
	b := &Block{
		Transactions: txs,
		PrevHash:     prevHash,
		Timestamp:    timestamp,
	}
	b.Hash = ComputeHash(prevHash, timestamp, txs)
	return b
}

// Genesis returns the sentinel genesis block. It carries no transactions
// and no timestamp, so every call returns an equal block.
func Genesis() *Block {
	return &Block{
		Hash:     GenesisHash,
		PrevHash: GenesisHash,
	}
}

// ComputeHash returns BLAKE3(prevHash || u64LE(timestamp) || tx_0 || ... ),
// where each tx contributes its signing bytes.
func ComputeHash(prevHash types.Hash, timestamp uint64, txs []tx.Transaction) types.Hash {
	h := crypto.NewHasher()
	h.Write(prevHash[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], timestamp)
	h.Write(ts[:])
	for _, t := range txs {
		h.Write(t.SigningBytes())
	}
	return h.Sum()
}

// IsGenesis reports whether b is the sentinel genesis block.
func (b *Block) IsGenesis() bool {
	return b.Hash == GenesisHash && b.PrevHash == GenesisHash && len(b.Transactions) == 0
}

// TxHashes returns the identity of every transaction in block order.
func (b *Block) TxHashes() []types.Hash {
	out := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		out[i] = t.Hash()
	}
	return out
}

// blockJSON is the wire form. Transactions use the tx envelope codec.
type blockJSON struct {
	Hash         types.Hash        `json:"hash"`
	PrevHash     types.Hash        `json:"prev_hash"`
	Timestamp    uint64            `json:"timestamp"`
	Transactions []json.RawMessage `json:"transactions"`
}

// MarshalJSON encodes the block with typed transaction envelopes.
func (b *Block) MarshalJSON() ([]byte, error) {
	j := blockJSON{
		Hash:         b.Hash,
		PrevHash:     b.PrevHash,
		Timestamp:    b.Timestamp,
		Transactions: make([]json.RawMessage, len(b.Transactions)),
	}
	for i, t := range b.Transactions {
		data, err := tx.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		j.Transactions[i] = data
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a block. The stored hash is kept as-is; callers
// check it with VerifyHash.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	txs := make([]tx.Transaction, len(j.Transactions))
	for i, raw := range j.Transactions {
		t, err := tx.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		txs[i] = t
	}
	b.Hash = j.Hash
	b.PrevHash = j.PrevHash
	b.Timestamp = j.Timestamp
	b.Transactions = txs
	return nil
}
