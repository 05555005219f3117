// Package chain archives finalized blocks so their transactions can be
// looked up after they leave the pool.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/stakeledger/internal/log"
	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32) + index(4)
	prefixMember = []byte("m/") // m/<hash(32)> -> concatenated committee pubkeys
	prefixAttest = []byte("a/") // a/<hash(32)> -> JSON list of member signatures
	keyTip       = []byte("s/tip")
)

const txLocationSize = 8 + types.HashSize + 4

// ErrNotFound is returned when a block or transaction is not archived.
var ErrNotFound = storage.ErrNotFound

// TxLocation identifies where a finalized transaction lives.
type TxLocation struct {
	Height    uint64     `json:"height"`
	BlockHash types.Hash `json:"block_hash"`
	Index     uint32     `json:"index"`
}

// BlockStore persists finalized blocks and their indexes to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// PutBlock stores a block and indexes it by hash, height and tx hashes,
// along with the committee members that finalized it. All records go out
// in one batch.
func (bs *BlockStore) PutBlock(blk *block.Block, height uint64, members []types.PubKey) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	b := storage.NewBatch(bs.db)
	hash := blk.Hash
	if err := b.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := b.Put(heightKey(height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	committee := make([]byte, 0, len(members)*types.PubKeySize)
	for _, m := range members {
		committee = append(committee, m[:]...)
	}
	if err := b.Put(memberKey(hash), committee); err != nil {
		return fmt.Errorf("members put: %w", err)
	}

	// Index each transaction by hash → (height, blockHash, index).
	for i, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, txLocationSize)
		binary.BigEndian.PutUint64(val[:8], height)
		copy(val[8:8+types.HashSize], hash[:])
		binary.BigEndian.PutUint32(val[8+types.HashSize:], uint32(i))
		if err := b.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("block commit: %w", err)
	}
	log.Chain.Debug().
		Uint64("height", height).
		Str("hash", hash.Short()).
		Int("txs", len(blk.Transactions)).
		Msg("Block archived")
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// GetMembers returns the committee that finalized the block with the
// given hash.
func (bs *BlockStore) GetMembers(hash types.Hash) ([]types.PubKey, error) {
	data, err := bs.db.Get(memberKey(hash))
	if err != nil {
		return nil, fmt.Errorf("members get: %w", err)
	}
	if len(data)%types.PubKeySize != 0 {
		return nil, fmt.Errorf("corrupt members record: %d bytes", len(data))
	}
	out := make([]types.PubKey, len(data)/types.PubKeySize)
	for i := range out {
		copy(out[i][:], data[i*types.PubKeySize:])
	}
	return out, nil
}

// PutAttestations stores the member signatures over a finalized block's
// hash, in the same order as its members.
func (bs *BlockStore) PutAttestations(hash types.Hash, sigs [][]byte) error {
	data, err := json.Marshal(sigs)
	if err != nil {
		return fmt.Errorf("attestations marshal: %w", err)
	}
	if err := bs.db.Put(attestKey(hash), data); err != nil {
		return fmt.Errorf("attestations put: %w", err)
	}
	return nil
}

// GetAttestations returns the member signatures stored for a block.
func (bs *BlockStore) GetAttestations(hash types.Hash) ([][]byte, error) {
	data, err := bs.db.Get(attestKey(hash))
	if err != nil {
		return nil, fmt.Errorf("attestations get: %w", err)
	}
	var sigs [][]byte
	if err := json.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("attestations unmarshal: %w", err)
	}
	return sigs, nil
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// SetTip stores the last finalized block hash and height.
func (bs *BlockStore) SetTip(hash types.Hash, height uint64) error {
	val := make([]byte, types.HashSize+8)
	copy(val, hash[:])
	binary.BigEndian.PutUint64(val[types.HashSize:], height)
	if err := bs.db.Put(keyTip, val); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	return nil
}

// GetTip returns the last finalized block hash and height. A fresh store
// reports the genesis sentinel at height 0.
func (bs *BlockStore) GetTip() (types.Hash, uint64, error) {
	data, err := bs.db.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return block.GenesisHash, 0, nil
	}
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("get tip: %w", err)
	}
	if len(data) != types.HashSize+8 {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip: got %d bytes", len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, binary.BigEndian.Uint64(data[types.HashSize:]), nil
}

// GetTxLocation returns where a finalized transaction was included.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (TxLocation, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return TxLocation{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != txLocationSize {
		return TxLocation{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), txLocationSize)
	}
	loc := TxLocation{
		Height: binary.BigEndian.Uint64(data[:8]),
		Index:  binary.BigEndian.Uint32(data[8+types.HashSize:]),
	}
	copy(loc.BlockHash[:], data[8:8+types.HashSize])
	return loc, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func memberKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixMember)+types.HashSize)
	copy(key, prefixMember)
	copy(key[len(prefixMember):], hash[:])
	return key
}

func attestKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixAttest)+types.HashSize)
	copy(key, prefixAttest)
	copy(key[len(prefixAttest):], hash[:])
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}
