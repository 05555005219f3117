package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Stream protocol IDs.
const (
	HandshakeProtocol = protocol.ID("/stakeledger/handshake/1.0.0")
	SyncProtocol      = protocol.ID("/stakeledger/sync/1.0.0")
	HeightProtocol    = protocol.ID("/stakeledger/height/1.0.0")

	// ProtocolVersion is advertised during the handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the oldest version accepted from peers.
	MinProtocolVersion uint32 = 1
)

// Message size limits.
const (
	maxGossipBytes       = 4 << 20
	maxSyncResponseBytes = 10 << 20
	maxHandshakeBytes    = 4096
	maxSyncBlocks        = 500
)

// ErrMalformedMessage is returned for gossip payloads that do not decode.
var ErrMalformedMessage = errors.New("malformed p2p message")

// TopicTransactions returns the gossip topic for pending transactions of
// a chain. An empty chain ID selects the shared default topic.
func TopicTransactions(chainID string) string {
	return topicName(chainID, "tx")
}

// TopicBlocks returns the gossip topic for finalized blocks of a chain.
func TopicBlocks(chainID string) string {
	return topicName(chainID, "block")
}

func topicName(chainID, kind string) string {
	if chainID == "" {
		return fmt.Sprintf("/stakeledger/%s/1.0.0", kind)
	}
	return fmt.Sprintf("/stakeledger/%s/%s/1.0.0", chainID, kind)
}

// FinalizedBlock is a block together with its height, the committee
// members that finalized it and their signatures over the block hash. It
// is the payload of block gossip and sync.
type FinalizedBlock struct {
	Height     uint64         `json:"height"`
	Block      *block.Block   `json:"block"`
	Members    []types.PubKey `json:"members"`
	Signatures [][]byte       `json:"signatures"`
}

// DecodeFinalizedBlock parses a block gossip payload.
func DecodeFinalizedBlock(data []byte) (*FinalizedBlock, error) {
	var fb FinalizedBlock
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fb.Block == nil || fb.Height == 0 {
		return nil, fmt.Errorf("%w: missing block or height", ErrMalformedMessage)
	}
	return &fb, nil
}

// SyncRequest asks a peer for finalized blocks starting at a height.
type SyncRequest struct {
	FromHeight uint64 `json:"from_height"`
	MaxBlocks  uint32 `json:"max_blocks"`
}

// SyncResponse carries the blocks returned by a peer.
type SyncResponse struct {
	Blocks []*FinalizedBlock `json:"blocks"`
}

// HeightResponse reports a peer's finalized height and tip.
type HeightResponse struct {
	Height  uint64     `json:"height"`
	TipHash types.Hash `json:"tip_hash"`
}

// HandshakeMessage is exchanged between peers to verify compatibility.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	ChainID         string     `json:"chain_id"`
	BestHeight      uint64     `json:"best_height"`
}
