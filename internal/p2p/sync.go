package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	syncReadTimeout   = 30 * time.Second
	heightReadTimeout = 5 * time.Second
)

// BlockProvider returns up to max finalized blocks starting at from.
type BlockProvider func(from uint64, max uint32) []*FinalizedBlock

// Syncer serves and requests finalized blocks and heights over
// request/response streams.
type Syncer struct {
	host host.Host
}

// NewSyncer creates a syncer attached to a started node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{host: node.host}
}

// RegisterHandler serves block range requests from provider.
func (s *Syncer) RegisterHandler(provider BlockProvider) {
	s.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req SyncRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&req); err != nil {
			return
		}
		if req.MaxBlocks == 0 || req.MaxBlocks > maxSyncBlocks {
			req.MaxBlocks = maxSyncBlocks
		}

		resp := SyncResponse{Blocks: provider(req.FromHeight, req.MaxBlocks)}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBlocks asks a peer for up to maxBlocks blocks starting at
// fromHeight.
func (s *Syncer) RequestBlocks(ctx context.Context, id peer.ID, fromHeight uint64, maxBlocks uint32) ([]*FinalizedBlock, error) {
	stream, err := s.host.NewStream(ctx, id, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	req := SyncRequest{FromHeight: fromHeight, MaxBlocks: maxBlocks}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	for _, fb := range resp.Blocks {
		if fb == nil || fb.Block == nil {
			return nil, fmt.Errorf("%w: empty block in sync response", ErrMalformedMessage)
		}
	}
	return resp.Blocks, nil
}

// RegisterHeightHandler answers height queries with the local finalized
// height and tip.
func (s *Syncer) RegisterHeightHandler(heightFn func() (uint64, types.Hash)) {
	s.host.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tip := heightFn()
		resp := HeightResponse{Height: height, TipHash: tip}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeight queries a peer's finalized height and tip.
func (s *Syncer) RequestHeight(ctx context.Context, id peer.ID) (*HeightResponse, error) {
	stream, err := s.host.NewStream(ctx, id, HeightProtocol)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}
	return &resp, nil
}
