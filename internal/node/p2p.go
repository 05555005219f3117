package node

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/chain"
	"github.com/Klingon-tech/stakeledger/internal/consensus"
	"github.com/Klingon-tech/stakeledger/internal/mempool"
	"github.com/Klingon-tech/stakeledger/internal/p2p"
	"github.com/Klingon-tech/stakeledger/internal/storage"
	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

var p2pPrefix = []byte("p2p/")

const (
	syncInterval     = 10 * time.Second
	syncBatch        = 500
	syncPeerSample   = 3
	syncRequestLimit = 30 * time.Second
)

// newP2P builds the gossip node. Handlers that need the finished Node are
// attached later by wireP2P.
func newP2P(cfg *config.Config, genesis *config.Genesis, db storage.DB) (*p2p.Node, error) {
	genesisHash, err := genesis.Hash()
	if err != nil {
		return nil, err
	}
	pn := p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         storage.NewPrefixDB(db, p2pPrefix),
		DHTServer:  cfg.P2P.DHTServer,
		ChainID:    genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})
	pn.SetGenesisHash(genesisHash)
	return pn, nil
}

// wireP2P connects gossip and sync to the ledger: received transactions
// enter the pool, received blocks are applied through the committee and
// locally finalized blocks are published.
func (n *Node) wireP2P() {
	pn := n.p2pNode
	pn.SetHeightFn(n.Height)
	pn.SetTxHandler(n.handleGossipTx)
	pn.SetBlockHandler(n.handleGossipBlock)
	pn.SetPeerConnectedHandler(func(peer.ID) { n.triggerSync() })

	n.committee.SetOnFinalized(func(blk *block.Block, height uint64, members []types.PubKey) {
		sigs := n.attest(blk.Hash, members)
		if err := n.blocks.PutAttestations(blk.Hash, sigs); err != nil {
			n.logger.Warn().Err(err).Uint64("height", height).Msg("Failed to store attestations")
		}
		fb := &p2p.FinalizedBlock{Height: height, Block: blk, Members: members, Signatures: sigs}
		if err := pn.BroadcastBlock(fb); err != nil {
			n.logger.Warn().Err(err).Uint64("height", height).Msg("Failed to gossip block")
		}
	})
}

// attest signs hash with every local validator among members. Members
// without a local key get an empty signature.
func (n *Node) attest(hash types.Hash, members []types.PubKey) [][]byte {
	sigs := make([][]byte, len(members))
	for i, id := range members {
		for _, v := range n.validators {
			if v.ID() != id {
				continue
			}
			sig, err := v.Attest(hash)
			if err != nil {
				n.logger.Warn().Err(err).Str("validator", id.Short()).Msg("Failed to attest block")
				break
			}
			sigs[i] = sig
			break
		}
	}
	return sigs
}

// registerSync installs the sync and height stream handlers. The host
// must be started.
func (n *Node) registerSync() {
	n.syncer = p2p.NewSyncer(n.p2pNode)
	n.syncer.RegisterHandler(n.provideBlocks)
	n.syncer.RegisterHeightHandler(func() (uint64, types.Hash) {
		tip, height := n.committee.Tip()
		return height, tip
	})
}

func (n *Node) handleGossipTx(from peer.ID, data []byte) {
	t, err := tx.Unmarshal(data)
	if err != nil {
		n.logger.Debug().Err(err).Msg("Failed to decode gossiped transaction")
		n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "decode: "+err.Error())
		return
	}
	id, err := n.pool.Submit(t)
	switch {
	case err == nil:
		n.logger.Debug().
			Uint64("id", id).
			Str("hash", t.Hash().Short()).
			Msg("Gossiped transaction added to pool")
	case errors.Is(err, mempool.ErrAlreadyExists):
	case errors.Is(err, mempool.ErrInvalidSignature):
		n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
	default:
		// Stale nonces and pool pressure are expected under normal gossip.
		n.logger.Debug().Err(err).Str("hash", t.Hash().Short()).Msg("Gossiped transaction rejected")
	}
}

func (n *Node) handleGossipBlock(from peer.ID, data []byte) {
	fb, err := p2p.DecodeFinalizedBlock(data)
	if err != nil {
		n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
		return
	}
	n.applyRemote(from, fb)
}

// applyRemote validates and commits one block finalized elsewhere. It
// reports whether the local tip advanced.
func (n *Node) applyRemote(from peer.ID, fb *p2p.FinalizedBlock) bool {
	if err := fb.Block.ValidateStructure(n.genesis.Protocol.Consensus.MaxBlockTxs); err != nil {
		n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
		return false
	}

	err := n.committee.ApplyAttested(fb.Block, fb.Height, fb.Members, fb.Signatures)
	switch {
	case err == nil:
		if err := n.blocks.PutAttestations(fb.Block.Hash, fb.Signatures); err != nil {
			n.logger.Warn().Err(err).Uint64("height", fb.Height).Msg("Failed to store attestations")
		}
		n.logger.Info().
			Uint64("height", fb.Height).
			Str("hash", fb.Block.Hash.Short()).
			Int("txs", len(fb.Block.Transactions)).
			Msg("Block received and applied")
		return true
	case errors.Is(err, consensus.ErrKnownBlock):
	case errors.Is(err, consensus.ErrHeightGap):
		n.triggerSync()
	case errors.Is(err, consensus.ErrStaleProposal):
		n.logger.Warn().
			Uint64("height", fb.Height).
			Str("hash", fb.Block.Hash.Short()).
			Msg("Received block does not extend the local tip, ignoring")
	default:
		n.logger.Warn().Err(err).Uint64("height", fb.Height).Msg("Failed to apply received block")
		n.p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
	}
	return false
}

// provideBlocks serves archived blocks for peers that are catching up.
func (n *Node) provideBlocks(from uint64, max uint32) []*p2p.FinalizedBlock {
	if from == 0 {
		from = 1
	}
	var out []*p2p.FinalizedBlock
	for h := from; h < from+uint64(max); h++ {
		blk, err := n.blocks.GetBlockByHeight(h)
		if err != nil {
			if !errors.Is(err, chain.ErrNotFound) {
				n.logger.Warn().Err(err).Uint64("height", h).Msg("Failed to read archived block")
			}
			break
		}
		members, err := n.blocks.GetMembers(blk.Hash)
		if err != nil {
			break
		}
		sigs, err := n.blocks.GetAttestations(blk.Hash)
		if err != nil {
			break
		}
		out = append(out, &p2p.FinalizedBlock{Height: h, Block: blk, Members: members, Signatures: sigs})
	}
	return out
}

// triggerSync starts a sync pass unless one is already running.
func (n *Node) triggerSync() {
	if n.syncer == nil || n.ctx.Err() != nil || !n.syncing.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.syncing.Store(false)
		n.syncOnce()
	}()
}

func (n *Node) runSyncLoop() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.p2pNode.PeerCount() > 0 {
				n.triggerSync()
			}
		}
	}
}

// syncOnce asks a few peers for their height and pulls missing blocks in
// batches from the highest one.
func (n *Node) syncOnce() {
	peers := n.p2pNode.PeerList()
	if len(peers) > syncPeerSample {
		peers = peers[:syncPeerSample]
	}

	var best peer.ID
	var bestHeight uint64
	for _, p := range peers {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(ctx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			best, bestHeight = p.ID, resp.Height
		}
	}

	local := n.Height()
	if bestHeight <= local {
		return
	}
	n.logger.Info().
		Uint64("local", local).
		Uint64("remote", bestHeight).
		Str("peer", best.String()).
		Msg("Syncing finalized blocks")

	for from := local + 1; from <= bestHeight; {
		max := uint32(syncBatch)
		if left := bestHeight - from + 1; left < syncBatch {
			max = uint32(left)
		}

		ctx, cancel := context.WithTimeout(n.ctx, syncRequestLimit)
		blocks, err := n.syncer.RequestBlocks(ctx, best, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			return
		}
		start := from
		for _, fb := range blocks {
			if fb.Height <= n.Height() {
				// Already applied, possibly by gossip racing this pass.
				from = fb.Height + 1
				continue
			}
			if !n.applyRemote(best, fb) {
				return
			}
			from = fb.Height + 1
		}
		if from <= start {
			return
		}
	}

	n.logger.Info().Uint64("height", n.Height()).Msg("Sync complete")
}
