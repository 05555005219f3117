package rpc

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/stakeledger/internal/builder"
	"github.com/Klingon-tech/stakeledger/internal/chain"
	"github.com/Klingon-tech/stakeledger/internal/consensus"
	"github.com/Klingon-tech/stakeledger/internal/mempool"
	"github.com/Klingon-tech/stakeledger/internal/p2p"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(req *Request) (interface{}, *Error) {
	tip, height := s.tip()
	vals := s.ledger.Validators()
	return &ChainInfoResult{
		ChainID:     s.genesis.ChainID,
		ChainName:   s.genesis.ChainName,
		Symbol:      s.genesis.Symbol,
		Height:      height,
		TipHash:     tip.String(),
		Validators:  len(vals),
		Threshold:   consensus.Threshold(len(vals)),
		BatchSize:   s.genesis.Protocol.Consensus.BatchSize,
		TotalSupply: s.ledger.TotalSupply(),
		Pending:     s.pool.Count(),
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if s.blocks == nil {
		return nil, &Error{Code: CodeNotFound, Message: "block archive not enabled"}
	}
	hash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blk, err := s.blocks.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return blk, nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if s.blocks == nil {
		return nil, &Error{Code: CodeNotFound, Message: "block archive not enabled"}
	}

	blk, err := s.blocks.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return blk, nil
}

// ── Ledger endpoints ────────────────────────────────────────────────────

func (s *Server) handleLedgerGetAccount(req *Request) (interface{}, *Error) {
	pub, rpcErr := s.pubKeyParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	acct, ok := s.ledger.GetAccount(pub)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("account %s not found", pub)}
	}
	return &AccountResult{PubKey: acct.PubKey, Balance: acct.Balance, Nonce: acct.Nonce}, nil
}

func (s *Server) handleLedgerGetValidator(req *Request) (interface{}, *Error) {
	pub, rpcErr := s.pubKeyParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	val, ok := s.ledger.GetValidator(pub)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("validator %s not found", pub)}
	}
	leader, _ := builder.SelectLeader(s.ledger.Validators())
	return newValidatorResult(val, leader.PubKey), nil
}

func (s *Server) handleLedgerGetValidators(req *Request) (interface{}, *Error) {
	vals := s.ledger.Validators()
	leader, _ := builder.SelectLeader(vals)

	out := make([]*ValidatorResult, len(vals))
	for i, v := range vals {
		out[i] = newValidatorResult(v, leader.PubKey)
	}
	return out, nil
}

func newValidatorResult(v types.ValidatorAccount, leader types.PubKey) *ValidatorResult {
	return &ValidatorResult{
		PubKey:            v.PubKey,
		Stake:             v.Stake,
		LastFinalizedHash: v.LastFinalizedHash,
		Leader:            !leader.IsZero() && v.PubKey == leader,
	}
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	t, rpcErr := txParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	id, err := s.pool.Submit(t)
	if err != nil {
		return nil, &Error{Code: CodeTxRejected, Message: fmt.Sprintf("rejected: %v", err)}
	}

	hash := t.Hash()
	s.logger.Debug().
		Uint64("id", id).
		Str("hash", hash.Short()).
		Str("kind", t.Kind().String()).
		Msg("Transaction submitted")

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(t); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash.Short()).Msg("Failed to gossip transaction")
		}
	}

	return &TxSubmitResult{ID: id, Hash: hash.String()}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	t, rpcErr := txParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	result := &TxValidateResult{Valid: true, Hash: t.Hash().String()}
	if err := t.VerifySignature(); err != nil {
		result.Valid = false
		result.Error = err.Error()
		return result, nil
	}
	if err := t.Validate(s.ledger); err != nil {
		result.Valid = false
		result.Error = err.Error()
	}
	return result, nil
}

func (s *Server) handleTxGetStatus(req *Request) (interface{}, *Error) {
	var params TxStatusParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == nil && params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "id or hash is required"}
	}

	if params.Hash == "" {
		id := *params.ID
		t, ok := s.pool.Get(id)
		if !ok {
			return &TxStatusResult{Status: TxStatusRemoved, ID: &id}, nil
		}
		return &TxStatusResult{Status: TxStatusPending, ID: &id, Hash: t.Hash().String()}, nil
	}

	hash, rpcErr := parseHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if id, ok := s.pool.Lookup(hash); ok {
		return &TxStatusResult{Status: TxStatusPending, ID: &id, Hash: hash.String()}, nil
	}
	if s.blocks != nil {
		loc, err := s.blocks.GetTxLocation(hash)
		switch {
		case err == nil:
			return &TxStatusResult{
				Status:    TxStatusFinalized,
				Hash:      hash.String(),
				Height:    loc.Height,
				BlockHash: loc.BlockHash.String(),
				Index:     loc.Index,
			}, nil
		case !errors.Is(err, chain.ErrNotFound):
			return nil, &Error{Code: CodeInternalError, Message: err.Error()}
		}
	}
	return &TxStatusResult{Status: TxStatusUnknown, Hash: hash.String()}, nil
}

func (s *Server) handleTxCancel(req *Request) (interface{}, *Error) {
	var params TxIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	cancelled := s.pool.Cancel(params.ID)
	if cancelled {
		s.logger.Debug().Uint64("id", params.ID).Msg("Transaction cancelled")
	}
	return &TxCancelResult{Cancelled: cancelled}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(req *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:   s.pool.Count(),
		MaxSize: s.maxPool,
	}, nil
}

func (s *Server) handleMempoolGetContent(req *Request) (interface{}, *Error) {
	entries := s.pool.Pending()
	out := make([]*MempoolEntryResult, len(entries))
	for i, e := range entries {
		out[i] = newMempoolEntryResult(e)
	}
	return out, nil
}

func newMempoolEntryResult(e mempool.Entry) *MempoolEntryResult {
	return &MempoolEntryResult{
		ID:          e.ID,
		Hash:        e.Hash.String(),
		Added:       e.Added,
		Transaction: e.Tx,
	}
}

// ── Validator endpoints ─────────────────────────────────────────────────

func (s *Server) handleValidatorGetStatus(req *Request) (interface{}, *Error) {
	pub, rpcErr := s.pubKeyParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	result := &ValidatorStatusResult{PubKey: pub}
	if val, ok := s.ledger.GetValidator(pub); ok {
		result.IsValidator = true
		result.Stake = val.Stake
	}
	if leader, err := builder.SelectLeader(s.ledger.Validators()); err == nil {
		result.IsLeader = leader.PubKey == pub
	}

	if s.committee != nil {
		for _, m := range s.committee.Members() {
			if m.ID() == pub {
				result.InCommittee = true
				break
			}
		}
		if tracker := s.committee.Tracker(); tracker != nil {
			result.Online = tracker.IsOnline(pub)
			result.Stats = tracker.GetStats(pub)
		}
	}
	return result, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

func (s *Server) pubKeyParam(req *Request) (types.PubKey, *Error) {
	var params PubKeyParam
	if err := parseParams(req, &params); err != nil {
		return types.PubKey{}, err
	}
	if params.PubKey == "" {
		return types.PubKey{}, &Error{Code: CodeInvalidParams, Message: "pubkey is required"}
	}
	pub, err := types.ParsePubKey(params.PubKey)
	if err != nil {
		return types.PubKey{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid pubkey: %v", err)}
	}
	return pub, nil
}

func parseHash(s string) (types.Hash, *Error) {
	if s == "" {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(s)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	return hash, nil
}

func txParam(req *Request) (tx.Transaction, *Error) {
	var params TxParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.Transaction) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}
	t, err := tx.Unmarshal(params.Transaction)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid transaction: %v", err)}
	}
	return t, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC(),
			Source:      p.Source,
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{Addrs: []string{}}, nil
	}
	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil || s.p2pNode.BanManager == nil {
		return &BanListResult{Count: 0, Bans: []p2p.BanRecord{}}, nil
	}
	bans := s.p2pNode.BanManager.BanList()
	if bans == nil {
		bans = []p2p.BanRecord{}
	}
	return &BanListResult{Count: len(bans), Bans: bans}, nil
}
