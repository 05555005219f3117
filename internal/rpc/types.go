package rpc

import (
	"encoding/json"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/consensus"
	"github.com/Klingon-tech/stakeledger/internal/p2p"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeTxRejected     = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a block height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// PubKeyParam is used by endpoints that take an account or validator key.
type PubKeyParam struct {
	PubKey string `json:"pubkey"`
}

// TxParam is used by tx_submit and tx_validate. Transaction holds the
// typed envelope produced by tx.Marshal.
type TxParam struct {
	Transaction json.RawMessage `json:"transaction"`
}

// TxStatusParam is used by tx_getStatus. Either field may be set; the
// hash also finds finalized transactions.
type TxStatusParam struct {
	ID   *uint64 `json:"id,omitempty"`
	Hash string  `json:"hash,omitempty"`
}

// TxIDParam is used by tx_cancel.
type TxIDParam struct {
	ID uint64 `json:"id"`
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID     string `json:"chain_id"`
	ChainName   string `json:"chain_name"`
	Symbol      string `json:"symbol"`
	Height      uint64 `json:"height"`
	TipHash     string `json:"tip_hash"`
	Validators  int    `json:"validators"`
	Threshold   int    `json:"threshold"`
	BatchSize   int    `json:"batch_size"`
	TotalSupply uint64 `json:"total_supply"`
	Pending     int    `json:"pending"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	ID   uint64 `json:"id"`
	Hash string `json:"hash"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Hash  string `json:"hash"`
	Error string `json:"error,omitempty"`
}

// Transaction status values.
const (
	TxStatusPending   = "pending"   // still in the pool
	TxStatusFinalized = "finalized" // archived in a finalized block
	TxStatusRemoved   = "removed"   // id no longer pooled: finalized or cancelled
	TxStatusUnknown   = "unknown"
)

// TxStatusResult is returned by tx_getStatus.
type TxStatusResult struct {
	Status    string  `json:"status"`
	ID        *uint64 `json:"id,omitempty"`
	Hash      string  `json:"hash,omitempty"`
	Height    uint64  `json:"height,omitempty"`
	BlockHash string  `json:"block_hash,omitempty"`
	Index     uint32  `json:"index,omitempty"`
}

// TxCancelResult is returned by tx_cancel.
type TxCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count   int `json:"count"`
	MaxSize int `json:"max_size"`
}

// MempoolEntryResult is one entry of mempool_getContent.
type MempoolEntryResult struct {
	ID          uint64         `json:"id"`
	Hash        string         `json:"hash"`
	Added       time.Time      `json:"added"`
	Transaction tx.Transaction `json:"transaction"`
}

// AccountResult is returned by ledger_getAccount.
type AccountResult struct {
	PubKey  types.PubKey `json:"pubkey"`
	Balance uint64       `json:"balance"`
	Nonce   uint64       `json:"nonce"`
}

// ValidatorResult describes one ledger validator.
type ValidatorResult struct {
	PubKey            types.PubKey `json:"pubkey"`
	Stake             uint64       `json:"stake"`
	LastFinalizedHash types.Hash   `json:"last_finalized_hash"`
	Leader            bool         `json:"leader"`
}

// ValidatorStatusResult is returned by validator_getStatus.
type ValidatorStatusResult struct {
	PubKey      types.PubKey              `json:"pubkey"`
	IsValidator bool                      `json:"is_validator"`
	Stake       uint64                    `json:"stake"`
	IsLeader    bool                      `json:"is_leader"`
	InCommittee bool                      `json:"in_committee"`
	Online      bool                      `json:"online"`
	Stats       *consensus.ValidatorStats `json:"stats,omitempty"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Source      string    `json:"source,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int             `json:"count"`
	Bans  []p2p.BanRecord `json:"bans"`
}
