// Package rpcclient is the typed JSON-RPC client the CLI uses to talk to a
// stakeledger node. Requests and error objects share the server's wire
// types from package rpc.
package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/stakeledger/internal/rpc"
	"github.com/Klingon-tech/stakeledger/pkg/tx"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// DefaultTimeout bounds a single round trip.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a reply is read.
const maxResponseSize = 8 << 20

// Client talks to one node endpoint. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Uint64
}

// New returns a client for endpoint using DefaultTimeout.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
	}
}

// reply mirrors rpc.Response with the result left undecoded.
type reply struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.Error      `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Call invokes method and decodes its result into out. Server errors are
// returned as *rpc.Error wrapped with the method name; out may be nil.
func (c *Client) Call(method string, params, out interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpc.Request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: http %s", method, resp.Status)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %w", method, r.Error.Code, r.Error)
	}
	if string(r.ID) != strconv.FormatUint(id, 10) {
		return fmt.Errorf("%s: response id %s, want %d", method, r.ID, id)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// call is Call with the result type as a parameter.
func call[T any](c *Client, method string, params interface{}) (*T, error) {
	var out T
	if err := c.Call(method, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Chain ───────────────────────────────────────────────────────────────

// ChainInfo returns the node's chain summary.
func (c *Client) ChainInfo() (*rpc.ChainInfoResult, error) {
	return call[rpc.ChainInfoResult](c, "chain_getInfo", nil)
}

// BlockByHeight returns the raw JSON of the finalized block at height.
func (c *Client) BlockByHeight(height uint64) (json.RawMessage, error) {
	raw, err := call[json.RawMessage](c, "chain_getBlockByHeight", rpc.HeightParam{Height: height})
	if err != nil {
		return nil, err
	}
	return *raw, nil
}

// BlockByHash returns the raw JSON of the finalized block with hash.
func (c *Client) BlockByHash(hash string) (json.RawMessage, error) {
	raw, err := call[json.RawMessage](c, "chain_getBlockByHash", rpc.HashParam{Hash: hash})
	if err != nil {
		return nil, err
	}
	return *raw, nil
}

// ── Ledger ──────────────────────────────────────────────────────────────

// Account returns the ledger entry for pub.
func (c *Client) Account(pub types.PubKey) (*rpc.AccountResult, error) {
	return call[rpc.AccountResult](c, "ledger_getAccount", rpc.PubKeyParam{PubKey: pub.String()})
}

// Validators returns every ledger validator with the current leader marked.
func (c *Client) Validators() ([]rpc.ValidatorResult, error) {
	vals, err := call[[]rpc.ValidatorResult](c, "ledger_getValidators", nil)
	if err != nil {
		return nil, err
	}
	return *vals, nil
}

// ValidatorStatus reports the stake, leadership and liveness of pubkey.
func (c *Client) ValidatorStatus(pubkey string) (*rpc.ValidatorStatusResult, error) {
	return call[rpc.ValidatorStatusResult](c, "validator_getStatus", rpc.PubKeyParam{PubKey: pubkey})
}

// ── Transactions ────────────────────────────────────────────────────────

// SubmitTx sends a signed transaction to the node's pool.
func (c *Client) SubmitTx(t tx.Transaction) (*rpc.TxSubmitResult, error) {
	raw, err := tx.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return call[rpc.TxSubmitResult](c, "tx_submit", rpc.TxParam{Transaction: raw})
}

// TxStatus looks up a transaction by hash.
func (c *Client) TxStatus(hash types.Hash) (*rpc.TxStatusResult, error) {
	return call[rpc.TxStatusResult](c, "tx_getStatus", rpc.TxStatusParam{Hash: hash.String()})
}

// TxStatusByID looks up a pool entry by sequence id.
func (c *Client) TxStatusByID(id uint64) (*rpc.TxStatusResult, error) {
	return call[rpc.TxStatusResult](c, "tx_getStatus", rpc.TxStatusParam{ID: &id})
}

// CancelTx removes a pending transaction. It reports false when the id is
// no longer pooled.
func (c *Client) CancelTx(id uint64) (bool, error) {
	res, err := call[rpc.TxCancelResult](c, "tx_cancel", rpc.TxIDParam{ID: id})
	if err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

// ── Mempool ─────────────────────────────────────────────────────────────

// PendingTx is one decoded mempool entry.
type PendingTx struct {
	ID    uint64
	Hash  string
	Added time.Time
	Tx    tx.Transaction
}

// MempoolInfo returns the pool occupancy.
func (c *Client) MempoolInfo() (*rpc.MempoolInfoResult, error) {
	return call[rpc.MempoolInfoResult](c, "mempool_getInfo", nil)
}

// MempoolContent returns every pending transaction in admission order.
func (c *Client) MempoolContent() ([]PendingTx, error) {
	type entry struct {
		ID          uint64          `json:"id"`
		Hash        string          `json:"hash"`
		Added       time.Time       `json:"added"`
		Transaction json.RawMessage `json:"transaction"`
	}
	entries, err := call[[]entry](c, "mempool_getContent", nil)
	if err != nil {
		return nil, err
	}
	out := make([]PendingTx, 0, len(*entries))
	for _, e := range *entries {
		t, err := tx.Unmarshal(e.Transaction)
		if err != nil {
			return nil, fmt.Errorf("pending tx %d: %w", e.ID, err)
		}
		out = append(out, PendingTx{ID: e.ID, Hash: e.Hash, Added: e.Added, Tx: t})
	}
	return out, nil
}

// ── Network ─────────────────────────────────────────────────────────────

// Peers returns the node's connected peers.
func (c *Client) Peers() (*rpc.PeerInfoResult, error) {
	return call[rpc.PeerInfoResult](c, "net_getPeerInfo", nil)
}

// NodeInfo returns the node's peer ID and listen addresses.
func (c *Client) NodeInfo() (*rpc.NodeInfoResult, error) {
	return call[rpc.NodeInfoResult](c, "net_getNodeInfo", nil)
}

// BanList returns peers currently banned by the node.
func (c *Client) BanList() (*rpc.BanListResult, error) {
	return call[rpc.BanListResult](c, "net_getBanList", nil)
}
