package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// wireTx is the JSON envelope for every kind. ID is informational and
// ignored on decode.
type wireTx struct {
	Type      string        `json:"type"`
	ID        *types.Hash   `json:"id,omitempty"`
	To        *types.PubKey `json:"to,omitempty"`
	From      *types.PubKey `json:"from,omitempty"`
	Validator *types.PubKey `json:"validator,omitempty"`
	Staker    *types.PubKey `json:"staker,omitempty"`
	Amount    uint64        `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	Signature string        `json:"signature,omitempty"`
}

// MarshalJSON encodes the transfer as a typed envelope.
func (t *Transfer) MarshalJSON() ([]byte, error) {
	id := t.Hash()
	to, from := t.To, t.From
	return json.Marshal(wireTx{
		Type:      KindTransfer.String(),
		ID:        &id,
		To:        &to,
		From:      &from,
		Amount:    t.Amount,
		Nonce:     t.Nonce,
		Signature: hex.EncodeToString(t.Sig),
	})
}

// MarshalJSON encodes the stake as a typed envelope.
func (s *Stake) MarshalJSON() ([]byte, error) {
	id := s.Hash()
	val, staker := s.Validator, s.Staker
	return json.Marshal(wireTx{
		Type:      KindStake.String(),
		ID:        &id,
		Validator: &val,
		Staker:    &staker,
		Amount:    s.Amount,
		Nonce:     s.Nonce,
		Signature: hex.EncodeToString(s.Sig),
	})
}

// Marshal encodes any transaction as a typed envelope.
func Marshal(t Transaction) ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal decodes a typed envelope into the matching variant.
func Unmarshal(data []byte) (Transaction, error) {
	var w wireTx
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var sig []byte
	if w.Signature != "" {
		b, err := hex.DecodeString(w.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
		}
		sig = b
	}

	switch w.Type {
	case KindTransfer.String():
		if w.To == nil || w.From == nil {
			return nil, fmt.Errorf("%w: transfer requires to and from", ErrMalformed)
		}
		return &Transfer{To: *w.To, From: *w.From, Amount: w.Amount, Nonce: w.Nonce, Sig: sig}, nil
	case KindStake.String():
		if w.Validator == nil || w.Staker == nil {
			return nil, fmt.Errorf("%w: stake requires validator and staker", ErrMalformed)
		}
		return &Stake{Validator: *w.Validator, Staker: *w.Staker, Amount: w.Amount, Nonce: w.Nonce, Sig: sig}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
}

// Clone returns a deep copy of t.
func Clone(t Transaction) Transaction {
	switch v := t.(type) {
	case *Transfer:
		c := *v
		c.Sig = copySig(v.Sig)
		return &c
	case *Stake:
		c := *v
		c.Sig = copySig(v.Sig)
		return &c
	default:
		return t
	}
}
