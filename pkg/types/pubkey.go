package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PubKeySize is the length of a compressed secp256k1 public key.
const PubKeySize = 33

// PubKey is a compressed public key. It is the only account identifier;
// user accounts and validators are both keyed by it.
type PubKey [PubKeySize]byte

// IsZero returns true if the key is all zeros.
func (p PubKey) IsZero() bool {
	return p == PubKey{}
}

// Address returns the display-only hex encoding of the key.
func (p PubKey) Address() string {
	return hex.EncodeToString(p[:])
}

// String returns the hex-encoded key.
func (p PubKey) String() string {
	return p.Address()
}

// Short returns an abbreviated form for log lines.
func (p PubKey) Short() string {
	return p.Address()[:12]
}

// Bytes returns a copy of the key as a byte slice.
func (p PubKey) Bytes() []byte {
	b := make([]byte, PubKeySize)
	copy(b, p[:])
	return b
}

// Compare orders keys lexicographically by their bytes.
func (p PubKey) Compare(other PubKey) int {
	return bytes.Compare(p[:], other[:])
}

// MarshalJSON encodes the key as a hex string.
func (p PubKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Address())
}

// UnmarshalJSON decodes a hex string into a key.
func (p *PubKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePubKey(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePubKey decodes a 66-character hex address into a key.
func ParsePubKey(s string) (PubKey, error) {
	if s == "" {
		return PubKey{}, fmt.Errorf("empty public key")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return PubKey{}, fmt.Errorf("invalid public key hex: %w", err)
	}
	return PubKeyFromBytes(b)
}

// PubKeyFromBytes copies a compressed key into a PubKey.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	if len(b) != PubKeySize {
		return PubKey{}, fmt.Errorf("public key must be %d bytes, got %d", PubKeySize, len(b))
	}
	var p PubKey
	copy(p[:], b)
	return p, nil
}
