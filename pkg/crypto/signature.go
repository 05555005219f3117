package crypto

import (
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// SignatureSize is the length of a serialized Schnorr signature.
const SignatureSize = 64

// Signer signs messages on behalf of one identity.
type Signer interface {
	// SignMessage produces a signature over an arbitrary message.
	SignMessage(message []byte) ([]byte, error)
	// PublicKey returns the signer's compressed public key.
	PublicKey() types.PubKey
}

// PrivateKey wraps a secp256k1 private key for Schnorr signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a Schnorr signature over a 32-byte hash.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// SignMessage signs BLAKE3(message).
func (pk *PrivateKey) SignMessage(message []byte) ([]byte, error) {
	digest := Hash(message)
	return pk.Sign(digest[:])
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() types.PubKey {
	var pub types.PubKey
	copy(pub[:], pk.key.PubKey().SerializeCompressed())
	return pub
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature checks a Schnorr signature against a 32-byte hash
// and a compressed public key. Returns false on any error.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// VerifyMessage checks a signature produced by SignMessage.
func VerifyMessage(message, signature []byte, pub types.PubKey) bool {
	digest := Hash(message)
	return VerifySignature(digest[:], signature, pub[:])
}
