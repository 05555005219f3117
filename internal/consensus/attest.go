package consensus

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/stakeledger/pkg/block"
	"github.com/Klingon-tech/stakeledger/pkg/crypto"
	"github.com/Klingon-tech/stakeledger/pkg/types"
)

// ErrUnattested is returned when a remote block lacks signatures from a
// quorum of registered validators.
var ErrUnattested = errors.New("block not attested by a validator quorum")

// Attest signs a finalized block hash with the validator key.
func (v *Validator) Attest(hash types.Hash) ([]byte, error) {
	return v.key.Sign(hash[:])
}

// VerifyAttestations checks that sigs[i] is members[i]'s signature over
// hash and that the distinct registered validators among them reach the
// quorum of the full validator set. An empty signature counts as absent.
func VerifyAttestations(hash types.Hash, members []types.PubKey, sigs [][]byte, validators []types.ValidatorAccount) error {
	if len(sigs) != len(members) {
		return fmt.Errorf("%w: %d signatures for %d members", ErrUnattested, len(sigs), len(members))
	}
	registered := make(map[types.PubKey]bool, len(validators))
	for _, v := range validators {
		registered[v.PubKey] = true
	}

	seen := make(map[types.PubKey]bool, len(members))
	for i, m := range members {
		if !registered[m] || seen[m] || len(sigs[i]) == 0 {
			continue
		}
		if !crypto.VerifySignature(hash[:], sigs[i], m[:]) {
			return fmt.Errorf("%w: bad signature from %s", ErrUnattested, m.Short())
		}
		seen[m] = true
	}

	need := Threshold(len(validators))
	if len(validators) == 0 || len(seen) < need {
		return fmt.Errorf("%w: %d of %d validators, need %d", ErrUnattested, len(seen), len(validators), need)
	}
	return nil
}

// ApplyAttested commits a remote block like ApplyFinalized after checking
// that a quorum of the ledger's validators signed its hash.
func (c *Committee) ApplyAttested(blk *block.Block, height uint64, members []types.PubKey, sigs [][]byte) error {
	if err := VerifyAttestations(blk.Hash, members, sigs, c.ledger.Validators()); err != nil {
		return err
	}
	return c.ApplyFinalized(blk, height, members)
}
