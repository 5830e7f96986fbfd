package proposal

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"disputeflow/failure"
)

var (
	ErrInvalidAttestation = failure.New(failure.External, "proposal: invalid attestation")
	ErrEmptyContentHash   = failure.New(failure.Validation, "proposal: empty content hash")
)

// Store persists attested proposals.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) error
}

// Channel records attested proposals, one per dispute round.
type Channel struct {
	verifier Verifier
	attester common.Address
	store    Store
}

// NewChannel builds a channel that accepts proposals signed by attester.
func NewChannel(verifier Verifier, attester common.Address, store Store) *Channel {
	if verifier == nil {
		verifier = ECDSAVerifier{}
	}
	if store == nil {
		store = NewRepository()
	}
	return &Channel{verifier: verifier, attester: attester, store: store}
}

// Attester is the identity whose signatures the channel accepts.
func (c *Channel) Attester() common.Address {
	return c.attester
}

// Submit verifies the attestation and records the proposal for round.
func (c *Channel) Submit(ctx context.Context, tx pgx.Tx, disputeID int64, round int, contentHash common.Hash, signature []byte, now time.Time) (Proposal, error) {
	if contentHash == (common.Hash{}) {
		return Proposal{}, ErrEmptyContentHash
	}
	if !c.verifier.VerifyAttestation(disputeID, contentHash, signature, c.attester) {
		return Proposal{}, ErrInvalidAttestation
	}
	p := Proposal{
		DisputeID:   disputeID,
		Round:       round,
		ContentHash: contentHash,
		Signature:   signature,
		Attester:    c.attester,
		CreatedAt:   now,
	}
	if err := c.store.Insert(ctx, tx, p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}
