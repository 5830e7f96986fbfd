package proposal

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks that signer attested contentHash for the given dispute.
type Verifier interface {
	VerifyAttestation(disputeID int64, contentHash common.Hash, signature []byte, signer common.Address) bool
}

// ECDSAVerifier recovers the secp256k1 signer of an EIP-191 personal message.
type ECDSAVerifier struct{}

// Digest is the message hash an attester signs. Binding the dispute id keeps an
// attestation from being replayed on another dispute.
func Digest(disputeID int64, contentHash common.Hash) common.Hash {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(disputeID))
	inner := crypto.Keccak256(id[:], contentHash.Bytes())
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256Hash([]byte(msg), inner)
}

// Recover returns the address that produced signature over the dispute digest.
func Recover(disputeID int64, contentHash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("proposal: signature must be %d bytes", crypto.SignatureLength)
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	// Wallets emit v as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest := Digest(disputeID, contentHash)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("proposal: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (ECDSAVerifier) VerifyAttestation(disputeID int64, contentHash common.Hash, signature []byte, signer common.Address) bool {
	got, err := Recover(disputeID, contentHash, signature)
	if err != nil {
		return false
	}
	return got == signer
}

// Sign produces an attestation over the dispute digest with key.
func Sign(disputeID int64, contentHash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(Digest(disputeID, contentHash).Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("proposal: sign: %w", err)
	}
	return sig, nil
}
