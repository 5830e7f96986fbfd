package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Role string

const (
	RoleParty Role = "party"
	RoleAdmin Role = "admin"
)

// AdminSubject is the token subject of the protocol authority.
const AdminSubject = "admin"

// LoginRequest proves control of a party address. Signature is an EIP-191
// personal_sign over LoginMessage(Address, IssuedAt).
type LoginRequest struct {
	Address   common.Address
	IssuedAt  int64
	Signature []byte
}

// LoginResult carries the issued bearer token.
type LoginResult struct {
	Token     string
	Subject   string
	Role      Role
	ExpiresAt time.Time
}
