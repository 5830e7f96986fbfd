package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

// ErrNotFound signals the party has no profile.
var ErrNotFound = errors.New("identity: not found")

// Repository provides access to party profiles.
type Repository struct {
	q db.Querier
}

// NewRepository wires a pgx-backed repository implementation.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// Get fetches a profile by address.
func (r *Repository) Get(ctx context.Context, addr common.Address) (Profile, error) {
	const query = `
		SELECT address, verified, verified_at, created_at
		FROM parties
		WHERE address = $1
	`

	var (
		profile Profile
		address string
	)
	err := r.q.QueryRow(ctx, query, addr.Hex()).Scan(&address, &profile.Verified, &profile.VerifiedAt, &profile.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("identity: query by address: %w", err)
	}
	profile.Address = common.HexToAddress(address)
	return profile, nil
}

// SetVerified records the registry verdict for a party.
func (r *Repository) SetVerified(ctx context.Context, addr common.Address, verified bool, now time.Time) (Profile, error) {
	const query = `
		INSERT INTO parties (address, verified, verified_at)
		VALUES ($1, $2, CASE WHEN $2 THEN $3::timestamptz END)
		ON CONFLICT (address) DO UPDATE
		SET verified = EXCLUDED.verified, verified_at = EXCLUDED.verified_at
		RETURNING verified, verified_at, created_at
	`

	profile := Profile{Address: addr}
	if err := r.q.QueryRow(ctx, query, addr.Hex(), verified, now).
		Scan(&profile.Verified, &profile.VerifiedAt, &profile.CreatedAt); err != nil {
		return Profile{}, fmt.Errorf("identity: set verified: %w", err)
	}
	return profile, nil
}
