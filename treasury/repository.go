package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

// Repository persists harassment records and subsidy claims.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Lock returns the record for addr, creating a neutral one on first touch, and
// holds its row lock until the transaction ends.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, addr common.Address, now time.Time) (Record, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO harassment_records (address, score, last_updated)
VALUES ($1, 0, $2)
ON CONFLICT (address) DO NOTHING`, addr.Hex(), now); err != nil {
		return Record{}, fmt.Errorf("treasury: ensure record: %w", err)
	}

	rec := Record{Address: addr}
	if err := tx.QueryRow(ctx, `
SELECT score, last_updated FROM harassment_records
WHERE address = $1
FOR UPDATE`, addr.Hex()).Scan(&rec.Score, &rec.LastUpdated); err != nil {
		return Record{}, fmt.Errorf("treasury: lock record: %w", err)
	}
	return rec, nil
}

func (r *Repository) Save(ctx context.Context, tx pgx.Tx, rec Record) error {
	if _, err := tx.Exec(ctx, `
UPDATE harassment_records SET score = $2, last_updated = $3
WHERE address = $1`, rec.Address.Hex(), rec.Score, rec.LastUpdated); err != nil {
		return fmt.Errorf("treasury: save record: %w", err)
	}
	return nil
}

// Get returns the stored record; ok is false when the address was never scored.
func (r *Repository) Get(ctx context.Context, q db.Querier, addr common.Address) (Record, bool, error) {
	rec := Record{Address: addr}
	err := q.QueryRow(ctx, `SELECT score, last_updated FROM harassment_records WHERE address = $1`, addr.Hex()).
		Scan(&rec.Score, &rec.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, false, nil
		}
		return Record{}, false, fmt.Errorf("treasury: get record: %w", err)
	}
	return rec, true, nil
}

// Claimed sums a requester's subsidies for one dispute and in total.
func (r *Repository) Claimed(ctx context.Context, q db.Querier, requester common.Address, disputeID int64) (*big.Int, *big.Int, error) {
	var perDispute, total string
	err := q.QueryRow(ctx, `
SELECT COALESCE(SUM(amount) FILTER (WHERE dispute_id = $2), 0)::text,
       COALESCE(SUM(amount), 0)::text
FROM subsidy_claims
WHERE requester = $1`, requester.Hex(), disputeID).Scan(&perDispute, &total)
	if err != nil {
		return nil, nil, fmt.Errorf("treasury: claimed: %w", err)
	}
	d, err := db.ParseNumeric(perDispute)
	if err != nil {
		return nil, nil, err
	}
	t, err := db.ParseNumeric(total)
	if err != nil {
		return nil, nil, err
	}
	return d, t, nil
}

func (r *Repository) InsertClaim(ctx context.Context, tx pgx.Tx, requester common.Address, disputeID int64, amount *big.Int, now time.Time) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO subsidy_claims (requester, dispute_id, amount, created_at)
VALUES ($1, $2, $3::numeric, $4)`, requester.Hex(), disputeID, db.Numeric(amount), now); err != nil {
		return fmt.Errorf("treasury: insert claim: %w", err)
	}
	return nil
}
