package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"disputeflow/db"
)

var (
	ErrNotFound       = errors.New("license: not found")
	ErrAlreadyApplied = errors.New("license: outcome already applied")
	ErrMissingOutcome = errors.New("license: record needs terms or a proposal hash")
)

// Repository stores the single outcome applied per dispute.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Apply records the outcome. A dispute gets at most one.
func (r *Repository) Apply(ctx context.Context, tx pgx.Tx, rec Record) error {
	if rec.Terms == nil && rec.ProposalHash == nil {
		return ErrMissingOutcome
	}

	var terms []byte
	if rec.Terms != nil {
		b, err := json.Marshal(rec.Terms)
		if err != nil {
			return fmt.Errorf("license: marshal terms: %w", err)
		}
		terms = b
	}
	var hash *string
	if rec.ProposalHash != nil {
		h := rec.ProposalHash.Hex()
		hash = &h
	}

	const insertSQL = `
INSERT INTO licenses (dispute_id, source, proposal_hash, terms, initiator, counterparty, applied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := tx.Exec(ctx, insertSQL, rec.DisputeID, string(rec.Source), hash, terms,
		rec.Initiator.Hex(), rec.Counterparty.Hex(), rec.AppliedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("license: apply: %w", err)
	}
	return nil
}

// Get returns the outcome recorded for a dispute.
func (r *Repository) Get(ctx context.Context, q db.Querier, disputeID int64) (Record, error) {
	var (
		rec          Record
		hash         *string
		terms        []byte
		initiator    string
		counterparty string
	)
	err := q.QueryRow(ctx, `
SELECT dispute_id, source, proposal_hash, terms, initiator, counterparty, applied_at
FROM licenses WHERE dispute_id = $1`, disputeID).
		Scan(&rec.DisputeID, &rec.Source, &hash, &terms, &initiator, &counterparty, &rec.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("license: get: %w", err)
	}
	if hash != nil {
		h := common.HexToHash(*hash)
		rec.ProposalHash = &h
	}
	if len(terms) > 0 {
		var t Terms
		if err := json.Unmarshal(terms, &t); err != nil {
			return Record{}, fmt.Errorf("license: decode terms: %w", err)
		}
		rec.Terms = &t
	}
	rec.Initiator = common.HexToAddress(initiator)
	rec.Counterparty = common.HexToAddress(counterparty)
	return rec, nil
}
