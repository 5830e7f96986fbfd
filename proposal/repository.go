package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"disputeflow/db"
)

var (
	ErrNotFound       = errors.New("proposal: not found")
	ErrDuplicateRound = errors.New("proposal: round already recorded")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) error {
	const insertSQL = `
INSERT INTO proposals (dispute_id, round, content_hash, signature, attester, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := tx.Exec(ctx, insertSQL, p.DisputeID, p.Round, p.ContentHash.Hex(), p.Signature, p.Attester.Hex(), p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRound
		}
		return fmt.Errorf("proposal: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, disputeID int64, round int) (Proposal, error) {
	row := q.QueryRow(ctx, `
SELECT dispute_id, round, content_hash, signature, attester, created_at
FROM proposals WHERE dispute_id = $1 AND round = $2`, disputeID, round)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: get: %w", err)
	}
	return p, nil
}

func (r *Repository) List(ctx context.Context, q db.Querier, disputeID int64) ([]Proposal, error) {
	rows, err := q.Query(ctx, `
SELECT dispute_id, round, content_hash, signature, attester, created_at
FROM proposals WHERE dispute_id = $1 ORDER BY round`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("proposal: list: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("proposal: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal: iterate: %w", err)
	}
	return out, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p        Proposal
		hash     string
		attester string
	)
	if err := row.Scan(&p.DisputeID, &p.Round, &hash, &p.Signature, &attester, &p.CreatedAt); err != nil {
		return Proposal{}, err
	}
	p.ContentHash = common.HexToHash(hash)
	p.Attester = common.HexToAddress(attester)
	return p, nil
}
