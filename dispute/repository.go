package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

const disputeColumns = `
	id, initiator, counterparty, initiator_stake::text, counterparty_stake::text,
	status::text, COALESCE(outcome, ''), proposal_hash, proposal_round, counter_count,
	initiator_counters, counterparty_counters, initiator_accepted, counterparty_accepted,
	did_required, fallback_license, start_time, stake_deadline, resolution_deadline,
	time_extension_secs, finalized_at, created_at, updated_at`

// Repository persists disputes and their timeline.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	fallback, err := json.Marshal(d.FallbackLicense)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: marshal fallback license: %w", err)
	}

	const insertSQL = `
INSERT INTO disputes (
	initiator, counterparty, initiator_stake, counterparty_stake, status,
	did_required, fallback_license, start_time, stake_deadline, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5::dispute_status, $6, $7, $8, $9, $10, $10)
RETURNING id;
`
	err = tx.QueryRow(ctx, insertSQL,
		d.Initiator.Hex(), d.Counterparty.Hex(),
		db.Numeric(d.InitiatorStake), db.Numeric(d.CounterpartyStake), string(d.Status),
		d.DIDRequired, fallback, d.StartTime, d.StakeDeadline, d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

// Lock loads a dispute and holds its row lock until the transaction ends.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, id int64) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	var hash *string
	if d.ProposalHash != nil {
		h := d.ProposalHash.Hex()
		hash = &h
	}
	var outcome *string
	if d.Outcome != "" {
		o := string(d.Outcome)
		outcome = &o
	}

	const updateSQL = `
UPDATE disputes SET
	counterparty_stake = $2::numeric,
	status = $3::dispute_status,
	outcome = $4,
	proposal_hash = $5,
	proposal_round = $6,
	counter_count = $7,
	initiator_counters = $8,
	counterparty_counters = $9,
	initiator_accepted = $10,
	counterparty_accepted = $11,
	resolution_deadline = $12,
	time_extension_secs = $13,
	finalized_at = $14,
	updated_at = $15
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL,
		d.ID, db.Numeric(d.CounterpartyStake), string(d.Status), outcome, hash,
		d.ProposalRound, d.CounterCount, d.InitiatorCounters, d.CounterpartyCounters,
		d.InitiatorAccepted, d.CounterpartyAccepted, db.NullTime(d.ResolutionDeadline),
		int64(d.TimeExtension/time.Second), d.FinalizedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) List(ctx context.Context, q db.Querier, f Filter) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	var (
		where []string
		args  []any
	)
	if f.Party != nil {
		args = append(args, f.Party.Hex())
		n := strconv.Itoa(len(args))
		where = append(where, "(initiator = $"+n+" OR counterparty = $"+n+")")
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args))+"::dispute_status")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit, max(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Parties returns the two parties of a dispute.
func (r *Repository) Parties(ctx context.Context, q db.Querier, id int64) (common.Address, common.Address, error) {
	var a, b string
	if err := q.QueryRow(ctx, `SELECT initiator, counterparty FROM disputes WHERE id = $1`, id).Scan(&a, &b); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Address{}, common.Address{}, ErrNotFound
		}
		return common.Address{}, common.Address{}, fmt.Errorf("dispute: parties: %w", err)
	}
	return common.HexToAddress(a), common.HexToAddress(b), nil
}

// Status returns the current status and outcome.
func (r *Repository) Status(ctx context.Context, q db.Querier, id int64) (Status, Outcome, error) {
	var (
		status  Status
		outcome string
	)
	err := q.QueryRow(ctx, `SELECT status::text, COALESCE(outcome, '') FROM disputes WHERE id = $1`, id).Scan(&status, &outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("dispute: status: %w", err)
	}
	return status, Outcome(outcome), nil
}

// Due returns disputes whose stake window or resolution deadline has passed.
func (r *Repository) Due(ctx context.Context, q db.Querier, now time.Time, limit int) ([]int64, error) {
	rows, err := q.Query(ctx, `
SELECT id FROM disputes
WHERE (status IN ('created', 'awaiting_stake') AND stake_deadline < $1)
   OR (status = 'active' AND resolution_deadline < $1)
ORDER BY id
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: due: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendEvent adds the next timeline entry. Callers hold the dispute row lock,
// which keeps seq gap-free.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	const insertSQL = `
INSERT INTO dispute_events (dispute_id, seq, type, actor, payload, created_at)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
FROM dispute_events WHERE dispute_id = $1;
`
	if _, err := tx.Exec(ctx, insertSQL, e.DisputeID, e.Type, e.Actor, []byte(payload), e.CreatedAt); err != nil {
		return fmt.Errorf("dispute: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) Events(ctx context.Context, q db.Querier, id int64) ([]Event, error) {
	rows, err := q.Query(ctx, `
SELECT id, dispute_id, seq, type, actor, payload, created_at
FROM dispute_events WHERE dispute_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Seq, &e.Type, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d                  Dispute
		initiator, cp      string
		initStake, cpStake string
		outcome            string
		hash               *string
		fallback           []byte
		resolutionDeadline *time.Time
		extensionSecs      int64
	)
	err := row.Scan(
		&d.ID, &initiator, &cp, &initStake, &cpStake,
		&d.Status, &outcome, &hash, &d.ProposalRound, &d.CounterCount,
		&d.InitiatorCounters, &d.CounterpartyCounters, &d.InitiatorAccepted, &d.CounterpartyAccepted,
		&d.DIDRequired, &fallback, &d.StartTime, &d.StakeDeadline, &resolutionDeadline,
		&extensionSecs, &d.FinalizedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}

	d.Initiator = common.HexToAddress(initiator)
	d.Counterparty = common.HexToAddress(cp)
	if d.InitiatorStake, err = db.ParseNumeric(initStake); err != nil {
		return Dispute{}, err
	}
	if d.CounterpartyStake, err = db.ParseNumeric(cpStake); err != nil {
		return Dispute{}, err
	}
	d.Outcome = Outcome(outcome)
	if hash != nil {
		h := common.HexToHash(*hash)
		d.ProposalHash = &h
	}
	if err := json.Unmarshal(fallback, &d.FallbackLicense); err != nil {
		return Dispute{}, fmt.Errorf("decode fallback license: %w", err)
	}
	if resolutionDeadline != nil {
		d.ResolutionDeadline = *resolutionDeadline
	}
	d.TimeExtension = time.Duration(extensionSecs) * time.Second
	return d, nil
}
