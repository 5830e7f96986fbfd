package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"disputeflow/db"
	"disputeflow/failure"
)

var (
	// ErrInsufficientReserve is returned when a reserve cannot cover a debit.
	ErrInsufficientReserve = failure.New(failure.EconomicGuard, "collateral: insufficient reserve balance")
	// ErrNothingHeld is returned when a party holds no escrow for the dispute.
	ErrNothingHeld = errors.New("collateral: no escrow held")
	// ErrAlreadyReleased guards against releasing the same escrow twice.
	ErrAlreadyReleased = errors.New("collateral: escrow already released")
	// ErrAlreadyDeposited guards against a second deposit by the same party.
	ErrAlreadyDeposited = errors.New("collateral: escrow already deposited")
	// ErrSplitMismatch is returned when a disbursement does not cover the held amount exactly.
	ErrSplitMismatch = errors.New("collateral: disbursement does not match escrow")
	// ErrUnknownReserve is returned for reserve names without a row.
	ErrUnknownReserve = errors.New("collateral: unknown reserve")
	// ErrNonPositiveAmount rejects zero and negative movements.
	ErrNonPositiveAmount = errors.New("collateral: amount must be positive")
)

// Ledger holds staked value per dispute and the shared reserves. Every write
// happens inside the caller's transaction so a failed transition leaves no trace.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Deposit places a party's stake into custody for a dispute.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, amount *big.Int, now time.Time) error {
	if !Positive(amount) {
		return ErrNonPositiveAmount
	}
	const insertSQL = `
INSERT INTO escrows (dispute_id, party, amount, deposited_at)
VALUES ($1, $2, $3::numeric, $4);
`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, party.Hex(), db.Numeric(amount), now); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyDeposited
		}
		return fmt.Errorf("collateral: insert escrow: %w", err)
	}
	return l.appendEntry(ctx, tx, &disputeID, party, KindStake, amount, now)
}

// Held returns the unreleased escrow for a party, or zero.
func (l *Ledger) Held(ctx context.Context, q db.Querier, disputeID int64, party common.Address) (*big.Int, error) {
	var amount string
	err := q.QueryRow(ctx, `
SELECT amount::text FROM escrows
WHERE dispute_id = $1 AND party = $2 AND released_at IS NULL`, disputeID, party.Hex()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("collateral: held: %w", err)
	}
	return db.ParseNumeric(amount)
}

// Disburse releases a party's escrow, refunding one part and sending the rest
// to the burn sink. The escrow row is locked for the duration of the caller's tx.
func (l *Ledger) Disburse(ctx context.Context, tx pgx.Tx, disputeID int64, d Disbursement, now time.Time) error {
	refund := nonNil(d.Refund)
	burn := nonNil(d.Burn)
	if refund.Sign() < 0 || burn.Sign() < 0 {
		return ErrNonPositiveAmount
	}

	var (
		heldText   string
		releasedAt *time.Time
	)
	err := tx.QueryRow(ctx, `
SELECT amount::text, released_at FROM escrows
WHERE dispute_id = $1 AND party = $2
FOR UPDATE`, disputeID, d.Party.Hex()).Scan(&heldText, &releasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNothingHeld
		}
		return fmt.Errorf("collateral: lock escrow: %w", err)
	}
	if releasedAt != nil {
		return ErrAlreadyReleased
	}
	held, err := db.ParseNumeric(heldText)
	if err != nil {
		return err
	}
	if new(big.Int).Add(refund, burn).Cmp(held) != 0 {
		return fmt.Errorf("%w: held %s, refund %s, burn %s", ErrSplitMismatch, held, refund, burn)
	}

	if _, err := tx.Exec(ctx, `UPDATE escrows SET released_at = $3 WHERE dispute_id = $1 AND party = $2`,
		disputeID, d.Party.Hex(), now); err != nil {
		return fmt.Errorf("collateral: release escrow: %w", err)
	}
	if refund.Sign() > 0 {
		if err := l.appendEntry(ctx, tx, &disputeID, d.Party, KindRefund, refund, now); err != nil {
			return err
		}
	}
	if burn.Sign() > 0 {
		if err := l.appendEntry(ctx, tx, &disputeID, d.Party, KindBurn, burn, now); err != nil {
			return err
		}
		if err := l.CreditReserve(ctx, tx, ReserveBurn, burn, now); err != nil {
			return err
		}
	}
	return nil
}

// CollectFee records a fee paid by a party and credits it to the protocol reserve.
func (l *Ledger) CollectFee(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, amount *big.Int, now time.Time) error {
	if !Positive(amount) {
		return ErrNonPositiveAmount
	}
	if err := l.appendEntry(ctx, tx, &disputeID, party, KindFee, amount, now); err != nil {
		return err
	}
	return l.CreditReserve(ctx, tx, ReserveProtocol, amount, now)
}

// Fund tops up a reserve from an external source.
func (l *Ledger) Fund(ctx context.Context, tx pgx.Tx, reserve string, from common.Address, amount *big.Int, now time.Time) error {
	if !Positive(amount) {
		return ErrNonPositiveAmount
	}
	if err := l.CreditReserve(ctx, tx, reserve, amount, now); err != nil {
		return err
	}
	return l.appendEntry(ctx, tx, nil, from, KindFunding, amount, now)
}

// CreditReserve adds amount to a reserve balance.
func (l *Ledger) CreditReserve(ctx context.Context, tx pgx.Tx, reserve string, amount *big.Int, now time.Time) error {
	tag, err := tx.Exec(ctx, `
UPDATE reserves SET balance = balance + $2::numeric, updated_at = $3
WHERE name = $1`, reserve, db.Numeric(amount), now)
	if err != nil {
		return fmt.Errorf("collateral: credit %s: %w", reserve, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownReserve
	}
	return nil
}

// Payment describes a debit from a reserve to a party.
type Payment struct {
	Reserve   string
	To        common.Address
	Kind      Kind
	DisputeID *int64
	Amount    *big.Int
}

// DebitReserve pays the full amount or nothing. The balance check and the
// deduction are a single conditional UPDATE.
func (l *Ledger) DebitReserve(ctx context.Context, tx pgx.Tx, p Payment, now time.Time) error {
	if !Positive(p.Amount) {
		return ErrNonPositiveAmount
	}
	tag, err := tx.Exec(ctx, `
UPDATE reserves SET balance = balance - $2::numeric, updated_at = $3
WHERE name = $1 AND balance >= $2::numeric`, p.Reserve, db.Numeric(p.Amount), now)
	if err != nil {
		return fmt.Errorf("collateral: debit %s: %w", p.Reserve, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientReserve
	}
	return l.appendEntry(ctx, tx, p.DisputeID, p.To, p.Kind, p.Amount, now)
}

// DebitReserveUpTo pays min(amount, balance) and returns what was paid.
func (l *Ledger) DebitReserveUpTo(ctx context.Context, tx pgx.Tx, p Payment, now time.Time) (*big.Int, error) {
	if !Positive(p.Amount) {
		return new(big.Int), nil
	}
	const debitSQL = `
WITH cur AS (
    SELECT name, balance FROM reserves WHERE name = $1 FOR UPDATE
)
UPDATE reserves r
SET balance = r.balance - LEAST(cur.balance, $2::numeric), updated_at = $3
FROM cur
WHERE r.name = cur.name
RETURNING LEAST(cur.balance, $2::numeric)::text;
`
	var paidText string
	if err := tx.QueryRow(ctx, debitSQL, p.Reserve, db.Numeric(p.Amount), now).Scan(&paidText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownReserve
		}
		return nil, fmt.Errorf("collateral: debit up to %s: %w", p.Reserve, err)
	}
	paid, err := db.ParseNumeric(paidText)
	if err != nil {
		return nil, err
	}
	if paid.Sign() > 0 {
		if err := l.appendEntry(ctx, tx, p.DisputeID, p.To, p.Kind, paid, now); err != nil {
			return nil, err
		}
	}
	return paid, nil
}

// LockReserve reads a reserve balance and holds its row lock until the tx ends.
func (l *Ledger) LockReserve(ctx context.Context, tx pgx.Tx, reserve string) (*big.Int, error) {
	return l.reserveBalance(ctx, tx, reserve, " FOR UPDATE")
}

// ReserveBalance reads a reserve balance without locking.
func (l *Ledger) ReserveBalance(ctx context.Context, q db.Querier, reserve string) (*big.Int, error) {
	return l.reserveBalance(ctx, q, reserve, "")
}

func (l *Ledger) reserveBalance(ctx context.Context, q db.Querier, reserve, suffix string) (*big.Int, error) {
	var text string
	if err := q.QueryRow(ctx, `SELECT balance::text FROM reserves WHERE name = $1`+suffix, reserve).Scan(&text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownReserve
		}
		return nil, fmt.Errorf("collateral: reserve %s: %w", reserve, err)
	}
	return db.ParseNumeric(text)
}

// Entries lists the ledger movements for a dispute in insertion order.
func (l *Ledger) Entries(ctx context.Context, q db.Querier, disputeID int64) ([]Entry, error) {
	rows, err := q.Query(ctx, `
SELECT id, dispute_id, party, kind, amount::text, created_at
FROM ledger_entries
WHERE dispute_id = $1
ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("collateral: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e      Entry
			party  string
			amount string
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &party, &e.Kind, &amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("collateral: scan entry: %w", err)
		}
		e.Party = common.HexToAddress(party)
		if e.Amount, err = db.ParseNumeric(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collateral: iterate entries: %w", err)
	}
	return out, nil
}

func (l *Ledger) appendEntry(ctx context.Context, tx pgx.Tx, disputeID *int64, party common.Address, kind Kind, amount *big.Int, now time.Time) error {
	const insertSQL = `
INSERT INTO ledger_entries (dispute_id, party, kind, amount, created_at)
VALUES ($1, $2, $3, $4::numeric, $5);
`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, party.Hex(), string(kind), db.Numeric(amount), now); err != nil {
		return fmt.Errorf("collateral: append %s entry: %w", kind, err)
	}
	return nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
