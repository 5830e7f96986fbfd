// Package pgxfake provides transaction doubles for service unit tests. Writes
// made by fake repositories are staged on the Tx and only applied on Commit, so
// a failed call leaves fake state untouched the same way Postgres would.
package pgxfake

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out fake transactions and records them.
type Pool struct {
	mu        sync.Mutex
	Txs       []*Tx
	BeginErr  error
	CommitErr error
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{commitErr: p.CommitErr}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Last returns the most recent transaction, or nil.
func (p *Pool) Last() *Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

func (p *Pool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("pgxfake: Pool.Exec not implemented")
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("pgxfake: Pool.Query not implemented")
}

func (p *Pool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("pgxfake: Pool.QueryRow not implemented")
}

// Tx is a pgx.Tx whose staged writes run on Commit.
type Tx struct {
	mu         sync.Mutex
	staged     []func()
	commitErr  error
	Committed  bool
	RolledBack bool
}

// Stage queues fn to run when the transaction commits. A nil or foreign tx
// applies fn immediately.
func Stage(tx pgx.Tx, fn func()) {
	ft, ok := tx.(*Tx)
	if !ok || ft == nil {
		fn()
		return
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.staged = append(ft.staged, fn)
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("pgxfake: nested transactions not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	if t.Committed || t.RolledBack {
		return pgx.ErrTxClosed
	}
	for _, fn := range t.staged {
		fn()
	}
	t.staged = nil
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed {
		return pgx.ErrTxClosed
	}
	t.staged = nil
	t.RolledBack = true
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("pgxfake: not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("pgxfake: not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("pgxfake: not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("pgxfake: not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("pgxfake: not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("pgxfake: not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("pgxfake: not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
