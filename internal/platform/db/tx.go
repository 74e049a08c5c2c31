package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoUnit is returned when an operation requires an open unit of work.
var ErrNoUnit = errors.New("platform/db: no unit of work in context")

// Transactor opens units of work. Nested calls join the unit already carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// Executor is the subset of pgx used by repositories; satisfied by pgx.Tx and *pgxpool.Pool.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Unit tracks one open unit of work. Tx is nil for non-SQL stores.
type Unit struct {
	Tx    pgx.Tx
	Owner any

	hooks  []func(context.Context) error
	values map[any]any
}

// Value returns unit-scoped state stored under key.
func (u *Unit) Value(key any) any {
	return u.values[key]
}

// SetValue stores unit-scoped state; it is dropped with the unit.
func (u *Unit) SetValue(key, value any) {
	if u.values == nil {
		u.values = make(map[any]any)
	}
	u.values[key] = value
}

type unitKey struct{}

// WithUnit stores the unit in ctx.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// UnitFrom returns the unit carried by ctx, or nil.
func UnitFrom(ctx context.Context) *Unit {
	u, _ := ctx.Value(unitKey{}).(*Unit)
	return u
}

// BeforeCommit registers fn to run after the unit's body succeeded and before it commits.
// A hook error rolls the unit back.
func BeforeCommit(ctx context.Context, fn func(context.Context) error) error {
	u := UnitFrom(ctx)
	if u == nil {
		return ErrNoUnit
	}
	u.hooks = append(u.hooks, fn)
	return nil
}

// RunHooks executes the registered hooks in order. Hooks may register further hooks.
func (u *Unit) RunHooks(ctx context.Context) error {
	for i := 0; i < len(u.hooks); i++ {
		if err := u.hooks[i](ctx); err != nil {
			return err
		}
	}
	u.hooks = nil
	return nil
}

// TxManager opens PostgreSQL transactions and shares them through the context.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager constructs TxManager.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx runs fn inside a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers per key; read committed lets a waiter
// see the winner's committed row once the lock is released.
func (m *TxManager) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	if u := UnitFrom(ctx); u != nil && u.Owner == m {
		return fn(ctx)
	}
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	unit := &Unit{Tx: tx, Owner: m}
	txCtx := WithUnit(ctx, unit)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := unit.RunHooks(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// Conn returns the transaction carried by ctx, or the pool for reads outside a unit.
func (m *TxManager) Conn(ctx context.Context) Executor {
	if u := UnitFrom(ctx); u != nil && u.Tx != nil {
		return u.Tx
	}
	return m.pool
}

// Tx returns the transaction carried by ctx or ErrNoUnit.
func Tx(ctx context.Context) (pgx.Tx, error) {
	u := UnitFrom(ctx)
	if u == nil || u.Tx == nil {
		return nil, ErrNoUnit
	}
	return u.Tx, nil
}

// IsUniqueViolation reports a 23505 error from PostgreSQL.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
