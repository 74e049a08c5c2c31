package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// Repository persists reservations in PostgreSQL.
type Repository struct {
	db *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(txm *db.TxManager) *Repository {
	return &Repository{db: txm}
}

type txRepository struct {
	tx pgx.Tx
}

const columns = `id, variant_id, warehouse_id, order_id, order_item_id, requested, consumed, status, expires_at, reason, created_by, created_at, updated_at`

// WithTx executes the callback inside the unit of work carried by ctx, opening one if needed.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := db.Tx(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get returns one reservation.
func (r *Repository) Get(ctx context.Context, id int64) (Reservation, error) {
	res, err := scan(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return res, err
}

// ListByOrder lists reservations of an order by id.
func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]Reservation, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+columns+` FROM reservations WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Reservation{}
	for rows.Next() {
		res, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListExpired lists active reservations whose deadline passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT id FROM reservations WHERE status='active' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SumPendingByItem sums pending quantity of active reservations for an item.
func (r *Repository) SumPendingByItem(ctx context.Context, orderItemID int64) (int64, error) {
	var total int64
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(requested - consumed), 0)::bigint FROM reservations WHERE order_item_id=$1 AND status='active'`, orderItemID).Scan(&total)
	return total, err
}

// SumPendingActive sums pending quantity of active reservations for a key.
func (r *Repository) SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	return sumPendingActive(ctx, r.db.Conn(ctx), variantID, warehouseID)
}

func (r *txRepository) SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	return sumPendingActive(ctx, r.tx, variantID, warehouseID)
}

func sumPendingActive(ctx context.Context, conn db.Executor, variantID, warehouseID int64) (int64, error) {
	var total int64
	err := conn.QueryRow(ctx, `SELECT COALESCE(SUM(requested - consumed), 0)::bigint FROM reservations
WHERE variant_id=$1 AND warehouse_id=$2 AND status='active'`, variantID, warehouseID).Scan(&total)
	return total, err
}

func (r *txRepository) Insert(ctx context.Context, res *Reservation) error {
	return r.tx.QueryRow(ctx, `INSERT INTO reservations (variant_id, warehouse_id, order_id, order_item_id, requested, consumed, status, expires_at, reason, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		res.VariantID, res.WarehouseID, nullInt(res.OrderID), res.OrderItemID, res.Requested, res.Consumed, string(res.Status),
		res.ExpiresAt, res.Reason, res.CreatedBy, res.CreatedAt, res.UpdatedAt).Scan(&res.ID)
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Reservation, error) {
	res, err := scan(r.tx.QueryRow(ctx, `SELECT `+columns+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return res, err
}

func (r *txRepository) Update(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET consumed=$2, status=$3, reason=$4, updated_at=$5 WHERE id=$1`,
		res.ID, res.Consumed, string(res.Status), res.Reason, res.UpdatedAt)
	return err
}

func scan(row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	var orderID *int64
	if err := row.Scan(&res.ID, &res.VariantID, &res.WarehouseID, &orderID, &res.OrderItemID, &res.Requested, &res.Consumed,
		&status, &res.ExpiresAt, &res.Reason, &res.CreatedBy, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return Reservation{}, err
	}
	res.Status = Status(status)
	if orderID != nil {
		res.OrderID = *orderID
	}
	return res, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
