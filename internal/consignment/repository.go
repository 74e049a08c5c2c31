package consignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// Repository persists consignments in PostgreSQL.
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

const columns = `id, order_id, order_item_id, variant_id, warehouse_id, quantity, returned, sent_at, response_deadline,
status, purchased_at, created_by, created_at, updated_at`

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

// Get returns one consignment.
func (r *Repository) Get(ctx context.Context, id int64) (Consignment, error) {
	c, err := scan(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+columns+` FROM consignments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Consignment{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return c, err
}

// ListByOrder lists consignments of an order by id.
func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]Consignment, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+columns+` FROM consignments WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Consignment{}
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListReturns lists the returns of a consignment, oldest first.
func (r *Repository) ListReturns(ctx context.Context, consignmentID int64) ([]Return, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT id, consignment_id, quantity, returned_at, actor_id, movement_id, note
FROM consignment_returns WHERE consignment_id=$1 ORDER BY returned_at, id`, consignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Return{}
	for rows.Next() {
		var ret Return
		if err := rows.Scan(&ret.ID, &ret.ConsignmentID, &ret.Quantity, &ret.ReturnedAt, &ret.ActorID, &ret.MovementID, &ret.Note); err != nil {
			return nil, err
		}
		out = append(out, ret)
	}
	return out, rows.Err()
}

func (r *txRepository) Insert(ctx context.Context, c *Consignment) error {
	return r.tx.QueryRow(ctx, `INSERT INTO consignments (order_id, order_item_id, variant_id, warehouse_id, quantity, returned, sent_at,
response_deadline, status, purchased_at, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		nullInt(c.OrderID), nullInt(c.OrderItemID), c.VariantID, c.WarehouseID, c.Quantity, c.Returned, c.SentAt,
		c.ResponseDeadline, string(c.Status), c.PurchasedAt, c.CreatedBy, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Consignment, error) {
	c, err := scan(r.tx.QueryRow(ctx, `SELECT `+columns+` FROM consignments WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Consignment{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return c, err
}

func (r *txRepository) Update(ctx context.Context, c Consignment) error {
	_, err := r.tx.Exec(ctx, `UPDATE consignments SET returned=$2, status=$3, purchased_at=$4, updated_at=$5 WHERE id=$1`,
		c.ID, c.Returned, string(c.Status), c.PurchasedAt, c.UpdatedAt)
	return err
}

func (r *txRepository) InsertReturn(ctx context.Context, ret *Return) error {
	return r.tx.QueryRow(ctx, `INSERT INTO consignment_returns (consignment_id, quantity, returned_at, actor_id, movement_id, note)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		ret.ConsignmentID, ret.Quantity, ret.ReturnedAt, ret.ActorID, ret.MovementID, ret.Note).Scan(&ret.ID)
}

func scan(row pgx.Row) (Consignment, error) {
	var c Consignment
	var status string
	var orderID, itemID *int64
	if err := row.Scan(&c.ID, &orderID, &itemID, &c.VariantID, &c.WarehouseID, &c.Quantity, &c.Returned, &c.SentAt,
		&c.ResponseDeadline, &status, &c.PurchasedAt, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Consignment{}, err
	}
	c.Status = Status(status)
	if orderID != nil {
		c.OrderID = *orderID
	}
	if itemID != nil {
		c.OrderItemID = *itemID
	}
	return c, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
