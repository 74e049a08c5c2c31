package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// Repository persists orders and factory orders in PostgreSQL.
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

const orderColumns = `id, customer_id, salesperson_id, partner_id, fulfilled_from_stock, consignment, type, order_date,
lead_time_days, due_date, total, note, created_by, created_at`

// GetOrder loads an order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return loadOrder(ctx, r.db.Conn(ctx), id, false)
}

// ListStatusEvents returns the order history by (occurred_at, id).
func (r *Repository) ListStatusEvents(ctx context.Context, orderID int64) ([]StatusEvent, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT id, order_id, status, occurred_at, actor_id, note
FROM order_status_events WHERE order_id=$1 ORDER BY occurred_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusEvent
	for rows.Next() {
		ev, err := scanStatusEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetFactoryOrder loads a factory order with its items.
func (r *Repository) GetFactoryOrder(ctx context.Context, id int64) (FactoryOrder, error) {
	return loadFactoryOrder(ctx, r.db.Conn(ctx), id, false)
}

// ListFactoryEvents returns the aggregate status changes, oldest first.
func (r *Repository) ListFactoryEvents(ctx context.Context, factoryOrderID int64) ([]FactoryEvent, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT id, factory_order_id, status, occurred_at, actor_id, note
FROM factory_order_events WHERE factory_order_id=$1 ORDER BY occurred_at, id`, factoryOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FactoryEvent
	for rows.Next() {
		var ev FactoryEvent
		var status string
		if err := rows.Scan(&ev.ID, &ev.FactoryOrderID, &status, &ev.OccurredAt, &ev.ActorID, &ev.Note); err != nil {
			return nil, err
		}
		ev.Status = DeliveryStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FactoryOrderIDForItem resolves the factory order owning an item.
func (r *Repository) FactoryOrderIDForItem(ctx context.Context, itemID int64) (int64, error) {
	var id int64
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT factory_order_id FROM factory_order_items WHERE id=$1`, itemID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: item %d", ErrFactoryOrderNotFound, itemID)
	}
	return id, err
}

func (r *txRepository) InsertOrder(ctx context.Context, o *Order) error {
	if err := r.tx.QueryRow(ctx, `INSERT INTO orders (customer_id, salesperson_id, partner_id, fulfilled_from_stock, consignment, type,
order_date, lead_time_days, due_date, total, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		o.CustomerID, o.SalespersonID, nullInt(o.PartnerID), o.FulfilledFromStock, o.Consignment, string(o.Type),
		o.OrderDate, o.LeadTimeDays, o.DueDate, o.Total, o.Note, o.CreatedBy, o.CreatedAt).Scan(&o.ID); err != nil {
		return err
	}
	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO order_items (order_id, variant_id, quantity, unit_price, warehouse_id)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, item.OrderID, item.VariantID, item.Quantity, item.UnitPrice, nullInt(item.WarehouseID)).Scan(&item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) LockOrder(ctx context.Context, id int64) (Order, error) {
	return loadOrder(ctx, r.tx, id, true)
}

func (r *txRepository) LatestStatus(ctx context.Context, orderID int64) (StatusEvent, error) {
	ev, err := scanStatusEvent(r.tx.QueryRow(ctx, `SELECT id, order_id, status, occurred_at, actor_id, note
FROM order_status_events WHERE order_id=$1 ORDER BY occurred_at DESC, id DESC LIMIT 1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusEvent{}, fmt.Errorf("%w: order %d has no status", ErrNotFound, orderID)
	}
	return ev, err
}

func (r *txRepository) InsertStatusEvent(ctx context.Context, ev *StatusEvent) error {
	return r.tx.QueryRow(ctx, `INSERT INTO order_status_events (order_id, status, occurred_at, actor_id, note)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, ev.OrderID, string(ev.Status), ev.OccurredAt, ev.ActorID, ev.Note).Scan(&ev.ID)
}

func (r *txRepository) InsertFactoryOrder(ctx context.Context, fo *FactoryOrder) error {
	if err := r.tx.QueryRow(ctx, `INSERT INTO factory_orders (supplier_ref, order_id, warehouse_id, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		fo.SupplierRef, nullInt(fo.OrderID), fo.WarehouseID, string(fo.Status), fo.Note, fo.CreatedBy, fo.CreatedAt, fo.UpdatedAt).Scan(&fo.ID); err != nil {
		return err
	}
	for i := range fo.Items {
		item := &fo.Items[i]
		item.FactoryOrderID = fo.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO factory_order_items (factory_order_id, order_item_id, variant_id, quantity, quantity_delivered)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, item.FactoryOrderID, nullInt(item.OrderItemID), item.VariantID, item.Quantity, item.QuantityDelivered).Scan(&item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) LockFactoryOrder(ctx context.Context, id int64) (FactoryOrder, error) {
	return loadFactoryOrder(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateFactoryItem(ctx context.Context, item FactoryItem) error {
	_, err := r.tx.Exec(ctx, `UPDATE factory_order_items SET quantity_delivered=$2 WHERE id=$1`, item.ID, item.QuantityDelivered)
	return err
}

func (r *txRepository) UpdateFactoryOrderStatus(ctx context.Context, id int64, status DeliveryStatus, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE factory_orders SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	return err
}

func (r *txRepository) InsertFactoryEvent(ctx context.Context, ev *FactoryEvent) error {
	return r.tx.QueryRow(ctx, `INSERT INTO factory_order_events (factory_order_id, status, occurred_at, actor_id, note)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, ev.FactoryOrderID, string(ev.Status), ev.OccurredAt, ev.ActorID, ev.Note).Scan(&ev.ID)
}

func loadOrder(ctx context.Context, conn db.Executor, id int64, forUpdate bool) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o Order
	var typ string
	var partner *int64
	err := conn.QueryRow(ctx, query, id).Scan(&o.ID, &o.CustomerID, &o.SalespersonID, &partner, &o.FulfilledFromStock, &o.Consignment,
		&typ, &o.OrderDate, &o.LeadTimeDays, &o.DueDate, &o.Total, &o.Note, &o.CreatedBy, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Order{}, err
	}
	o.Type = Type(typ)
	if partner != nil {
		o.PartnerID = *partner
	}
	rows, err := conn.Query(ctx, `SELECT id, order_id, variant_id, quantity, unit_price, warehouse_id FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		var warehouse *int64
		if err := rows.Scan(&item.ID, &item.OrderID, &item.VariantID, &item.Quantity, &item.UnitPrice, &warehouse); err != nil {
			return Order{}, err
		}
		if warehouse != nil {
			item.WarehouseID = *warehouse
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func loadFactoryOrder(ctx context.Context, conn db.Executor, id int64, forUpdate bool) (FactoryOrder, error) {
	query := `SELECT id, supplier_ref, order_id, warehouse_id, status, note, created_by, created_at, updated_at FROM factory_orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var fo FactoryOrder
	var status string
	var orderID *int64
	err := conn.QueryRow(ctx, query, id).Scan(&fo.ID, &fo.SupplierRef, &orderID, &fo.WarehouseID, &status, &fo.Note, &fo.CreatedBy, &fo.CreatedAt, &fo.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FactoryOrder{}, fmt.Errorf("%w: %d", ErrFactoryOrderNotFound, id)
	}
	if err != nil {
		return FactoryOrder{}, err
	}
	fo.Status = DeliveryStatus(status)
	if orderID != nil {
		fo.OrderID = *orderID
	}
	rows, err := conn.Query(ctx, `SELECT id, factory_order_id, order_item_id, variant_id, quantity, quantity_delivered
FROM factory_order_items WHERE factory_order_id=$1 ORDER BY id`, id)
	if err != nil {
		return FactoryOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item FactoryItem
		var orderItem *int64
		if err := rows.Scan(&item.ID, &item.FactoryOrderID, &orderItem, &item.VariantID, &item.Quantity, &item.QuantityDelivered); err != nil {
			return FactoryOrder{}, err
		}
		if orderItem != nil {
			item.OrderItemID = *orderItem
		}
		fo.Items = append(fo.Items, item)
	}
	return fo, rows.Err()
}

func scanStatusEvent(row pgx.Row) (StatusEvent, error) {
	var ev StatusEvent
	var status string
	if err := row.Scan(&ev.ID, &ev.OrderID, &status, &ev.OccurredAt, &ev.ActorID, &ev.Note); err != nil {
		return StatusEvent{}, err
	}
	ev.Status = Status(status)
	return ev, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
