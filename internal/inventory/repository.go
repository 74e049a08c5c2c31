package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
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
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := db.Tx(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, &txRepository{tx: tx})
	})
}

const balanceColumns = `variant_id, warehouse_id, quantity, current_entry_at, last_sale_at, updated_at`

// GetBalance reads a balance without locking.
func (r *Repository) GetBalance(ctx context.Context, variantID, warehouseID int64) (Balance, error) {
	bal, err := scanBalance(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_balances WHERE variant_id=$1 AND warehouse_id=$2`, variantID, warehouseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{VariantID: variantID, WarehouseID: warehouseID}, ErrBalanceNotFound
	}
	return bal, err
}

// ListBalances lists balances of one variant, or all when variantID is zero.
func (r *Repository) ListBalances(ctx context.Context, variantID int64) ([]Balance, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT `+balanceColumns+` FROM stock_balances
WHERE ($1::bigint = 0 OR variant_id = $1) ORDER BY variant_id, warehouse_id`, variantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []Balance{}
	for rows.Next() {
		bal, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

const movementColumns = `id, kind, variant_id, origin_warehouse_id, dest_warehouse_id, quantity, occurred_at, actor_id,
order_id, order_item_id, reservation_id, consignment_id, factory_item_id, reference, reverses_id, note, created_at`

// ListMovements lists movements matching the filter, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var where []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.VariantID != 0 {
		add("variant_id = $%d", filter.VariantID)
	}
	if filter.WarehouseID != 0 {
		args = append(args, filter.WarehouseID)
		where = append(where, fmt.Sprintf("(origin_warehouse_id = $%d OR dest_warehouse_id = $%d)", len(args), len(args)))
	}
	if filter.OrderID != 0 {
		add("order_id = $%d", filter.OrderID)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To)
	}
	query := `SELECT ` + movementColumns + ` FROM stock_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY occurred_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// SumMovements replays the log into signed totals per key.
func (r *Repository) SumMovements(ctx context.Context, variantID int64) (map[BalanceKey]int64, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT variant_id, warehouse_id, SUM(delta)::bigint FROM (
  SELECT variant_id, origin_warehouse_id AS warehouse_id, -quantity AS delta FROM stock_movements WHERE origin_warehouse_id IS NOT NULL
  UNION ALL
  SELECT variant_id, dest_warehouse_id AS warehouse_id, quantity AS delta FROM stock_movements WHERE dest_warehouse_id IS NOT NULL
) d
WHERE ($1::bigint = 0 OR variant_id = $1)
GROUP BY variant_id, warehouse_id`, variantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sums := make(map[BalanceKey]int64)
	for rows.Next() {
		var key BalanceKey
		var total int64
		if err := rows.Scan(&key.VariantID, &key.WarehouseID, &total); err != nil {
			return nil, err
		}
		sums[key] = total
	}
	return sums, rows.Err()
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, variantID, warehouseID int64) (Balance, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (variant_id, warehouse_id, quantity, updated_at)
VALUES ($1,$2,0,NOW()) ON CONFLICT (variant_id, warehouse_id) DO NOTHING`, variantID, warehouseID); err != nil {
		return Balance{}, err
	}
	return scanBalance(r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM stock_balances WHERE variant_id=$1 AND warehouse_id=$2 FOR UPDATE`, variantID, warehouseID))
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (variant_id, warehouse_id, quantity, current_entry_at, last_sale_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (variant_id, warehouse_id) DO UPDATE SET quantity=EXCLUDED.quantity, current_entry_at=EXCLUDED.current_entry_at,
last_sale_at=EXCLUDED.last_sale_at, updated_at=EXCLUDED.updated_at`,
		balance.VariantID, balance.WarehouseID, balance.Quantity, balance.CurrentEntryAt, balance.LastSaleAt, balance.UpdatedAt)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, mv *Movement) error {
	c := mv.Correlation
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (kind, variant_id, origin_warehouse_id, dest_warehouse_id, quantity, occurred_at, actor_id,
order_id, order_item_id, reservation_id, consignment_id, factory_item_id, reference, reverses_id, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW()) RETURNING id, created_at`,
		string(mv.Kind), mv.VariantID, nullInt(mv.OriginWarehouseID), nullInt(mv.DestWarehouseID), mv.Quantity, mv.OccurredAt, mv.ActorID,
		nullInt(c.OrderID), nullInt(c.OrderItemID), nullInt(c.ReservationID), nullInt(c.ConsignmentID), nullInt(c.FactoryItemID), c.Reference,
		nullInt(mv.ReversesID), mv.Note).Scan(&mv.ID, &mv.CreatedAt)
	if mv.ReversesID != 0 && db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: movement %d already reversed", ErrNotReversible, mv.ReversesID)
	}
	return err
}

func (r *txRepository) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	mv, err := scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, fmt.Errorf("%w: %d", ErrMovementNotFound, id)
	}
	return mv, err
}

func (r *txRepository) ReversalOf(ctx context.Context, id int64) (int64, bool, error) {
	var revID int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM stock_movements WHERE reverses_id=$1`, id).Scan(&revID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return revID, true, nil
}

func scanBalance(row pgx.Row) (Balance, error) {
	var bal Balance
	var entry, sale *time.Time
	if err := row.Scan(&bal.VariantID, &bal.WarehouseID, &bal.Quantity, &entry, &sale, &bal.UpdatedAt); err != nil {
		return Balance{}, err
	}
	bal.CurrentEntryAt = entry
	bal.LastSaleAt = sale
	return bal, nil
}

func scanMovement(row pgx.Row) (Movement, error) {
	var mv Movement
	var kind string
	var origin, dest, orderID, itemID, resID, consID, factoryID, reverses *int64
	if err := row.Scan(&mv.ID, &kind, &mv.VariantID, &origin, &dest, &mv.Quantity, &mv.OccurredAt, &mv.ActorID,
		&orderID, &itemID, &resID, &consID, &factoryID, &mv.Correlation.Reference, &reverses, &mv.Note, &mv.CreatedAt); err != nil {
		return Movement{}, err
	}
	mv.Kind = MovementKind(kind)
	mv.OriginWarehouseID = deref(origin)
	mv.DestWarehouseID = deref(dest)
	mv.Correlation.OrderID = deref(orderID)
	mv.Correlation.OrderItemID = deref(itemID)
	mv.Correlation.ReservationID = deref(resID)
	mv.Correlation.ConsignmentID = deref(consID)
	mv.Correlation.FactoryItemID = deref(factoryID)
	mv.ReversesID = deref(reverses)
	return mv, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
