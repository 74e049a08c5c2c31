package orders

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

// DeliveryStatus is the aggregate delivery status of a factory order.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pendente"
	DeliveryPartial   DeliveryStatus = "parcial"
	DeliveryDelivered DeliveryStatus = "entregue"
)

// FactoryOrder is a purchase placed with a furniture factory.
type FactoryOrder struct {
	ID          int64          `json:"id"`
	SupplierRef string         `json:"supplier_ref"`
	OrderID     int64          `json:"order_id,omitempty"`
	WarehouseID int64          `json:"warehouse_id"`
	Status      DeliveryStatus `json:"status"`
	Note        string         `json:"note,omitempty"`
	Items       []FactoryItem  `json:"items"`
	CreatedBy   int64          `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// FactoryItem tracks ordered against delivered quantity.
type FactoryItem struct {
	ID                int64 `json:"id"`
	FactoryOrderID    int64 `json:"factory_order_id"`
	OrderItemID       int64 `json:"order_item_id,omitempty"`
	VariantID         int64 `json:"variant_id"`
	Quantity          int64 `json:"quantity"`
	QuantityDelivered int64 `json:"quantity_delivered"`
}

// FactoryEvent records a change of the aggregate delivery status.
type FactoryEvent struct {
	ID             int64          `json:"id"`
	FactoryOrderID int64          `json:"factory_order_id"`
	Status         DeliveryStatus `json:"status"`
	OccurredAt     time.Time      `json:"occurred_at"`
	ActorID        int64          `json:"actor_id"`
	Note           string         `json:"note,omitempty"`
}

// FactoryItemInput describes a factory order line.
type FactoryItemInput struct {
	VariantID   int64
	OrderItemID int64
	Quantity    int64
}

// CreateFactoryOrderInput describes a factory order.
type CreateFactoryOrderInput struct {
	SupplierRef string
	OrderID     int64
	WarehouseID int64
	Items       []FactoryItemInput
	Note        string
	ActorID     int64
}

// RegisterDeliveryInput describes goods arriving from the factory.
// A zero WarehouseID uses the factory order's warehouse.
type RegisterDeliveryInput struct {
	FactoryItemID int64
	Quantity      int64
	WarehouseID   int64
	DeliveredAt   time.Time
	ActorID       int64
	Note          string
}

// AggregateDelivery derives the factory order status from its items.
func AggregateDelivery(items []FactoryItem) DeliveryStatus {
	var ordered, delivered int64
	for _, item := range items {
		ordered += item.Quantity
		delivered += item.QuantityDelivered
	}
	switch {
	case delivered == 0:
		return DeliveryPending
	case delivered < ordered:
		return DeliveryPartial
	default:
		return DeliveryDelivered
	}
}

// CreateFactoryOrder persists a factory order in pendente.
func (s *Service) CreateFactoryOrder(ctx context.Context, input CreateFactoryOrderInput) (FactoryOrder, error) {
	if input.ActorID == 0 {
		return FactoryOrder{}, shared.ErrActorRequired
	}
	if input.SupplierRef == "" || len(input.Items) == 0 {
		return FactoryOrder{}, fmt.Errorf("%w: supplier reference and items required", ErrInvalidOrder)
	}
	warehouse := input.WarehouseID
	if warehouse == 0 {
		warehouse = s.cfg.DefaultWarehouseID
	}
	if warehouse <= 0 {
		return FactoryOrder{}, fmt.Errorf("%w: target warehouse required", ErrInvalidOrder)
	}
	fo := FactoryOrder{
		SupplierRef: input.SupplierRef,
		OrderID:     input.OrderID,
		WarehouseID: warehouse,
		Status:      DeliveryPending,
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	for i, in := range input.Items {
		if in.VariantID <= 0 || in.Quantity <= 0 {
			return FactoryOrder{}, fmt.Errorf("%w: item %d needs a variant and a positive quantity", ErrInvalidOrder, i)
		}
		fo.Items = append(fo.Items, FactoryItem{VariantID: in.VariantID, OrderItemID: in.OrderItemID, Quantity: in.Quantity})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		fo.CreatedAt, fo.UpdatedAt = now, now
		if err := tx.InsertFactoryOrder(ctx, &fo); err != nil {
			return fmt.Errorf("insert factory order: %w", err)
		}
		ev := FactoryEvent{FactoryOrderID: fo.ID, Status: DeliveryPending, OccurredAt: now, ActorID: input.ActorID, Note: input.Note}
		if err := tx.InsertFactoryEvent(ctx, &ev); err != nil {
			return fmt.Errorf("insert factory event: %w", err)
		}
		return s.record(ctx, input.ActorID, subjectFactoryOrder, fo.ID, audit.ActionCreate, "Pedido de fábrica criado", map[string]any{
			"supplier_ref": fo.SupplierRef,
			"order_id":     fo.OrderID,
			"warehouse_id": fo.WarehouseID,
			"items":        len(fo.Items),
		}, nil)
	})
	if err != nil {
		return FactoryOrder{}, err
	}
	return fo, nil
}

// RegisterDelivery books goods received for one factory item and recomputes the aggregate status.
func (s *Service) RegisterDelivery(ctx context.Context, input RegisterDeliveryInput) (FactoryOrder, error) {
	if input.ActorID == 0 {
		return FactoryOrder{}, shared.ErrActorRequired
	}
	if input.Quantity <= 0 {
		return FactoryOrder{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	foID, err := s.repo.FactoryOrderIDForItem(ctx, input.FactoryItemID)
	if err != nil {
		return FactoryOrder{}, err
	}
	var out FactoryOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fo, err := tx.LockFactoryOrder(ctx, foID)
		if err != nil {
			return err
		}
		idx := -1
		for i, item := range fo.Items {
			if item.ID == input.FactoryItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: item %d", ErrFactoryOrderNotFound, input.FactoryItemID)
		}
		item := fo.Items[idx]
		if item.QuantityDelivered+input.Quantity > item.Quantity {
			return fmt.Errorf("%w: item %d ordered %d, delivered %d, receiving %d",
				ErrOverDelivery, item.ID, item.Quantity, item.QuantityDelivered, input.Quantity)
		}
		warehouse := input.WarehouseID
		if warehouse == 0 {
			warehouse = fo.WarehouseID
		}
		at := input.DeliveredAt
		if at.IsZero() {
			at = s.now()
		}
		if _, err := s.ledger.RecordMovement(ctx, inventory.MovementInput{
			Kind:            inventory.KindWarehouseEntry,
			VariantID:       item.VariantID,
			DestWarehouseID: warehouse,
			Quantity:        input.Quantity,
			OccurredAt:      at,
			ActorID:         input.ActorID,
			Correlation: inventory.Correlation{
				OrderID:       fo.OrderID,
				OrderItemID:   item.OrderItemID,
				FactoryItemID: item.ID,
				Reference:     fo.SupplierRef,
			},
			Note: input.Note,
		}); err != nil {
			return err
		}
		item.QuantityDelivered += input.Quantity
		fo.Items[idx] = item
		if err := tx.UpdateFactoryItem(ctx, item); err != nil {
			return fmt.Errorf("update factory item: %w", err)
		}
		before := fo.Status
		fo.Status = AggregateDelivery(fo.Items)
		fo.UpdatedAt = s.now().UTC()
		if fo.Status != before {
			if err := tx.UpdateFactoryOrderStatus(ctx, fo.ID, fo.Status, fo.UpdatedAt); err != nil {
				return fmt.Errorf("update factory order: %w", err)
			}
			ev := FactoryEvent{FactoryOrderID: fo.ID, Status: fo.Status, OccurredAt: at.UTC(), ActorID: input.ActorID, Note: input.Note}
			if err := tx.InsertFactoryEvent(ctx, &ev); err != nil {
				return fmt.Errorf("insert factory event: %w", err)
			}
		}
		out = fo
		return s.record(ctx, input.ActorID, subjectFactoryOrder, fo.ID, audit.ActionUpdate, "Entrega da fábrica", map[string]any{
			"factory_item_id": item.ID,
			"variant_id":      item.VariantID,
			"warehouse_id":    warehouse,
			"quantity":        input.Quantity,
		}, []audit.Change{
			{Field: "items." + strconv.FormatInt(item.ID, 10) + ".quantity_delivered",
				OldValue: strconv.FormatInt(item.QuantityDelivered-input.Quantity, 10), NewValue: strconv.FormatInt(item.QuantityDelivered, 10), ValueType: "int"},
			{Field: "status", OldValue: string(before), NewValue: string(fo.Status), ValueType: "string"},
		})
	})
	if err != nil {
		return FactoryOrder{}, err
	}
	return out, nil
}

// FactoryOrder returns a factory order with its items.
func (s *Service) FactoryOrder(ctx context.Context, id int64) (FactoryOrder, error) {
	return s.repo.GetFactoryOrder(ctx, id)
}

// FactoryHistory returns the aggregate status changes of a factory order.
func (s *Service) FactoryHistory(ctx context.Context, id int64) ([]FactoryEvent, error) {
	return s.repo.ListFactoryEvents(ctx, id)
}
