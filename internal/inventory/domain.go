package inventory

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrInvalidMovement indicates a movement whose kind, warehouses or quantity do not fit together.
	ErrInvalidMovement = errors.New("inventory: invalid movement")
	// ErrInsufficientStock indicates an outflow larger than the locked balance.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrNotReversible indicates a movement that is already reversed or is itself a reversal.
	ErrNotReversible = errors.New("inventory: movement not reversible")
	// ErrMovementNotFound indicates an unknown movement id.
	ErrMovementNotFound = errors.New("inventory: movement not found")
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
)

// MovementKind is the closed set of stock movement kinds.
type MovementKind string

const (
	KindEntrada           MovementKind = "ENTRADA"
	KindSaida             MovementKind = "SAIDA"
	KindTransferencia     MovementKind = "TRANSFERENCIA"
	KindEstorno           MovementKind = "ESTORNO"
	KindConsignmentSend   MovementKind = "CONSIGNMENT_SEND"
	KindConsignmentReturn MovementKind = "CONSIGNMENT_RETURN"
	KindAssistanceSend    MovementKind = "ASSISTANCE_SEND"
	KindAssistanceReturn  MovementKind = "ASSISTANCE_RETURN"
	KindWarehouseEntry    MovementKind = "WAREHOUSE_ENTRY"
	KindCustomerDelivery  MovementKind = "CUSTOMER_DELIVERY"
)

// Direction groups kinds by which warehouses they touch.
type Direction int

const (
	DirectionInflow Direction = iota + 1
	DirectionOutflow
	DirectionTransfer
	DirectionReversal
)

// Kinds lists every movement kind.
func Kinds() []MovementKind {
	return []MovementKind{
		KindEntrada, KindSaida, KindTransferencia, KindEstorno,
		KindConsignmentSend, KindConsignmentReturn,
		KindAssistanceSend, KindAssistanceReturn,
		KindWarehouseEntry, KindCustomerDelivery,
	}
}

// IsValid checks if the kind is known.
func (k MovementKind) IsValid() bool {
	return k.Direction() != 0
}

// Direction reports the warehouse shape of the kind; zero for unknown kinds.
func (k MovementKind) Direction() Direction {
	switch k {
	case KindEntrada, KindConsignmentReturn, KindAssistanceReturn, KindWarehouseEntry:
		return DirectionInflow
	case KindSaida, KindConsignmentSend, KindAssistanceSend, KindCustomerDelivery:
		return DirectionOutflow
	case KindTransferencia:
		return DirectionTransfer
	case KindEstorno:
		return DirectionReversal
	default:
		return 0
	}
}

// Label returns the display label.
func (k MovementKind) Label() string {
	switch k {
	case KindEntrada:
		return "Entrada"
	case KindSaida:
		return "Saída"
	case KindTransferencia:
		return "Transferência"
	case KindEstorno:
		return "Estorno"
	case KindConsignmentSend:
		return "Envio para consignação"
	case KindConsignmentReturn:
		return "Retorno de consignação"
	case KindAssistanceSend:
		return "Envio para assistência"
	case KindAssistanceReturn:
		return "Retorno de assistência"
	case KindWarehouseEntry:
		return "Entrada no depósito"
	case KindCustomerDelivery:
		return "Entrega ao cliente"
	default:
		return string(k)
	}
}

// Correlation links a movement to the business object that caused it.
type Correlation struct {
	OrderID       int64  `json:"order_id,omitempty"`
	OrderItemID   int64  `json:"order_item_id,omitempty"`
	ReservationID int64  `json:"reservation_id,omitempty"`
	ConsignmentID int64  `json:"consignment_id,omitempty"`
	FactoryItemID int64  `json:"factory_item_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
}

// Movement is an immutable entry of the stock log. Zero warehouse ids mean absent.
type Movement struct {
	ID                int64        `json:"id"`
	Kind              MovementKind `json:"kind"`
	VariantID         int64        `json:"variant_id"`
	OriginWarehouseID int64        `json:"origin_warehouse_id,omitempty"`
	DestWarehouseID   int64        `json:"dest_warehouse_id,omitempty"`
	Quantity          int64        `json:"quantity"`
	OccurredAt        time.Time    `json:"occurred_at"`
	ActorID           int64        `json:"actor_id"`
	Correlation       Correlation  `json:"correlation"`
	ReversesID        int64        `json:"reverses_id,omitempty"`
	Note              string       `json:"note,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Delta is the signed effect of a movement on one warehouse.
type Delta struct {
	WarehouseID int64
	Quantity    int64
}

// Deltas returns the signed effects ordered by warehouse id, which is also the lock order.
func (m Movement) Deltas() []Delta {
	var out []Delta
	if m.OriginWarehouseID != 0 {
		out = append(out, Delta{WarehouseID: m.OriginWarehouseID, Quantity: -m.Quantity})
	}
	if m.DestWarehouseID != 0 {
		out = append(out, Delta{WarehouseID: m.DestWarehouseID, Quantity: m.Quantity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out
}

// IsOutflow reports whether the movement removes stock from its origin without a destination.
func (m Movement) IsOutflow() bool {
	return m.OriginWarehouseID != 0 && m.DestWarehouseID == 0
}

// Balance is the materialized quantity of a variant in a warehouse.
type Balance struct {
	VariantID      int64      `json:"variant_id"`
	WarehouseID    int64      `json:"warehouse_id"`
	Quantity       int64      `json:"quantity"`
	CurrentEntryAt *time.Time `json:"current_entry_at,omitempty"`
	LastSaleAt     *time.Time `json:"last_sale_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BalanceKey identifies a balance row.
type BalanceKey struct {
	VariantID   int64
	WarehouseID int64
}

// MovementInput describes a movement to record.
type MovementInput struct {
	Kind              MovementKind
	VariantID         int64
	OriginWarehouseID int64
	DestWarehouseID   int64
	Quantity          int64
	OccurredAt        time.Time
	ActorID           int64
	Correlation       Correlation
	Note              string
}

// ReverseInput describes a reversal request.
type ReverseInput struct {
	MovementID int64
	ActorID    int64
	OccurredAt time.Time
	Note       string
}

// MovementFilter narrows movement listings. Zero values are ignored.
type MovementFilter struct {
	VariantID   int64
	WarehouseID int64
	OrderID     int64
	Kinds       []MovementKind
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Discrepancy reports a balance that disagrees with its movement log.
type Discrepancy struct {
	VariantID    int64 `json:"variant_id"`
	WarehouseID  int64 `json:"warehouse_id"`
	Materialized int64 `json:"materialized"`
	Replayed     int64 `json:"replayed"`
}

// ImportRow is one externally sourced movement. Key makes resubmission idempotent.
type ImportRow struct {
	Key   string
	Input MovementInput
}

// ImportResult summarizes an import run. FailedRow is -1 when every batch committed.
type ImportResult struct {
	Batches   int `json:"batches"`
	Committed int `json:"committed"`
	Skipped   int `json:"skipped"`
	FailedRow int `json:"failed_row"`
}
