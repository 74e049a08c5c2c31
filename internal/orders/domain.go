package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition indicates a status that is not an allowed successor.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrInvalidOrder indicates malformed order input.
	ErrInvalidOrder = errors.New("orders: invalid order")
	// ErrNotFound indicates an unknown order.
	ErrNotFound = errors.New("orders: not found")
	// ErrOverDelivery indicates a factory delivery above the ordered quantity.
	ErrOverDelivery = errors.New("orders: delivery exceeds ordered quantity")
	// ErrFactoryOrderNotFound indicates an unknown factory order or item.
	ErrFactoryOrderNotFound = errors.New("orders: factory order not found")
)

// Type selects the canonical flow of an order.
type Type string

const (
	TypeStandard    Type = "standard"
	TypeStock       Type = "stock"
	TypeConsignment Type = "consignment"
)

// DeriveType picks the order type from its flags; consignment wins over stock.
func DeriveType(fulfilledFromStock, consignment bool) Type {
	switch {
	case consignment:
		return TypeConsignment
	case fulfilledFromStock:
		return TypeStock
	default:
		return TypeStandard
	}
}

// Status is one step of an order's lifecycle.
type Status string

const (
	StatusCreated                     Status = "created"
	StatusSentToFactory               Status = "sent_to_factory"
	StatusInvoiceIssued               Status = "invoice_issued"
	StatusFactoryShipmentForecast     Status = "factory_shipment_forecast"
	StatusFactoryShipment             Status = "factory_shipment"
	StatusInvoiceReceivedAtPurchasing Status = "invoice_received_at_purchasing"
	StatusWarehouseDeliveryForecast   Status = "warehouse_delivery_forecast"
	StatusWarehouseDelivery           Status = "warehouse_delivery"
	StatusCustomerShipmentForecast    Status = "customer_shipment_forecast"
	StatusCustomerShipment            Status = "customer_shipment"
	StatusCustomerDelivery            Status = "customer_delivery"
	StatusConsigned                   Status = "consigned"
	StatusConsignmentReturn           Status = "consignment_return"
	StatusFinalized                   Status = "finalized"
	StatusCancelled                   Status = "cancelado"
)

// Canonical maps accepted aliases to the stored status value.
func (s Status) Canonical() Status {
	if s == "cancelled" || s == "canceled" {
		return StatusCancelled
	}
	return s
}

// Label returns the display label.
func (s Status) Label() string {
	switch s {
	case StatusCreated:
		return "Pedido criado"
	case StatusSentToFactory:
		return "Enviado para a fábrica"
	case StatusInvoiceIssued:
		return "Nota fiscal emitida"
	case StatusFactoryShipmentForecast:
		return "Previsão de embarque da fábrica"
	case StatusFactoryShipment:
		return "Embarque da fábrica"
	case StatusInvoiceReceivedAtPurchasing:
		return "Nota recebida no compras"
	case StatusWarehouseDeliveryForecast:
		return "Previsão de entrega no depósito"
	case StatusWarehouseDelivery:
		return "Entregue no depósito"
	case StatusCustomerShipmentForecast:
		return "Previsão de envio ao cliente"
	case StatusCustomerShipment:
		return "Enviado ao cliente"
	case StatusCustomerDelivery:
		return "Entregue ao cliente"
	case StatusConsigned:
		return "Consignado"
	case StatusConsignmentReturn:
		return "Devolução de consignação"
	case StatusFinalized:
		return "Finalizado"
	case StatusCancelled:
		return "Cancelado"
	default:
		return string(s)
	}
}

// IsTerminal reports statuses after which nothing may be appended.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinalized, StatusConsignmentReturn, StatusCancelled:
		return true
	default:
		return false
	}
}

// flows lists each type's steps with their allowed successors.
var flows = map[Type]map[Status][]Status{
	TypeStandard: {
		StatusCreated:                     {StatusSentToFactory},
		StatusSentToFactory:               {StatusInvoiceIssued},
		StatusInvoiceIssued:               {StatusFactoryShipmentForecast},
		StatusFactoryShipmentForecast:     {StatusFactoryShipment},
		StatusFactoryShipment:             {StatusInvoiceReceivedAtPurchasing},
		StatusInvoiceReceivedAtPurchasing: {StatusWarehouseDeliveryForecast},
		StatusWarehouseDeliveryForecast:   {StatusWarehouseDelivery},
		StatusWarehouseDelivery:           {StatusCustomerShipmentForecast},
		StatusCustomerShipmentForecast:    {StatusCustomerShipment},
		StatusCustomerShipment:            {StatusCustomerDelivery},
		StatusCustomerDelivery:            {StatusFinalized},
	},
	TypeStock: {
		StatusCreated:                  {StatusWarehouseDelivery},
		StatusWarehouseDelivery:        {StatusCustomerShipmentForecast},
		StatusCustomerShipmentForecast: {StatusCustomerShipment},
		StatusCustomerShipment:         {StatusCustomerDelivery},
		StatusCustomerDelivery:         {StatusFinalized},
	},
	TypeConsignment: {
		StatusCreated:                  {StatusWarehouseDelivery},
		StatusWarehouseDelivery:        {StatusCustomerShipmentForecast},
		StatusCustomerShipmentForecast: {StatusCustomerShipment},
		StatusCustomerShipment:         {StatusConsigned},
		StatusConsigned:                {StatusConsignmentReturn, StatusFinalized},
	},
}

// NextStatuses lists what may follow from in an order of type t, cancellation included.
func NextStatuses(t Type, from Status) []Status {
	if from.IsTerminal() {
		return nil
	}
	next := append([]Status(nil), flows[t][from]...)
	return append(next, StatusCancelled)
}

// CanTransition reports whether to may follow from.
func CanTransition(t Type, from, to Status) bool {
	for _, s := range NextStatuses(t, from) {
		if s == to {
			return true
		}
	}
	return false
}

// Flow returns the canonical steps of a type in order, branches flattened.
func Flow(t Type) []Status {
	steps := []Status{StatusCreated}
	seen := map[Status]bool{StatusCreated: true}
	for i := 0; i < len(steps); i++ {
		for _, next := range flows[t][steps[i]] {
			if !seen[next] {
				seen[next] = true
				steps = append(steps, next)
			}
		}
	}
	return steps
}

// TransitionError reports a rejected status with the statuses that would be accepted.
type TransitionError struct {
	OrderID int64
	From    Status
	To      Status
	Allowed []Status
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s: order %d cannot go from %s to %s (allowed: %s)",
		ErrInvalidTransition, e.OrderID, e.From, e.To, strings.Join(allowed, ", "))
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Order is a sales order.
type Order struct {
	ID                 int64           `json:"id"`
	CustomerID         int64           `json:"customer_id"`
	SalespersonID      int64           `json:"salesperson_id"`
	PartnerID          int64           `json:"partner_id,omitempty"`
	FulfilledFromStock bool            `json:"fulfilled_from_stock"`
	Consignment        bool            `json:"consignment"`
	Type               Type            `json:"type"`
	OrderDate          time.Time       `json:"order_date"`
	LeadTimeDays       int             `json:"lead_time_days"`
	DueDate            time.Time       `json:"due_date"`
	Total              decimal.Decimal `json:"total"`
	Note               string          `json:"note,omitempty"`
	Items              []Item          `json:"items"`
	CreatedBy          int64           `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Item is one order line.
type Item struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	VariantID   int64           `json:"variant_id"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	WarehouseID int64           `json:"warehouse_id,omitempty"`
}

// Subtotal is quantity times unit price.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// StatusEvent is one append-only entry of an order's history.
type StatusEvent struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"order_id"`
	Status     Status    `json:"status"`
	Label      string    `json:"label"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    int64     `json:"actor_id"`
	Note       string    `json:"note,omitempty"`
}

// ItemInput describes an order line to create.
type ItemInput struct {
	VariantID   int64
	Quantity    int64
	UnitPrice   decimal.Decimal
	WarehouseID int64
}

// CreateOrderInput describes a new order. Zero LeadTimeDays uses the configured default.
type CreateOrderInput struct {
	CustomerID         int64
	SalespersonID      int64
	PartnerID          int64
	FulfilledFromStock bool
	Consignment        bool
	OrderDate          time.Time
	LeadTimeDays       int
	Items              []ItemInput
	Note               string
	ActorID            int64
}

// AppendStatusInput describes a status change.
type AppendStatusInput struct {
	OrderID    int64
	Status     Status
	OccurredAt time.Time
	ActorID    int64
	Note       string
}

// Situation is the read-time delivery situation.
type Situation string

const (
	SituationDelivered Situation = "Entregue"
	SituationLate      Situation = "Atrasado"
	SituationOnTime    Situation = "No prazo"
)

// DeliverySituation is the delivery situation of an order as of a day.
type DeliverySituation struct {
	OrderID     int64      `json:"order_id"`
	Situation   Situation  `json:"situacao_entrega"`
	DueDate     time.Time  `json:"data_limite_entrega"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	DaysLate    int        `json:"dias_atraso"`
}
