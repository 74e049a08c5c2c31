package consignment

import (
	"errors"
	"time"
)

var (
	// ErrReturnExceedsSent indicates returns summing above the quantity sent.
	ErrReturnExceedsSent = errors.New("consignment: return exceeds quantity sent")
	// ErrClosed indicates an action on a purchased or fully returned consignment.
	ErrClosed = errors.New("consignment: closed")
	// ErrNotFound indicates an unknown consignment id.
	ErrNotFound = errors.New("consignment: not found")
	// ErrInvalidInput indicates missing or non-positive fields.
	ErrInvalidInput = errors.New("consignment: invalid input")
)

// Status is the stored consignment status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusReturned  Status = "returned"
	StatusPurchased Status = "purchased"
)

// Label returns the display label.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Aguardando retorno"
	case StatusPartial:
		return "Devolvido parcialmente"
	case StatusReturned:
		return "Devolvido"
	case StatusPurchased:
		return "Comprado"
	default:
		return string(s)
	}
}

// DeriveStatus computes the status from quantities and the purchase flag.
// Elapsed time never changes the result.
func DeriveStatus(sent, returned int64, purchasedAt *time.Time) Status {
	switch {
	case returned >= sent && sent > 0:
		return StatusReturned
	case returned > 0:
		return StatusPartial
	case purchasedAt != nil:
		return StatusPurchased
	default:
		return StatusPending
	}
}

// Consignment is stock sent to a customer on trial.
type Consignment struct {
	ID               int64      `json:"id"`
	OrderID          int64      `json:"order_id"`
	OrderItemID      int64      `json:"order_item_id,omitempty"`
	VariantID        int64      `json:"variant_id"`
	WarehouseID      int64      `json:"warehouse_id"`
	Quantity         int64      `json:"quantity"`
	Returned         int64      `json:"returned"`
	SentAt           time.Time  `json:"sent_at"`
	ResponseDeadline time.Time  `json:"response_deadline"`
	Status           Status     `json:"status"`
	PurchasedAt      *time.Time `json:"purchased_at,omitempty"`
	CreatedBy        int64      `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Outstanding is the quantity still with the customer.
func (c Consignment) Outstanding() int64 {
	return c.Quantity - c.Returned
}

// Return is one return of consigned goods.
type Return struct {
	ID            int64     `json:"id"`
	ConsignmentID int64     `json:"consignment_id"`
	Quantity      int64     `json:"quantity"`
	ReturnedAt    time.Time `json:"returned_at"`
	ActorID       int64     `json:"actor_id"`
	MovementID    int64     `json:"movement_id"`
	Note          string    `json:"note,omitempty"`
}

// SendInput describes a shipment on consignment. A zero Deadline is projected
// from SentAt with the configured response business days.
type SendInput struct {
	OrderID     int64
	OrderItemID int64
	VariantID   int64
	WarehouseID int64
	Quantity    int64
	SentAt      time.Time
	Deadline    time.Time
	ActorID     int64
	Note        string
}

// ReturnInput describes a return.
type ReturnInput struct {
	ConsignmentID int64
	Quantity      int64
	ReturnedAt    time.Time
	ActorID       int64
	Note          string
}

// View is the read model with the time-based overdue derivation.
type View struct {
	Consignment
	StatusLabel string   `json:"status_label"`
	Outstanding int64    `json:"outstanding"`
	Returns     []Return `json:"returns"`
	Overdue     bool     `json:"overdue"`
	DaysOverdue int      `json:"days_overdue"`
}
