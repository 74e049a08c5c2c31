package reservation

import (
	"errors"
	"time"

	"github.com/mobilia-erp/backoffice/internal/inventory"
)

var (
	// ErrInsufficientAvailability indicates a request above balance minus active pending reservations.
	ErrInsufficientAvailability = errors.New("reservation: insufficient availability")
	// ErrOverConsumption indicates consumed would exceed requested.
	ErrOverConsumption = errors.New("reservation: over consumption")
	// ErrNotActive indicates an operation on a consumed, expired or cancelled reservation.
	ErrNotActive = errors.New("reservation: not active")
	// ErrNotExpired indicates an expiry before the reservation's deadline.
	ErrNotExpired = errors.New("reservation: not yet expired")
	// ErrNotFound indicates an unknown reservation id.
	ErrNotFound = errors.New("reservation: not found")
	// ErrInvalidInput indicates missing or non-positive fields.
	ErrInvalidInput = errors.New("reservation: invalid input")
)

// Status is the reservation lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusConsumed  Status = "consumed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusConsumed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports statuses that never change again.
func (s Status) IsTerminal() bool {
	return s != StatusActive
}

// Reservation is a soft allocation of stock for an order item.
type Reservation struct {
	ID          int64      `json:"id"`
	VariantID   int64      `json:"variant_id"`
	WarehouseID int64      `json:"warehouse_id"`
	OrderID     int64      `json:"order_id"`
	OrderItemID int64      `json:"order_item_id"`
	Requested   int64      `json:"requested"`
	Consumed    int64      `json:"consumed"`
	Status      Status     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedBy   int64      `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Pending is requested minus consumed.
func (r Reservation) Pending() int64 {
	return r.Requested - r.Consumed
}

// ReserveInput describes a reservation request.
type ReserveInput struct {
	VariantID   int64
	WarehouseID int64
	OrderID     int64
	OrderItemID int64
	Quantity    int64
	ExpiresAt   *time.Time
	Reason      string
	ActorID     int64
}

// ConsumeInput describes a consumption. Kind defaults to SAIDA and must be an outflow kind.
type ConsumeInput struct {
	ReservationID int64
	Quantity      int64
	Kind          inventory.MovementKind
	ActorID       int64
	OccurredAt    time.Time
	Note          string
}
