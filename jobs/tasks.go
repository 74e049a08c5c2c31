package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationsExpire releases active reservations past their deadline.
	TaskReservationsExpire = "reservations:expire"
	// TaskAuditVerify walks the audit hash chain.
	TaskAuditVerify = "audit:verify"
	// TaskInventoryReconcile replays the movement log against materialized balances.
	TaskInventoryReconcile = "inventory:reconcile"
)

// ReservationsExpirePayload bounds one sweep.
type ReservationsExpirePayload struct {
	Limit int `json:"limit"`
}

// AuditVerifyPayload bounds a verification run by sequence; zero means open.
type AuditVerifyPayload struct {
	FromSeq int64 `json:"from_seq,omitempty"`
	ToSeq   int64 `json:"to_seq,omitempty"`
}

// InventoryReconcilePayload limits reconciliation to one variant; zero checks all.
type InventoryReconcilePayload struct {
	VariantID int64 `json:"variant_id,omitempty"`
}

// NewReservationsExpireTask constructs the expiry sweep task.
func NewReservationsExpireTask(limit int) (*asynq.Task, error) {
	return newTask(TaskReservationsExpire, ReservationsExpirePayload{Limit: limit}, asynq.Timeout(5*time.Minute))
}

// NewAuditVerifyTask constructs the chain verification task.
func NewAuditVerifyTask(fromSeq, toSeq int64) (*asynq.Task, error) {
	return newTask(TaskAuditVerify, AuditVerifyPayload{FromSeq: fromSeq, ToSeq: toSeq}, asynq.Timeout(30*time.Minute))
}

// NewInventoryReconcileTask constructs the ledger reconciliation task.
func NewInventoryReconcileTask(variantID int64) (*asynq.Task, error) {
	return newTask(TaskInventoryReconcile, InventoryReconcilePayload{VariantID: variantID}, asynq.Timeout(30*time.Minute))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(typ, body, opts...), nil
}
