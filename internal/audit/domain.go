package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mobilia-erp/backoffice/internal/shared"
)

// Action classifies an audit event.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionStatusChange Action = "STATUS_CHANGE"
	ActionCancel       Action = "CANCEL"
	ActionReversal     Action = "REVERSAL"
)

// IsValid checks if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionStatusChange, ActionCancel, ActionReversal:
		return true
	default:
		return false
	}
}

var (
	// ErrChainIntegrity is matched by *ChainIntegrityError. Only VerifyChain returns it.
	ErrChainIntegrity = errors.New("audit: chain integrity violated")
	// ErrEventNotFound indicates a missing event.
	ErrEventNotFound = errors.New("audit: event not found")
	// ErrInvalidEntry indicates an entry missing subject, module or action.
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// Change is one field-level difference recorded with an event.
type Change struct {
	Field     string `json:"field"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	ValueType string `json:"value_type"`
}

// Entry is what a component asks the chain to record.
type Entry struct {
	ActorID     int64
	SubjectType string
	SubjectID   string
	Module      string
	Action      Action
	Label       string
	Diff        map[string]any
	Changes     []Change
	OccurredAt  time.Time
}

// Event is a persisted, hash-linked audit record.
type Event struct {
	ID          uuid.UUID          `json:"id"`
	Seq         int64              `json:"seq"`
	ActorID     int64              `json:"actor_id"`
	SubjectType string             `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	Module      string             `json:"module"`
	Action      Action             `json:"action"`
	Label       string             `json:"label"`
	Request     shared.RequestMeta `json:"request"`
	Diff        json.RawMessage    `json:"diff"`
	Changes     []Change           `json:"changes"`
	OccurredAt  time.Time          `json:"occurred_at"`
	PrevHash    string             `json:"prev_hash"`
	EventHash   string             `json:"event_hash"`
}

// TimelineFilters narrows the event stream.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	ActorID     int64
	SubjectType string
	SubjectID   string
	Module      string
	Action      Action
	Page        int
	PageSize    int
}

// PagingInfo describes the page returned with a timeline.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []Event    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// VerifyRange bounds a verification run by sequence number; zero means open.
type VerifyRange struct {
	FromSeq int64
	ToSeq   int64
}

// Verification reports the outcome of VerifyChain.
type Verification struct {
	Valid       bool      `json:"valid"`
	Checked     int       `json:"checked"`
	BrokenAtSeq int64     `json:"broken_at_seq,omitempty"`
	BrokenAtID  uuid.UUID `json:"broken_at_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// ChainIntegrityError pinpoints the first event that fails verification.
type ChainIntegrityError struct {
	Seq    int64
	ID     uuid.UUID
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit: chain broken at seq %d (%s): %s", e.Seq, e.ID, e.Reason)
}

// Is matches ErrChainIntegrity.
func (e *ChainIntegrityError) Is(target error) bool {
	return target == ErrChainIntegrity
}
