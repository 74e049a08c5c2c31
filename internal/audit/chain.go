package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

const verifyPageSize = 500

// Repository persists the chain. LockChain, Head and Insert run inside a unit of work.
type Repository interface {
	LockChain(ctx context.Context) error
	Head(ctx context.Context) (seq int64, hash string, err error)
	Insert(ctx context.Context, ev *Event) error
	Before(ctx context.Context, seq int64) (Event, error)
	Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]Event, error)
	Timeline(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Event, error)
}

// Chain appends and verifies the global hash-linked audit log.
type Chain struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewChain constructs Chain.
func NewChain(repo Repository, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{repo: repo, logger: logger, now: time.Now}
}

type journalKey struct{}

type journal struct {
	events []Event
}

// Append stages an event in the caller's unit of work. Hashes are computed and
// rows written right before commit, under the chain lock, so the chain order is
// the commit order and a rolled back mutation leaves no event behind.
func (c *Chain) Append(ctx context.Context, entry Entry) (uuid.UUID, error) {
	unit := db.UnitFrom(ctx)
	if unit == nil {
		return uuid.Nil, fmt.Errorf("audit: append: %w", db.ErrNoUnit)
	}
	if entry.SubjectType == "" || entry.SubjectID == "" || entry.Module == "" || !entry.Action.IsValid() {
		return uuid.Nil, ErrInvalidEntry
	}
	diff := entry.Diff
	if diff == nil {
		diff = map[string]any{}
	}
	rawDiff, err := json.Marshal(diff)
	if err != nil {
		return uuid.Nil, fmt.Errorf("audit: marshal diff: %w", err)
	}
	at := entry.OccurredAt
	if at.IsZero() {
		at = c.now()
	}
	ev := Event{
		ID:          uuid.New(),
		ActorID:     entry.ActorID,
		SubjectType: entry.SubjectType,
		SubjectID:   entry.SubjectID,
		Module:      entry.Module,
		Action:      entry.Action,
		Label:       entry.Label,
		Request:     shared.RequestMetaFromContext(ctx),
		Diff:        rawDiff,
		Changes:     entry.Changes,
		OccurredAt:  normalizeTime(at),
	}

	j, _ := unit.Value(journalKey{}).(*journal)
	if j == nil {
		j = &journal{}
		unit.SetValue(journalKey{}, j)
		if err := db.BeforeCommit(ctx, func(ctx context.Context) error {
			return c.flush(ctx, j)
		}); err != nil {
			return uuid.Nil, err
		}
	}
	j.events = append(j.events, ev)
	return ev.ID, nil
}

func (c *Chain) flush(ctx context.Context, j *journal) error {
	if len(j.events) == 0 {
		return nil
	}
	if err := c.repo.LockChain(ctx); err != nil {
		return fmt.Errorf("audit: lock chain: %w", err)
	}
	_, prev, err := c.repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("audit: read head: %w", err)
	}
	for i := range j.events {
		ev := &j.events[i]
		ev.PrevHash = prev
		hash, err := ComputeHash(*ev, prev)
		if err != nil {
			return fmt.Errorf("audit: hash event: %w", err)
		}
		ev.EventHash = hash
		if err := c.repo.Insert(ctx, ev); err != nil {
			return fmt.Errorf("audit: insert event: %w", err)
		}
		prev = hash
	}
	j.events = nil
	return nil
}

// VerifyChain recomputes hashes and linkage for the range. On the first broken
// link it returns the verification and a *ChainIntegrityError.
func (c *Chain) VerifyChain(ctx context.Context, r VerifyRange) (Verification, error) {
	result := Verification{Valid: true}
	prev := ""
	if r.FromSeq > 1 {
		before, err := c.repo.Before(ctx, r.FromSeq)
		switch {
		case err == nil:
			prev = before.EventHash
		case !errors.Is(err, ErrEventNotFound):
			return Verification{}, fmt.Errorf("audit: load predecessor: %w", err)
		}
	}
	cursor := r.FromSeq
	for {
		events, err := c.repo.Range(ctx, cursor, r.ToSeq, verifyPageSize)
		if err != nil {
			return Verification{}, fmt.Errorf("audit: load range: %w", err)
		}
		for _, ev := range events {
			reason := ""
			if ev.PrevHash != prev {
				reason = "prev_hash does not match predecessor"
			} else if hash, err := ComputeHash(ev, ev.PrevHash); err != nil {
				reason = "payload not hashable: " + err.Error()
			} else if hash != ev.EventHash {
				reason = "event_hash mismatch"
			}
			if reason != "" {
				result.Valid = false
				result.BrokenAtSeq = ev.Seq
				result.BrokenAtID = ev.ID
				result.Reason = reason
				c.logger.Error("audit chain integrity violated",
					slog.Int64("seq", ev.Seq), slog.String("event_id", ev.ID.String()), slog.String("reason", reason))
				return result, &ChainIntegrityError{Seq: ev.Seq, ID: ev.ID, Reason: reason}
			}
			prev = ev.EventHash
			result.Checked++
			cursor = ev.Seq + 1
		}
		if len(events) < verifyPageSize {
			return result, nil
		}
	}
}

// Timeline pages through events in sequence order.
func (c *Chain) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if c.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := c.repo.Timeline(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Subject returns the full event stream of one subject, oldest first.
func (c *Chain) Subject(ctx context.Context, subjectType, subjectID string) ([]Event, error) {
	var out []Event
	filters := TimelineFilters{SubjectType: subjectType, SubjectID: subjectID}
	for offset := 0; ; offset += verifyPageSize {
		rows, err := c.repo.Timeline(ctx, filters, offset, verifyPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(rows) < verifyPageSize {
			return out, nil
		}
	}
}
