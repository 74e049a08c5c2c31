package memory

import (
	"context"
	"encoding/json"

	"github.com/mobilia-erp/backoffice/internal/audit"
)

// AuditRepo implements audit.Repository.
type AuditRepo struct {
	s *Store
}

// LockChain implements audit.Repository. The unit already holds the writer lock.
func (r *AuditRepo) LockChain(ctx context.Context) error {
	return r.s.locked(ctx)
}

// Head implements audit.Repository.
func (r *AuditRepo) Head(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	r.s.read(ctx, func() {
		if n := len(r.s.auditEvents); n > 0 {
			seq, hash = r.s.auditEvents[n-1].Seq, r.s.auditEvents[n-1].EventHash
		}
	})
	return seq, hash, nil
}

// Insert implements audit.Repository.
func (r *AuditRepo) Insert(ctx context.Context, ev *audit.Event) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	n := len(r.s.auditEvents)
	ev.Seq = int64(n + 1)
	stored := cloneEvent(*ev)
	return r.s.write(ctx, func() {
		r.s.auditEvents = append(r.s.auditEvents, stored)
	}, func() {
		r.s.auditEvents = r.s.auditEvents[:n]
	})
}

// Before implements audit.Repository.
func (r *AuditRepo) Before(ctx context.Context, seq int64) (audit.Event, error) {
	var ev audit.Event
	found := false
	r.s.read(ctx, func() {
		for i := len(r.s.auditEvents) - 1; i >= 0; i-- {
			if r.s.auditEvents[i].Seq < seq {
				ev, found = cloneEvent(r.s.auditEvents[i]), true
				return
			}
		}
	})
	if !found {
		return audit.Event{}, audit.ErrEventNotFound
	}
	return ev, nil
}

// Range implements audit.Repository.
func (r *AuditRepo) Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]audit.Event, error) {
	out := []audit.Event{}
	r.s.read(ctx, func() {
		for _, ev := range r.s.auditEvents {
			if ev.Seq < fromSeq || (toSeq != 0 && ev.Seq > toSeq) {
				continue
			}
			out = append(out, cloneEvent(ev))
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

// Timeline implements audit.Repository.
func (r *AuditRepo) Timeline(ctx context.Context, f audit.TimelineFilters, offset, limit int) ([]audit.Event, error) {
	out := []audit.Event{}
	skipped := 0
	r.s.read(ctx, func() {
		for _, ev := range r.s.auditEvents {
			if !matches(ev, f) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, cloneEvent(ev))
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

func matches(ev audit.Event, f audit.TimelineFilters) bool {
	switch {
	case !f.From.IsZero() && ev.OccurredAt.Before(f.From):
		return false
	case !f.To.IsZero() && ev.OccurredAt.After(f.To):
		return false
	case f.ActorID != 0 && ev.ActorID != f.ActorID:
		return false
	case f.SubjectType != "" && ev.SubjectType != f.SubjectType:
		return false
	case f.SubjectID != "" && ev.SubjectID != f.SubjectID:
		return false
	case f.Module != "" && ev.Module != f.Module:
		return false
	case f.Action != "" && ev.Action != f.Action:
		return false
	}
	return true
}

func cloneEvent(ev audit.Event) audit.Event {
	ev.Diff = append(json.RawMessage(nil), ev.Diff...)
	ev.Changes = append([]audit.Change(nil), ev.Changes...)
	return ev
}
