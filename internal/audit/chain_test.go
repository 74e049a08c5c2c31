package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

type fakeRepo struct {
	events []Event
	locks  int
}

func (f *fakeRepo) LockChain(ctx context.Context) error {
	if db.UnitFrom(ctx) == nil {
		return db.ErrNoUnit
	}
	f.locks++
	return nil
}

func (f *fakeRepo) Head(context.Context) (int64, string, error) {
	if len(f.events) == 0 {
		return 0, "", nil
	}
	last := f.events[len(f.events)-1]
	return last.Seq, last.EventHash, nil
}

func (f *fakeRepo) Insert(_ context.Context, ev *Event) error {
	ev.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeRepo) Before(_ context.Context, seq int64) (Event, error) {
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Seq < seq {
			return f.events[i], nil
		}
	}
	return Event{}, ErrEventNotFound
}

func (f *fakeRepo) Range(_ context.Context, fromSeq, toSeq int64, limit int) ([]Event, error) {
	var out []Event
	for _, ev := range f.events {
		if ev.Seq >= fromSeq && (toSeq == 0 || ev.Seq <= toSeq) && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRepo) Timeline(_ context.Context, filters TimelineFilters, offset, limit int) ([]Event, error) {
	var out []Event
	for _, ev := range f.events {
		if filters.SubjectType != "" && ev.SubjectType != filters.SubjectType {
			continue
		}
		if filters.SubjectID != "" && ev.SubjectID != filters.SubjectID {
			continue
		}
		out = append(out, ev)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inUnit runs fn like a transactor would: body first, then before-commit hooks.
func inUnit(ctx context.Context, fn func(context.Context) error) error {
	unit := &db.Unit{}
	ctx = db.WithUnit(ctx, unit)
	if err := fn(ctx); err != nil {
		return err
	}
	return unit.RunHooks(ctx)
}

func entry(subjectID string) Entry {
	return Entry{
		ActorID:     42,
		SubjectType: "order",
		SubjectID:   subjectID,
		Module:      "orders",
		Action:      ActionStatusChange,
		Label:       "Em produção",
		Diff:        map[string]any{"from": "created", "to": "in_production"},
		Changes:     []Change{{Field: "status", OldValue: "created", NewValue: "in_production", ValueType: "string"}},
	}
}

func TestAppendRequiresUnit(t *testing.T) {
	chain := NewChain(&fakeRepo{}, nil)
	_, err := chain.Append(context.Background(), entry("1"))
	require.ErrorIs(t, err, db.ErrNoUnit)
}

func TestAppendRejectsIncompleteEntry(t *testing.T) {
	chain := NewChain(&fakeRepo{}, nil)
	err := inUnit(context.Background(), func(ctx context.Context) error {
		_, err := chain.Append(ctx, Entry{SubjectType: "order", Module: "orders", Action: ActionCreate})
		return err
	})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestAppendLinksEventsAtCommit(t *testing.T) {
	repo := &fakeRepo{}
	chain := NewChain(repo, nil)
	ctx := shared.ContextWithRequestMeta(context.Background(), shared.RequestMeta{RequestID: "req-1", Method: "POST", Route: "/orders/{id}/status"})

	err := inUnit(ctx, func(ctx context.Context) error {
		for _, id := range []string{"1", "2", "3"} {
			if _, err := chain.Append(ctx, entry(id)); err != nil {
				return err
			}
		}
		assert.Empty(t, repo.events, "events are staged until commit")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, repo.events, 3)
	assert.Equal(t, 1, repo.locks, "one chain lock per unit")
	assert.Empty(t, repo.events[0].PrevHash)
	assert.Equal(t, repo.events[0].EventHash, repo.events[1].PrevHash)
	assert.Equal(t, repo.events[1].EventHash, repo.events[2].PrevHash)
	assert.Equal(t, "req-1", repo.events[2].Request.RequestID)

	result, err := chain.VerifyChain(context.Background(), VerifyRange{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Checked)
}

func TestRolledBackUnitLeavesNoEvent(t *testing.T) {
	repo := &fakeRepo{}
	chain := NewChain(repo, nil)
	err := inUnit(context.Background(), func(ctx context.Context) error {
		if _, err := chain.Append(ctx, entry("1")); err != nil {
			return err
		}
		return errors.New("mutation failed")
	})
	require.Error(t, err)
	assert.Empty(t, repo.events)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	repo := &fakeRepo{}
	chain := NewChain(repo, nil)
	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, inUnit(context.Background(), func(ctx context.Context) error {
			_, err := chain.Append(ctx, entry(id))
			return err
		}))
	}

	t.Run("edited payload", func(t *testing.T) {
		saved := repo.events[2]
		defer func() { repo.events[2] = saved }()
		repo.events[2].Diff = json.RawMessage(`{"from":"created","to":"finalized"}`)

		result, err := chain.VerifyChain(context.Background(), VerifyRange{})
		require.ErrorIs(t, err, ErrChainIntegrity)
		var cerr *ChainIntegrityError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, int64(3), cerr.Seq)
		assert.Equal(t, saved.ID, result.BrokenAtID)
		assert.False(t, result.Valid)
		assert.Equal(t, "event_hash mismatch", result.Reason)
	})

	t.Run("overwritten hash", func(t *testing.T) {
		saved := repo.events[1]
		defer func() { repo.events[1] = saved }()
		repo.events[1].EventHash = "deadbeef"

		result, err := chain.VerifyChain(context.Background(), VerifyRange{})
		require.ErrorIs(t, err, ErrChainIntegrity)
		assert.Equal(t, int64(2), result.BrokenAtSeq)
		assert.Equal(t, saved.ID, result.BrokenAtID)
	})

	t.Run("partial range uses predecessor", func(t *testing.T) {
		result, err := chain.VerifyChain(context.Background(), VerifyRange{FromSeq: 3, ToSeq: 4})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Checked)
	})
}

func TestComputeHashIgnoresStorageFormatting(t *testing.T) {
	ev := Event{
		SubjectType: "stock_movement",
		SubjectID:   "1",
		Module:      "inventory",
		Action:      ActionCreate,
		Diff:        json.RawMessage(`{"quantity": 10, "kind": "ENTRADA"}`),
		OccurredAt:  time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC),
	}
	a, err := ComputeHash(ev, "prev")
	require.NoError(t, err)
	ev.Diff = json.RawMessage(`{"kind":"ENTRADA","quantity":10}`)
	b, err := ComputeHash(ev, "prev")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ComputeHash(ev, "other")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTimelinePaging(t *testing.T) {
	repo := &fakeRepo{}
	chain := NewChain(repo, nil)
	require.NoError(t, inUnit(context.Background(), func(ctx context.Context) error {
		for i := 0; i < 5; i++ {
			if _, err := chain.Append(ctx, entry("9")); err != nil {
				return err
			}
		}
		return nil
	}))
	result, err := chain.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, int64(3), result.Rows[0].Seq)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, 3, result.Paging.NextPage)

	events, err := chain.Subject(context.Background(), "order", "9")
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
