package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// chainLockKey is the pg_advisory_xact_lock key serializing chain appends.
const chainLockKey int64 = 7_301_001

// PgRepository stores audit events in PostgreSQL.
type PgRepository struct {
	db *db.TxManager
}

// NewRepository constructs PgRepository.
func NewRepository(txm *db.TxManager) *PgRepository {
	return &PgRepository{db: txm}
}

// LockChain takes the transaction-scoped chain lock.
func (r *PgRepository) LockChain(ctx context.Context) error {
	tx, err := db.Tx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey)
	return err
}

// Head returns the last sequence and hash, or zero values for an empty chain.
func (r *PgRepository) Head(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT seq, event_hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	return seq, hash, err
}

// Insert writes the event and its changes, assigning Seq.
func (r *PgRepository) Insert(ctx context.Context, ev *Event) error {
	conn := r.db.Conn(ctx)
	err := conn.QueryRow(ctx, `INSERT INTO audit_events (id, actor_id, subject_type, subject_id, module, action, label,
request_id, method, route, remote_ip, diff, occurred_at, prev_hash, event_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING seq`,
		ev.ID, ev.ActorID, ev.SubjectType, ev.SubjectID, ev.Module, string(ev.Action), ev.Label,
		ev.Request.RequestID, ev.Request.Method, ev.Request.Route, ev.Request.RemoteIP,
		[]byte(ev.Diff), ev.OccurredAt, ev.PrevHash, ev.EventHash).Scan(&ev.Seq)
	if err != nil {
		return err
	}
	for i, ch := range ev.Changes {
		if _, err := conn.Exec(ctx, `INSERT INTO audit_changes (event_id, position, field, old_value, new_value, value_type)
VALUES ($1,$2,$3,$4,$5,$6)`, ev.ID, i, ch.Field, ch.OldValue, ch.NewValue, ch.ValueType); err != nil {
			return err
		}
	}
	return nil
}

// Before returns the latest event with a sequence lower than seq.
func (r *PgRepository) Before(ctx context.Context, seq int64) (Event, error) {
	events, err := r.query(ctx, `WHERE seq < $1 ORDER BY seq DESC LIMIT 1`, seq)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, ErrEventNotFound
	}
	return events[0], nil
}

// Range lists events with fromSeq <= seq <= toSeq in order; zero bounds are open.
func (r *PgRepository) Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]Event, error) {
	return r.query(ctx, `WHERE seq >= $1 AND ($2::bigint = 0 OR seq <= $2) ORDER BY seq ASC LIMIT $3`, fromSeq, toSeq, limit)
}

// Timeline lists events matching filters ordered by sequence.
func (r *PgRepository) Timeline(ctx context.Context, f TimelineFilters, offset, limit int) ([]Event, error) {
	var where []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	if f.ActorID != 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if f.SubjectType != "" {
		add("subject_type = $%d", f.SubjectType)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Module != "" {
		add("module = $%d", f.Module)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	clause += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.query(ctx, clause, args...)
}

func (r *PgRepository) query(ctx context.Context, clause string, args ...any) ([]Event, error) {
	conn := r.db.Conn(ctx)
	rows, err := conn.Query(ctx, `SELECT id, seq, actor_id, subject_type, subject_id, module, action, label,
request_id, method, route, remote_ip, diff, occurred_at, prev_hash, event_hash
FROM audit_events `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []Event{}
	for rows.Next() {
		var ev Event
		var action string
		var diff []byte
		var at time.Time
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.ActorID, &ev.SubjectType, &ev.SubjectID, &ev.Module, &action, &ev.Label,
			&ev.Request.RequestID, &ev.Request.Method, &ev.Request.Route, &ev.Request.RemoteIP,
			&diff, &at, &ev.PrevHash, &ev.EventHash); err != nil {
			return nil, err
		}
		ev.Action = Action(action)
		ev.Diff = diff
		ev.OccurredAt = at.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range events {
		changes, err := r.changes(ctx, conn, events[i].ID.String())
		if err != nil {
			return nil, err
		}
		events[i].Changes = changes
	}
	return events, nil
}

func (r *PgRepository) changes(ctx context.Context, conn db.Executor, eventID string) ([]Change, error) {
	rows, err := conn.Query(ctx, `SELECT field, old_value, new_value, value_type FROM audit_changes WHERE event_id=$1 ORDER BY position`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		var ch Change
		if err := rows.Scan(&ch.Field, &ch.OldValue, &ch.NewValue, &ch.ValueType); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
