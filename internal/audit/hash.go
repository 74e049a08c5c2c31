package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mobilia-erp/backoffice/internal/shared"
)

type canonicalEvent struct {
	ID          string             `json:"id"`
	ActorID     int64              `json:"actor_id"`
	SubjectType string             `json:"subject_type"`
	SubjectID   string             `json:"subject_id"`
	Module      string             `json:"module"`
	Action      Action             `json:"action"`
	Label       string             `json:"label"`
	Request     shared.RequestMeta `json:"request"`
	Diff        json.RawMessage    `json:"diff"`
	Changes     []Change           `json:"changes"`
	OccurredAt  string             `json:"occurred_at"`
}

// ComputeHash returns hex(sha256(canonical_json(event) || prevHash)). Seq and
// the stored hashes are not part of the payload.
func ComputeHash(ev Event, prevHash string) (string, error) {
	diff, err := canonicalJSON(ev.Diff)
	if err != nil {
		return "", err
	}
	changes := ev.Changes
	if changes == nil {
		changes = []Change{}
	}
	payload, err := json.Marshal(canonicalEvent{
		ID:          ev.ID.String(),
		ActorID:     ev.ActorID,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Module:      ev.Module,
		Action:      ev.Action,
		Label:       ev.Label,
		Request:     ev.Request,
		Diff:        diff,
		Changes:     changes,
		OccurredAt:  ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write(payload)
	sum.Write([]byte(prevHash))
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// canonicalJSON re-encodes raw so that storage formatting (jsonb key order,
// whitespace) does not change the hash. Numbers keep their literal text.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeTime keeps the precision PostgreSQL stores so hashes survive a round trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
