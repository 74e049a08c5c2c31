package audit

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"seq", "id", "occurred_at", "actor_id", "module", "subject_type", "subject_id", "action", "label", "request_id", "prev_hash", "event_hash"}

// ExportCSV writes every event matching filters as CSV.
func (c *Chain) ExportCSV(ctx context.Context, filters TimelineFilters, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for offset := 0; ; offset += verifyPageSize {
		rows, err := c.repo.Timeline(ctx, filters, offset, verifyPageSize)
		if err != nil {
			return err
		}
		for _, ev := range rows {
			if err := cw.Write([]string{
				strconv.FormatInt(ev.Seq, 10),
				ev.ID.String(),
				ev.OccurredAt.Format(time.RFC3339),
				strconv.FormatInt(ev.ActorID, 10),
				ev.Module,
				ev.SubjectType,
				ev.SubjectID,
				string(ev.Action),
				ev.Label,
				ev.Request.RequestID,
				ev.PrevHash,
				ev.EventHash,
			}); err != nil {
				return err
			}
		}
		if len(rows) < verifyPageSize {
			break
		}
	}
	cw.Flush()
	return cw.Error()
}
