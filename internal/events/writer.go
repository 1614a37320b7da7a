package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dealflow/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one audit event inside tx. Replays of an event already on
// the trail are dropped by the (deal_id, event_type, timestamp, source)
// identity, so callers may write the full in-memory trail on every save.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, dealID string, ev domain.DealEvent) error {
	md := ev.Metadata
	if md == nil {
		md = map[string]any{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = w.now()
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO deal_events(deal_id,event_type,timestamp,source,old_state,new_state,metadata_json,success,reason)
VALUES (?,?,?,?,?,?,?,?,?)`,
		dealID, ev.EventType, ts.Format(time.RFC3339), ev.Source, ev.OldState, ev.NewState, string(data), ev.Success, nullable(ev.Reason))
	return err
}

// AppendAll writes every event on the trail, relying on the dedup identity
// to keep previously stored ones untouched.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, dealID string, evs []domain.DealEvent) error {
	for _, ev := range evs {
		if err := w.Append(ctx, tx, dealID, ev); err != nil {
			return err
		}
	}
	return nil
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
