package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const dealColumns = `deal_id,status,canonical_json,current_version,solicitor_email,solicitor_appointment,sla_deadline,vendor_email,created_at,updated_at`

// GetDeal loads a deal with its contract revisions and full audit trail.
// A stored status outside the state vocabulary is a hard error, never a
// silent default.
func (r Repo) GetDeal(ctx context.Context, dealID string) (*domain.Deal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE deal_id=?`, dealID)
	var d domain.Deal
	var status, canonical, createdAt, updatedAt string
	var solicitorEmail, appointment, deadline, vendorEmail sql.NullString
	err := row.Scan(&d.DealID, &status, &canonical, &d.CurrentVersion, &solicitorEmail, &appointment, &deadline, &vendorEmail, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fillDeal(&d, status, canonical, solicitorEmail, appointment, deadline, vendorEmail, createdAt, updatedAt); err != nil {
		return nil, err
	}
	if err := r.loadContracts(ctx, &d); err != nil {
		return nil, err
	}
	events, err := r.DealEvents(ctx, dealID)
	if err != nil {
		return nil, err
	}
	d.Events = events
	return &d, nil
}

func fillDeal(d *domain.Deal, status, canonical string, solicitorEmail, appointment, deadline, vendorEmail sql.NullString, createdAt, updatedAt string) error {
	st, err := domain.ParseState(status)
	if err != nil {
		return fmt.Errorf("deal %s: %w", d.DealID, err)
	}
	d.Status = st
	if err := json.Unmarshal([]byte(canonical), &d.Canonical); err != nil {
		return fmt.Errorf("deal %s: decode canonical fields: %w", d.DealID, err)
	}
	if solicitorEmail.Valid {
		d.SolicitorEmail = solicitorEmail.String
	}
	if vendorEmail.Valid {
		d.VendorEmail = vendorEmail.String
	}
	if d.SolicitorAppointment, err = timePtr(appointment); err != nil {
		return fmt.Errorf("deal %s: solicitor appointment: %w", d.DealID, err)
	}
	if d.SLADeadline, err = timePtr(deadline); err != nil {
		return fmt.Errorf("deal %s: sla deadline: %w", d.DealID, err)
	}
	if d.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return fmt.Errorf("deal %s: created_at: %w", d.DealID, err)
	}
	if d.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return fmt.Errorf("deal %s: updated_at: %w", d.DealID, err)
	}
	return nil
}

func (r Repo) loadContracts(ctx context.Context, d *domain.Deal) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,filename,status,received_at,validated_at,is_valid,mismatches_json,risk_score FROM contracts WHERE deal_id=? ORDER BY version ASC`, d.DealID)
	if err != nil {
		return err
	}
	defer rows.Close()
	d.Contracts = map[int]*domain.ContractRecord{}
	for rows.Next() {
		var c domain.ContractRecord
		var status, receivedAt, mismatches string
		var filename, validatedAt, riskScore sql.NullString
		var isValid sql.NullInt64
		if err := rows.Scan(&c.Version, &filename, &status, &receivedAt, &validatedAt, &isValid, &mismatches, &riskScore); err != nil {
			return err
		}
		if c.Status, err = domain.ParseContractStatus(status); err != nil {
			return fmt.Errorf("deal %s contract v%d: %w", d.DealID, c.Version, err)
		}
		if filename.Valid {
			c.Filename = filename.String
		}
		if riskScore.Valid {
			c.RiskScore = riskScore.String
		}
		if isValid.Valid {
			v := isValid.Int64 != 0
			c.IsValid = &v
		}
		if c.ReceivedAt, err = domain.ParseTime(receivedAt); err != nil {
			return fmt.Errorf("deal %s contract v%d: received_at: %w", d.DealID, c.Version, err)
		}
		if c.ValidatedAt, err = timePtr(validatedAt); err != nil {
			return fmt.Errorf("deal %s contract v%d: validated_at: %w", d.DealID, c.Version, err)
		}
		if err := json.Unmarshal([]byte(mismatches), &c.Mismatches); err != nil {
			return fmt.Errorf("deal %s contract v%d: decode mismatches: %w", d.DealID, c.Version, err)
		}
		record := c
		d.Contracts[c.Version] = &record
	}
	return rows.Err()
}

type DealFilters struct {
	Status string
	Limit  int
}

// ListDeals returns deal rows without contracts or events, newest first.
func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + dealColumns + ` FROM deals ` + where + ` ORDER BY created_at DESC, deal_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		var d domain.Deal
		var status, canonical, createdAt, updatedAt string
		var solicitorEmail, appointment, deadline, vendorEmail sql.NullString
		if err := rows.Scan(&d.DealID, &status, &canonical, &d.CurrentVersion, &solicitorEmail, &appointment, &deadline, &vendorEmail, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := fillDeal(&d, status, canonical, solicitorEmail, appointment, deadline, vendorEmail, createdAt, updatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// PendingSLA is one deal whose signature deadline has been reached.
type PendingSLA struct {
	DealID   string    `json:"deal_id"`
	Deadline time.Time `json:"deadline"`
}

// PendingSLAChecks returns the deals whose deadline has passed and that
// still wait on the buyer signature, most overdue first.
func (r Repo) PendingSLAChecks(ctx context.Context, now time.Time) ([]PendingSLA, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT deal_id,sla_deadline FROM deals
WHERE sla_deadline_ts IS NOT NULL AND sla_deadline_ts<=? AND status IN (?,?)
ORDER BY sla_deadline_ts ASC`,
		now.Unix(), string(domain.StateDocuSignReleased), string(domain.StateDocuSignReleaseRequested))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []PendingSLA
	for rows.Next() {
		var p PendingSLA
		var deadline string
		if err := rows.Scan(&p.DealID, &deadline); err != nil {
			return nil, err
		}
		if p.Deadline, err = domain.ParseTime(deadline); err != nil {
			return nil, fmt.Errorf("deal %s: sla deadline: %w", p.DealID, err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// RecordEvent appends one audit event outside an engine transaction. The
// (deal_id, event_type, timestamp, source) identity makes replays no-ops.
func (r Repo) RecordEvent(ctx context.Context, dealID string, ev domain.DealEvent) error {
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
		ts = time.Now().UTC()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO deal_events(deal_id,event_type,timestamp,source,old_state,new_state,metadata_json,success,reason)
VALUES (?,?,?,?,?,?,?,?,?)`,
		dealID, ev.EventType, ts.Format(time.RFC3339), ev.Source, ev.OldState, ev.NewState, string(data), ev.Success, nullable(ev.Reason))
	return err
}

// DealEvents returns the audit trail in chronological order.
func (r Repo) DealEvents(ctx context.Context, dealID string) ([]domain.DealEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id,event_type,timestamp,source,old_state,new_state,metadata_json,success,reason FROM deal_events WHERE deal_id=? ORDER BY timestamp ASC, event_id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DealEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DealEventRecord is an audit event joined with its deal for feed readers.
type DealEventRecord struct {
	DealID string
	Event  domain.DealEvent
}

// EventsAfter returns events with ids greater than the cursor in insertion
// order, across all deals.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]DealEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT deal_id,event_id,event_type,timestamp,source,old_state,new_state,metadata_json,success,reason FROM deal_events WHERE event_id>? ORDER BY event_id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DealEventRecord
	for rows.Next() {
		var rec DealEventRecord
		var e domain.DealEvent
		var ts, metadata string
		var oldState, newState, reason sql.NullString
		if err := rows.Scan(&rec.DealID, &e.ID, &e.EventType, &ts, &e.Source, &oldState, &newState, &metadata, &e.Success, &reason); err != nil {
			return nil, err
		}
		if err := fillEvent(&e, ts, metadata, oldState, newState, reason); err != nil {
			return nil, err
		}
		rec.Event = e
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent audit event id, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_id),0) FROM deal_events`).Scan(&id)
	return id, err
}

func scanEvent(rows *sql.Rows) (domain.DealEvent, error) {
	var e domain.DealEvent
	var ts, metadata string
	var oldState, newState, reason sql.NullString
	if err := rows.Scan(&e.ID, &e.EventType, &ts, &e.Source, &oldState, &newState, &metadata, &e.Success, &reason); err != nil {
		return e, err
	}
	err := fillEvent(&e, ts, metadata, oldState, newState, reason)
	return e, err
}

func fillEvent(e *domain.DealEvent, ts, metadata string, oldState, newState, reason sql.NullString) error {
	t, err := domain.ParseTime(ts)
	if err != nil {
		return fmt.Errorf("event %d: timestamp: %w", e.ID, err)
	}
	e.Timestamp = t
	if oldState.Valid {
		e.OldState = &oldState.String
	}
	if newState.Valid {
		e.NewState = &newState.String
	}
	if reason.Valid {
		e.Reason = reason.String
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return fmt.Errorf("event %d: decode metadata: %w", e.ID, err)
	}
	return nil
}

// UpdateState rewrites only the status and updated_at columns.
func (r Repo) UpdateState(ctx context.Context, dealID string, status domain.State, updatedAt time.Time) error {
	return r.updateState(ctx, r.DB.ExecContext, dealID, status, updatedAt)
}

func (r Repo) UpdateStateTx(ctx context.Context, tx *sql.Tx, dealID string, status domain.State, updatedAt time.Time) error {
	return r.updateState(ctx, tx.ExecContext, dealID, status, updatedAt)
}

func (r Repo) updateState(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), dealID string, status domain.State, updatedAt time.Time) error {
	res, err := exec(ctx, `UPDATE deals SET status=?, updated_at=? WHERE deal_id=?`,
		status.String(), updatedAt.Format(time.RFC3339), dealID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
