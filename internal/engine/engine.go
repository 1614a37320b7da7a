package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dealflow/internal/config"
	"dealflow/internal/domain"
	"dealflow/internal/events"
	"dealflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    utcNow,
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return utcNow()
}

func (e Engine) machine(d *domain.Deal) Machine {
	m := Machine{Deal: d, Now: e.Now}
	if e.Config != nil {
		m.AutoSend = e.Config.Validation.AutoSend
		m.SLAOffsetDays = e.Config.SLA.OffsetDays
		m.SLACheckHour = e.Config.SLA.CheckHour
	}
	return m
}

// SLADeadline derives the buyer signature deadline for an appointment,
// honoring the configured offset and check hour.
func (e Engine) SLADeadline(appointment time.Time) time.Time {
	return e.machine(nil).slaDeadline(appointment)
}

type DealCreateOptions struct {
	DealID         string // derived from the canonical lot and address when empty
	Canonical      map[string]any
	Status         string // defaults to EOI_RECEIVED
	VendorEmail    string
	SolicitorEmail string // defaults to the canonical solicitor.email
	Source         string
	Timestamp      *time.Time
}

// CreateDeal registers a new deal from its canonical expression of interest
// fields. Creating an id that already exists is an error.
func (e Engine) CreateDeal(ctx context.Context, opts DealCreateOptions) (*domain.Deal, error) {
	canonical := opts.Canonical
	if canonical == nil {
		canonical = map[string]any{}
	}
	lot := domain.CanonicalString(canonical, "property.lot_number")
	address := domain.CanonicalString(canonical, "property.address")

	dealID := opts.DealID
	if dealID == "" {
		if lot == "" || address == "" {
			return nil, fmt.Errorf("deal id requires canonical property.lot_number and property.address")
		}
		dealID = domain.NewDealID(lot, address)
	}

	status := domain.State{Base: domain.StateEOIReceived}
	if opts.Status != "" {
		st, err := domain.ParseState(opts.Status)
		if err != nil {
			return nil, err
		}
		status = st
	}

	ts := e.now()
	if opts.Timestamp != nil {
		ts = *opts.Timestamp
	}
	source := opts.Source
	if source == "" {
		source = "system"
	}
	solicitorEmail := opts.SolicitorEmail
	if solicitorEmail == "" {
		solicitorEmail = domain.CanonicalString(canonical, "solicitor.email")
	}

	d := &domain.Deal{
		DealID:         dealID,
		Status:         status,
		Canonical:      canonical,
		Contracts:      map[int]*domain.ContractRecord{},
		SolicitorEmail: solicitorEmail,
		VendorEmail:    opts.VendorEmail,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	newState := status.String()
	d.AppendEvent(domain.DealEvent{
		EventType: domain.EventDealCreated,
		Timestamp: ts,
		Source:    source,
		NewState:  &newState,
		Metadata:  map[string]any{"lot_number": lot, "address": address},
		Success:   true,
	})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	canonicalJSON, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO deals(deal_id,status,canonical_json,current_version,solicitor_email,solicitor_appointment,solicitor_appointment_ts,sla_deadline,sla_deadline_ts,vendor_email,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.DealID, d.Status.String(), string(canonicalJSON), d.CurrentVersion,
		nullable(d.SolicitorEmail), nil, nil, nil, nil, nullable(d.VendorEmail),
		ts.Format(time.RFC3339), ts.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if err := e.Events.AppendAll(ctx, tx, d.DealID, d.Events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

type ApplyEventOptions struct {
	Source    string // defaults to "system"
	Timestamp *time.Time
	Context   TransitionContext
}

type ApplyResult struct {
	Deal    *domain.Deal
	Applied bool
	Reason  string // failure reason when not applied
}

// ApplyEvent loads the deal, runs the transition and persists the outcome.
// Rejected transitions are persisted too so the audit trail keeps them.
func (e Engine) ApplyEvent(ctx context.Context, dealID, event string, opts ApplyEventOptions) (ApplyResult, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return ApplyResult{}, err
	}
	source := opts.Source
	if source == "" {
		source = "system"
	}
	applied := e.machine(d).Transition(event, source, opts.Timestamp, opts.Context)
	res := ApplyResult{Deal: d, Applied: applied}
	if !applied && len(d.Events) > 0 {
		res.Reason = d.Events[len(d.Events)-1].Reason
	}
	if err := e.SaveDeal(ctx, d); err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// CheckDealSLA evaluates the deal's deadline at the given instant, firing
// the overdue alert transition when it has passed.
func (e Engine) CheckDealSLA(ctx context.Context, dealID string, at *time.Time, source string) (ApplyResult, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return ApplyResult{}, err
	}
	if source == "" {
		source = "system"
	}
	fired := e.machine(d).CheckSLA(at, source)
	if err := e.SaveDeal(ctx, d); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Deal: d, Applied: fired}, nil
}

// SetState forces the deal into an explicit state outside the transition
// table, keeping an override record on the audit trail.
func (e Engine) SetState(ctx context.Context, dealID, state, reason, source string) (*domain.Deal, error) {
	st, err := domain.ParseState(state)
	if err != nil {
		return nil, err
	}
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = "system"
	}
	now := e.now()
	oldState := d.Status.String()
	newState := st.String()
	d.Status = st
	d.UpdatedAt = now
	d.AppendEvent(domain.DealEvent{
		EventType: domain.EventStateOverridden,
		Timestamp: now,
		Source:    source,
		OldState:  &oldState,
		NewState:  &newState,
		Metadata:  map[string]any{"reason": reason},
		Success:   true,
	})
	if err := e.SaveDeal(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Timeline returns the deal's audit trail in chronological order.
func (e Engine) Timeline(ctx context.Context, dealID string) ([]domain.DealEvent, error) {
	d, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return d.Events, nil
}

// SaveDeal writes the deal, its contract revisions and its audit trail in
// one transaction. Every statement is replay-safe: rows upsert on their key
// and events dedup on their identity, so saving the same deal twice leaves
// the store unchanged.
func (e Engine) SaveDeal(ctx context.Context, d *domain.Deal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.upsertDealTx(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) upsertDealTx(ctx context.Context, tx *sql.Tx, d *domain.Deal) error {
	canonical := d.Canonical
	if canonical == nil {
		canonical = map[string]any{}
	}
	canonicalJSON, err := json.Marshal(canonical)
	if err != nil {
		return fmt.Errorf("marshal canonical fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO deals(deal_id,status,canonical_json,current_version,solicitor_email,solicitor_appointment,solicitor_appointment_ts,sla_deadline,sla_deadline_ts,vendor_email,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(deal_id) DO UPDATE SET
  status=excluded.status,
  canonical_json=excluded.canonical_json,
  current_version=excluded.current_version,
  solicitor_email=excluded.solicitor_email,
  solicitor_appointment=excluded.solicitor_appointment,
  solicitor_appointment_ts=excluded.solicitor_appointment_ts,
  sla_deadline=excluded.sla_deadline,
  sla_deadline_ts=excluded.sla_deadline_ts,
  vendor_email=excluded.vendor_email,
  updated_at=excluded.updated_at`,
		d.DealID, d.Status.String(), string(canonicalJSON), d.CurrentVersion,
		nullable(d.SolicitorEmail), timeText(d.SolicitorAppointment), timeEpoch(d.SolicitorAppointment),
		timeText(d.SLADeadline), timeEpoch(d.SLADeadline), nullable(d.VendorEmail),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339)); err != nil {
		return err
	}

	for _, v := range d.ContractVersions() {
		c := d.Contracts[v]
		mismatches := c.Mismatches
		if mismatches == nil {
			mismatches = []domain.Mismatch{}
		}
		mismatchesJSON, err := json.Marshal(mismatches)
		if err != nil {
			return fmt.Errorf("marshal mismatches v%d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO contracts(deal_id,version,filename,status,received_at,validated_at,is_valid,mismatches_json,risk_score)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(deal_id,version) DO UPDATE SET
  filename=excluded.filename,
  status=excluded.status,
  received_at=excluded.received_at,
  validated_at=excluded.validated_at,
  is_valid=excluded.is_valid,
  mismatches_json=excluded.mismatches_json,
  risk_score=excluded.risk_score`,
			d.DealID, c.Version, nullable(c.Filename), string(c.Status), c.ReceivedAt.Format(time.RFC3339),
			timeText(c.ValidatedAt), c.IsValid, string(mismatchesJSON), nullable(c.RiskScore)); err != nil {
			return err
		}
	}

	return e.Events.AppendAll(ctx, tx, d.DealID, d.Events)
}

func timeText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func timeEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
