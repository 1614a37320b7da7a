// Package sla watches solicitor-approved deals for buyer-signature deadlines.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
)

// Monitor drives deadline registration, cancellation and the periodic sweep.
type Monitor struct {
	Engine engine.Engine
	Log    *slog.Logger
}

func (m Monitor) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func (m Monitor) now() time.Time {
	if m.Engine.Now != nil {
		return m.Engine.Now()
	}
	return time.Now().UTC()
}

// RegisterTimer sets the solicitor appointment on a deal and arms its
// buyer-signature deadline. The appointment string must parse; the deal must
// exist. Returns the computed deadline.
func (m Monitor) RegisterTimer(ctx context.Context, dealID, appointmentAt, source string, ts *time.Time) (time.Time, error) {
	appointment, err := domain.ParseTime(appointmentAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid appointment datetime %q", appointmentAt)
	}
	d, err := m.Engine.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return time.Time{}, fmt.Errorf("deal %s: %w", dealID, err)
	}
	at := m.now()
	if ts != nil {
		at = *ts
	}
	deadline := m.Engine.SLADeadline(appointment)
	d.SolicitorAppointment = &appointment
	d.SLADeadline = &deadline
	d.UpdatedAt = at
	d.AppendEvent(domain.DealEvent{
		EventType: domain.EventSLATimerRegistered,
		Timestamp: at,
		Source:    source,
		Metadata: map[string]any{
			"appointment_datetime": appointment.Format(time.RFC3339),
			"sla_deadline":         deadline.Format(time.RFC3339),
		},
		Success: true,
	})
	if err := m.Engine.SaveDeal(ctx, d); err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// CancelTimer disarms a deal's deadline, typically once the buyer has signed.
// A deal without an armed deadline is left untouched.
func (m Monitor) CancelTimer(ctx context.Context, dealID, reason, source string) error {
	if reason == "" {
		reason = "buyer_signed"
	}
	if source == "" {
		source = "system"
	}
	d, err := m.Engine.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return fmt.Errorf("deal %s: %w", dealID, err)
	}
	if d.SLADeadline == nil {
		return nil
	}
	old := d.SLADeadline.Format(time.RFC3339)
	at := m.now()
	d.SLADeadline = nil
	d.UpdatedAt = at
	d.AppendEvent(domain.DealEvent{
		EventType: domain.EventSLATimerCancelled,
		Timestamp: at,
		Source:    source,
		Metadata: map[string]any{
			"old_deadline": old,
			"reason":       reason,
		},
		Success: true,
	})
	return m.Engine.SaveDeal(ctx, d)
}

// EvaluateDue fires the SLA_OVERDUE transition on every deal whose deadline
// has passed and returns the ids that actually fired.
func (m Monitor) EvaluateDue(ctx context.Context, now time.Time, source string) ([]string, error) {
	pending, err := m.Engine.Repo.PendingSLAChecks(ctx, now)
	if err != nil {
		return nil, err
	}
	var fired []string
	for _, p := range pending {
		res, err := m.Engine.CheckDealSLA(ctx, p.DealID, &now, source)
		if err != nil {
			m.log().Error("sla check failed", "deal_id", p.DealID, "error", err)
			continue
		}
		if res.Applied {
			fired = append(fired, p.DealID)
		}
	}
	return fired, nil
}

// Run sweeps for due deadlines until the context is cancelled.
func (m Monitor) Run(ctx context.Context, interval time.Duration, source string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.log().Info("sla monitor started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log().Info("sla monitor stopped")
			return
		case <-ticker.C:
			fired, err := m.EvaluateDue(ctx, m.now(), source)
			if err != nil {
				m.log().Error("sla sweep failed", "error", err)
				continue
			}
			if len(fired) > 0 {
				m.log().Info("sla deadlines fired", "count", len(fired), "deals", fired)
			}
		}
	}
}
