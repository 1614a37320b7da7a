package server

import (
	"time"

	"dealflow/internal/classify"
	"dealflow/internal/domain"
	"dealflow/internal/notify"
)

// Request payloads

type CreateDealRequest struct {
	DealID         string         `json:"deal_id,omitempty"`
	Canonical      map[string]any `json:"canonical"`
	Status         string         `json:"status,omitempty"`
	VendorEmail    string         `json:"vendor_email,omitempty"`
	SolicitorEmail string         `json:"solicitor_email,omitempty"`
	Source         string         `json:"source,omitempty"`
	Timestamp      *string        `json:"timestamp,omitempty" format:"date-time"`
}

type ApplyEventRequest struct {
	Event               string                   `json:"event"`
	Source              string                   `json:"source,omitempty"`
	Timestamp           *string                  `json:"timestamp,omitempty" format:"date-time"`
	ContractVersion     *int                     `json:"contract_version,omitempty"`
	ContractFilename    string                   `json:"contract_filename,omitempty"`
	AppointmentAt       string                   `json:"appointment_datetime,omitempty"`
	Comparison          *domain.ComparisonResult `json:"comparison,omitempty"`
	AutoSendToSolicitor *bool                    `json:"auto_send_to_solicitor,omitempty"`
	Metadata            map[string]any           `json:"metadata,omitempty"`
}

type RegisterSLARequest struct {
	AppointmentAt string `json:"appointment_datetime" format:"date-time"`
	Source        string `json:"source,omitempty"`
}

type CancelSLARequest struct {
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

type SweepRequest struct {
	Now    *string `json:"now,omitempty" format:"date-time"`
	Source string  `json:"source,omitempty"`
}

type ClassifyRequest struct {
	Message string `json:"message"`
}

type CompareRequest struct {
	EOI      map[string]any `json:"eoi"`
	Contract map[string]any `json:"contract"`
}

type DraftRequest struct {
	DealID string `json:"deal_id"`
}

// Response payloads

type DealResponse struct {
	DealID               string             `json:"deal_id"`
	Status               string             `json:"status"`
	Canonical            map[string]any     `json:"canonical"`
	CurrentVersion       int                `json:"current_version"`
	Contracts            []ContractResponse `json:"contracts"`
	SolicitorEmail       string             `json:"solicitor_email,omitempty"`
	SolicitorAppointment *string            `json:"solicitor_appointment,omitempty" format:"date-time"`
	SLADeadline          *string            `json:"sla_deadline,omitempty" format:"date-time"`
	VendorEmail          string             `json:"vendor_email,omitempty"`
	Events               []EventResponse    `json:"events,omitempty"`
	CreatedAt            string             `json:"created_at" format:"date-time"`
	UpdatedAt            string             `json:"updated_at" format:"date-time"`
}

type ContractResponse struct {
	Version     int               `json:"version"`
	Filename    string            `json:"filename,omitempty"`
	Status      string            `json:"status"`
	ReceivedAt  string            `json:"received_at" format:"date-time"`
	ValidatedAt *string           `json:"validated_at,omitempty" format:"date-time"`
	IsValid     *bool             `json:"is_valid,omitempty"`
	Mismatches  []domain.Mismatch `json:"mismatches"`
	RiskScore   string            `json:"risk_score,omitempty"`
}

type EventResponse struct {
	ID        int64          `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Source    string         `json:"source"`
	OldState  *string        `json:"old_state,omitempty"`
	NewState  *string        `json:"new_state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
}

type ApplyEventResponse struct {
	Applied bool         `json:"applied"`
	Reason  string       `json:"reason,omitempty"`
	Deal    DealResponse `json:"deal"`
}

type RegisterSLAResponse struct {
	DealID      string `json:"deal_id"`
	SLADeadline string `json:"sla_deadline" format:"date-time"`
}

type PendingSLAResponse struct {
	DealID   string `json:"deal_id"`
	Deadline string `json:"deadline" format:"date-time"`
}

type SweepResponse struct {
	CheckedAt string   `json:"checked_at" format:"date-time"`
	Fired     []string `json:"fired"`
}

type ClassifyResponse struct {
	EventType   string         `json:"event_type"`
	Confidence  float64        `json:"confidence"`
	Method      string         `json:"method"`
	NeedsReview bool           `json:"needs_review"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type DraftResponse struct {
	Kind        string   `json:"kind"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	GeneratedAt string   `json:"generated_at" format:"date-time"`
	Rendered    string   `json:"rendered"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

// Conversion helpers

func dealResponse(d *domain.Deal, withEvents bool) DealResponse {
	res := DealResponse{
		DealID:               d.DealID,
		Status:               d.Status.String(),
		Canonical:            d.Canonical,
		CurrentVersion:       d.CurrentVersion,
		Contracts:            mapContracts(d),
		SolicitorEmail:       d.SolicitorEmail,
		SolicitorAppointment: timeString(d.SolicitorAppointment),
		SLADeadline:          timeString(d.SLADeadline),
		VendorEmail:          d.VendorEmail,
		CreatedAt:            d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            d.UpdatedAt.Format(time.RFC3339),
	}
	if res.Canonical == nil {
		res.Canonical = map[string]any{}
	}
	if withEvents {
		res.Events = mapEvents(d.Events)
	}
	return res
}

func mapContracts(d *domain.Deal) []ContractResponse {
	res := make([]ContractResponse, 0, len(d.Contracts))
	for _, v := range d.ContractVersions() {
		res = append(res, contractResponse(d.Contracts[v]))
	}
	return res
}

func contractResponse(c *domain.ContractRecord) ContractResponse {
	return ContractResponse{
		Version:     c.Version,
		Filename:    c.Filename,
		Status:      string(c.Status),
		ReceivedAt:  c.ReceivedAt.Format(time.RFC3339),
		ValidatedAt: timeString(c.ValidatedAt),
		IsValid:     c.IsValid,
		Mismatches:  nonNilSlice(c.Mismatches),
		RiskScore:   c.RiskScore,
	}
}

func eventResponse(e domain.DealEvent) EventResponse {
	return EventResponse{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Source:    e.Source,
		OldState:  e.OldState,
		NewState:  e.NewState,
		Metadata:  e.Metadata,
		Success:   e.Success,
		Reason:    e.Reason,
	}
}

func mapEvents(items []domain.DealEvent) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func mapDeals(items []domain.Deal) []DealResponse {
	res := make([]DealResponse, 0, len(items))
	for i := range items {
		res = append(res, dealResponse(&items[i], false))
	}
	return res
}

func classifyResponse(r classify.Result) ClassifyResponse {
	return ClassifyResponse{
		EventType:   r.EventType,
		Confidence:  r.Confidence,
		Method:      r.Method,
		NeedsReview: r.NeedsReview,
		Metadata:    r.Metadata,
	}
}

func draftResponse(d notify.Draft) DraftResponse {
	return DraftResponse{
		Kind:        d.Kind,
		From:        d.From,
		To:          nonNilSlice(d.To),
		Cc:          d.Cc,
		Subject:     d.Subject,
		Body:        d.Body,
		Attachments: d.Attachments,
		GeneratedAt: d.GeneratedAt.Format(time.RFC3339),
		Rendered:    d.Render(),
	}
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
