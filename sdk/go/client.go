package dealflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Dealflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deal represents the API deal model (partial).
type Deal struct {
	DealID               string         `json:"deal_id"`
	Status               string         `json:"status"`
	Canonical            map[string]any `json:"canonical"`
	CurrentVersion       int            `json:"current_version"`
	Contracts            []Contract     `json:"contracts"`
	SolicitorEmail       string         `json:"solicitor_email,omitempty"`
	SolicitorAppointment string         `json:"solicitor_appointment,omitempty"`
	SLADeadline          string         `json:"sla_deadline,omitempty"`
	VendorEmail          string         `json:"vendor_email,omitempty"`
	Events               []Event        `json:"events,omitempty"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
}

// Contract is one numbered contract revision on a deal.
type Contract struct {
	Version     int        `json:"version"`
	Filename    string     `json:"filename,omitempty"`
	Status      string     `json:"status"`
	ReceivedAt  string     `json:"received_at"`
	ValidatedAt string     `json:"validated_at,omitempty"`
	IsValid     *bool      `json:"is_valid,omitempty"`
	Mismatches  []Mismatch `json:"mismatches"`
	RiskScore   string     `json:"risk_score,omitempty"`
}

// Event is one audit trail entry.
type Event struct {
	ID        int64          `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	OldState  string         `json:"old_state,omitempty"`
	NewState  string         `json:"new_state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
}

// Mismatch is one field-level discrepancy from a comparison.
type Mismatch struct {
	Field             string `json:"field"`
	FieldDisplay      string `json:"field_display"`
	EOIValue          any    `json:"eoi_value"`
	ContractValue     any    `json:"contract_value"`
	Severity          string `json:"severity"`
	Rationale         string `json:"rationale"`
	EOIFormatted      string `json:"eoi_value_formatted,omitempty"`
	ContractFormatted string `json:"contract_value_formatted,omitempty"`
}

// ComparisonResult is the contract-vs-EOI verdict.
type ComparisonResult struct {
	ContractVersion         string     `json:"contract_version,omitempty"`
	SourceFile              string     `json:"source_file,omitempty"`
	ComparedAgainst         string     `json:"compared_against,omitempty"`
	IsValid                 bool       `json:"is_valid"`
	RiskScore               string     `json:"risk_score"`
	MismatchCount           int        `json:"mismatch_count"`
	Mismatches              []Mismatch `json:"mismatches"`
	AmendmentRecommendation string     `json:"amendment_recommendation,omitempty"`
	NextAction              string     `json:"next_action"`
	ShouldSendToSolicitor   bool       `json:"should_send_to_solicitor"`
}

// CreateDealRequest registers a new deal from canonical EOI fields.
type CreateDealRequest struct {
	DealID         string         `json:"deal_id,omitempty"`
	Canonical      map[string]any `json:"canonical"`
	Status         string         `json:"status,omitempty"`
	VendorEmail    string         `json:"vendor_email,omitempty"`
	SolicitorEmail string         `json:"solicitor_email,omitempty"`
	Source         string         `json:"source,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// ApplyEventRequest applies one workflow event to a deal.
type ApplyEventRequest struct {
	Event               string            `json:"event"`
	Source              string            `json:"source,omitempty"`
	Timestamp           string            `json:"timestamp,omitempty"`
	ContractVersion     *int              `json:"contract_version,omitempty"`
	ContractFilename    string            `json:"contract_filename,omitempty"`
	AppointmentAt       string            `json:"appointment_datetime,omitempty"`
	Comparison          *ComparisonResult `json:"comparison,omitempty"`
	AutoSendToSolicitor *bool             `json:"auto_send_to_solicitor,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
}

// ApplyResult reports whether the event was applied and the deal afterwards.
type ApplyResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Deal    Deal   `json:"deal"`
}

// RegisterSLAResult carries the computed buyer-signature deadline.
type RegisterSLAResult struct {
	DealID      string `json:"deal_id"`
	SLADeadline string `json:"sla_deadline"`
}

// PendingSLA is one deal whose deadline has passed.
type PendingSLA struct {
	DealID   string `json:"deal_id"`
	Deadline string `json:"deadline"`
}

// SweepResult lists the deals the sweep fired SLA_OVERDUE on.
type SweepResult struct {
	CheckedAt string   `json:"checked_at"`
	Fired     []string `json:"fired"`
}

// ClassifyResult is the classifier verdict for one email.
type ClassifyResult struct {
	EventType   string         `json:"event_type"`
	Confidence  float64        `json:"confidence"`
	Method      string         `json:"method"`
	NeedsReview bool           `json:"needs_review"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Draft is a rendered outbound notification.
type Draft struct {
	Kind        string   `json:"kind"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	GeneratedAt string   `json:"generated_at"`
	Rendered    string   `json:"rendered"`
}

// Identity is the authenticated principal behind the credentials.
type Identity struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDeal registers a new deal.
func (c *Client) CreateDeal(ctx context.Context, req CreateDealRequest) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, c.apiPath("deals"), req, &resp)
	return resp, err
}

// ListDeals returns deals newest first. Empty status means all; limit 0 uses
// the server default.
func (c *Client) ListDeals(ctx context.Context, status string, limit int) ([]Deal, error) {
	endpoint := c.apiPath("deals")
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Deal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetDeal fetches one deal, optionally with its audit trail.
func (c *Client) GetDeal(ctx context.Context, dealID string, withEvents bool) (Deal, error) {
	endpoint := c.apiPath("deals/" + url.PathEscape(dealID))
	if withEvents {
		endpoint += "?events=true"
	}
	var resp Deal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyEvent applies a workflow event. A rejected transition is not an error;
// check ApplyResult.Applied.
func (c *Client) ApplyEvent(ctx context.Context, dealID string, req ApplyEventRequest) (ApplyResult, error) {
	var resp ApplyResult
	endpoint := c.apiPath(fmt.Sprintf("deals/%s/events", url.PathEscape(dealID)))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// Timeline returns the deal's full audit trail, rejected attempts included.
func (c *Client) Timeline(ctx context.Context, dealID string) ([]Event, error) {
	var resp []Event
	endpoint := c.apiPath(fmt.Sprintf("deals/%s/timeline", url.PathEscape(dealID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterSLA arms the buyer-signature deadline from a solicitor appointment.
func (c *Client) RegisterSLA(ctx context.Context, dealID, appointmentAt string) (RegisterSLAResult, error) {
	body := map[string]any{"appointment_datetime": appointmentAt}
	var resp RegisterSLAResult
	endpoint := c.apiPath(fmt.Sprintf("deals/%s/sla/register", url.PathEscape(dealID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelSLA disarms the deadline and returns the deal afterwards.
func (c *Client) CancelSLA(ctx context.Context, dealID, reason string) (Deal, error) {
	body := map[string]any{"reason": reason}
	var resp Deal
	endpoint := c.apiPath(fmt.Sprintf("deals/%s/sla/cancel", url.PathEscape(dealID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PendingSLA lists deals whose deadline has passed as of now. Empty now means
// the server clock.
func (c *Client) PendingSLA(ctx context.Context, now string) ([]PendingSLA, error) {
	endpoint := c.apiPath("sla/pending")
	if now != "" {
		endpoint += "?now=" + url.QueryEscape(now)
	}
	var resp []PendingSLA
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep fires SLA_OVERDUE on every due deal.
func (c *Client) Sweep(ctx context.Context, now string) (SweepResult, error) {
	body := map[string]any{}
	if now != "" {
		body["now"] = now
	}
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, c.apiPath("sla/sweep"), body, &resp)
	return resp, err
}

// Classify maps a raw RFC 822 email message to a workflow event.
func (c *Client) Classify(ctx context.Context, message string) (ClassifyResult, error) {
	body := map[string]any{"message": message}
	var resp ClassifyResult
	err := c.do(ctx, http.MethodPost, c.apiPath("classify"), body, &resp)
	return resp, err
}

// Compare checks contract fields against the EOI baseline.
func (c *Client) Compare(ctx context.Context, eoi, contract map[string]any) (ComparisonResult, error) {
	body := map[string]any{"eoi": eoi, "contract": contract}
	var resp ComparisonResult
	err := c.do(ctx, http.MethodPost, c.apiPath("audit/compare"), body, &resp)
	return resp, err
}

// Draft renders a notification draft of the given kind for a deal.
func (c *Client) Draft(ctx context.Context, kind, dealID string) (Draft, error) {
	body := map[string]any{"deal_id": dealID}
	var resp Draft
	endpoint := c.apiPath("drafts/" + url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Whoami reports the principal the server sees behind the credentials.
func (c *Client) Whoami(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, c.apiPath("whoami"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
