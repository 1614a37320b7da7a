package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BaseState is a workflow stage without version decoration.
type BaseState string

const (
	StateEOIReceived              BaseState = "EOI_RECEIVED"
	StateAwaitingFirstContract    BaseState = "AWAITING_FIRST_CONTRACT"
	StateContractReceived         BaseState = "CONTRACT_RECEIVED"
	StateContractValidatedOK      BaseState = "CONTRACT_VALIDATED_OK"
	StateContractHasDiscrepancies BaseState = "CONTRACT_HAS_DISCREPANCIES"
	StateAmendmentRequested       BaseState = "AMENDMENT_REQUESTED"
	StateAwaitingAmendedContract  BaseState = "AWAITING_AMENDED_CONTRACT"
	StateSentToSolicitor          BaseState = "SENT_TO_SOLICITOR"
	StateSolicitorApproved        BaseState = "SOLICITOR_APPROVED"
	StateDocuSignReleaseRequested BaseState = "DOCUSIGN_RELEASE_REQUESTED"
	StateDocuSignReleased         BaseState = "DOCUSIGN_RELEASED"
	StateBuyerSigned              BaseState = "BUYER_SIGNED"
	StateExecuted                 BaseState = "EXECUTED"
	StateSLAOverdueAlertSent      BaseState = "SLA_OVERDUE_ALERT_SENT"
	StateHumanReviewRequired      BaseState = "HUMAN_REVIEW_REQUIRED"
)

// MaxLabeledVersion is the highest contract version with its own state names
// (CONTRACT_V1_*, CONTRACT_V2_*). Higher versions render as the base name.
const MaxLabeledVersion = 2

var baseStates = map[BaseState]bool{
	StateEOIReceived:              true,
	StateAwaitingFirstContract:    true,
	StateContractReceived:         true,
	StateContractValidatedOK:      true,
	StateContractHasDiscrepancies: true,
	StateAmendmentRequested:       true,
	StateAwaitingAmendedContract:  true,
	StateSentToSolicitor:          true,
	StateSolicitorApproved:        true,
	StateDocuSignReleaseRequested: true,
	StateDocuSignReleased:         true,
	StateBuyerSigned:              true,
	StateExecuted:                 true,
	StateSLAOverdueAlertSent:      true,
	StateHumanReviewRequired:      true,
}

// versionedBases are the contract stages parameterized by revision number.
var versionedBases = map[BaseState]bool{
	StateContractReceived:         true,
	StateContractValidatedOK:      true,
	StateContractHasDiscrepancies: true,
}

var versionedStateRe = regexp.MustCompile(`^CONTRACT_V(\d+)_(RECEIVED|VALIDATED_OK|HAS_DISCREPANCIES)$`)

// State is a workflow stage, optionally carrying a contract revision number.
// Version 0 means unversioned. The string form is the closed vocabulary the
// store persists; String and ParseState are inverses over it.
type State struct {
	Base    BaseState `json:"base"`
	Version int       `json:"version,omitempty"`
}

func (s State) String() string {
	if s.Version >= 1 && s.Version <= MaxLabeledVersion && versionedBases[s.Base] {
		suffix := strings.TrimPrefix(string(s.Base), "CONTRACT_")
		return fmt.Sprintf("CONTRACT_V%d_%s", s.Version, suffix)
	}
	return string(s.Base)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a persisted state name. Names outside the closed
// vocabulary, including versioned forms above MaxLabeledVersion, are errors.
func ParseState(name string) (State, error) {
	if m := versionedStateRe.FindStringSubmatch(name); m != nil {
		v, _ := strconv.Atoi(m[1])
		if v < 1 || v > MaxLabeledVersion {
			return State{}, fmt.Errorf("unknown deal state %q", name)
		}
		return State{Base: BaseState("CONTRACT_" + m[2]), Version: v}, nil
	}
	b := BaseState(name)
	if !baseStates[b] {
		return State{}, fmt.Errorf("unknown deal state %q", name)
	}
	return State{Base: b}, nil
}

// VersionedBase reports whether base renders differently per contract version.
func VersionedBase(b BaseState) bool {
	return versionedBases[b]
}

// Contract record statuses.
type ContractStatus string

const (
	ContractStatusReceived      ContractStatus = "RECEIVED"
	ContractStatusValidatedOK   ContractStatus = "VALIDATED_OK"
	ContractStatusDiscrepancies ContractStatus = "HAS_DISCREPANCIES"
	ContractStatusSuperseded    ContractStatus = "SUPERSEDED"
	ContractStatusExecuted      ContractStatus = "EXECUTED"
)

func ParseContractStatus(s string) (ContractStatus, error) {
	switch cs := ContractStatus(s); cs {
	case ContractStatusReceived, ContractStatusValidatedOK, ContractStatusDiscrepancies, ContractStatusSuperseded, ContractStatusExecuted:
		return cs, nil
	}
	return "", fmt.Errorf("unknown contract status %q", s)
}

// Workflow event vocabulary. The first block drives transitions; the second
// block is audit-only (never looked up in the transition table).
const (
	EventEOISigned              = "EOI_SIGNED"
	EventContractFromVendor     = "CONTRACT_FROM_VENDOR"
	EventValidationPassed       = "VALIDATION_PASSED"
	EventValidationFailed       = "VALIDATION_FAILED"
	EventHumanReviewNeeded      = "HUMAN_REVIEW_NEEDED"
	EventDiscrepancyAlertSent   = "DISCREPANCY_ALERT_SENT"
	EventAuto                   = "AUTO"
	EventSolicitorEmailSent     = "SOLICITOR_EMAIL_SENT"
	EventSolicitorApproved      = "SOLICITOR_APPROVED_WITH_APPOINTMENT"
	EventDocuSignReleaseRequest = "DOCUSIGN_RELEASE_REQUESTED"
	EventDocuSignReleased       = "DOCUSIGN_RELEASED"
	EventSLAOverdue             = "SLA_OVERDUE"
	EventDocuSignBuyerSigned    = "DOCUSIGN_BUYER_SIGNED"
	EventDocuSignExecuted       = "DOCUSIGN_EXECUTED"

	EventDealCreated        = "DEAL_CREATED"
	EventContractSuperseded = "CONTRACT_SUPERSEDED"
	EventSLATimerRegistered = "SLA_TIMER_REGISTERED"
	EventSLATimerCancelled  = "SLA_TIMER_CANCELLED"
	EventStateOverridden    = "STATE_OVERRIDDEN"
)

// Deal is the aggregate root for one property-sale workflow.
type Deal struct {
	DealID               string                  `json:"deal_id"`
	Status               State                   `json:"status"`
	Canonical            map[string]any          `json:"canonical"`
	Contracts            map[int]*ContractRecord `json:"contracts"`
	CurrentVersion       int                     `json:"current_version"`
	SolicitorEmail       string                  `json:"solicitor_email,omitempty"`
	SolicitorAppointment *time.Time              `json:"solicitor_appointment,omitempty"`
	SLADeadline          *time.Time              `json:"sla_deadline,omitempty"`
	VendorEmail          string                  `json:"vendor_email,omitempty"`
	Events               []DealEvent             `json:"events,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

// MaxContractVersion returns the highest received version, 0 when none.
func (d *Deal) MaxContractVersion() int {
	max := 0
	for v := range d.Contracts {
		if v > max {
			max = v
		}
	}
	return max
}

// ContractVersions returns the received versions in ascending order.
func (d *Deal) ContractVersions() []int {
	vs := make([]int, 0, len(d.Contracts))
	for v := range d.Contracts {
		vs = append(vs, v)
	}
	sort.Ints(vs)
	return vs
}

func (d *Deal) AppendEvent(ev DealEvent) {
	d.Events = append(d.Events, ev)
}

type ContractRecord struct {
	Version     int            `json:"version"`
	Filename    string         `json:"filename,omitempty"`
	Status      ContractStatus `json:"status"`
	ReceivedAt  time.Time      `json:"received_at"`
	ValidatedAt *time.Time     `json:"validated_at,omitempty"`
	IsValid     *bool          `json:"is_valid,omitempty"`
	Mismatches  []Mismatch     `json:"mismatches"`
	RiskScore   string         `json:"risk_score,omitempty"`
}

// DealEvent is one append-only audit record. The dedup identity for durable
// storage is (deal_id, event_type, timestamp, source).
type DealEvent struct {
	ID        int64          `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	OldState  *string        `json:"old_state,omitempty"`
	NewState  *string        `json:"new_state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
}

// Mismatch severities and comparison risk/next-action vocabulary.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"

	RiskNone   = "NONE"
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"

	NextProceedToSolicitor   = "PROCEED_TO_SOLICITOR"
	NextSendDiscrepancyAlert = "SEND_DISCREPANCY_ALERT"
	NextRequestHumanReview   = "REQUEST_HUMAN_REVIEW"
)

// Mismatch is one field-level difference between the EOI baseline and a
// contract revision.
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

// ComparisonResult is the comparator verdict for one contract revision.
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

var (
	nonDigitRe = regexp.MustCompile(`\D`)
	nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// NewDealID derives the stable deal identifier from the lot number and the
// property address: LOT<digits>_<ADDRESS SLUG>.
func NewDealID(lotNumber, address string) string {
	digits := nonDigitRe.ReplaceAllString(lotNumber, "")
	slug := strings.ToUpper(strings.Trim(nonAlnumRe.ReplaceAllString(address, "_"), "_"))
	return "LOT" + digits + "_" + slug
}

// ParseTime parses an RFC 3339 timestamp. A value without an offset is taken
// as UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

// CanonicalString reads a dotted path from nested canonical data, returning
// "" when any segment is missing or not a map.
func CanonicalString(fields map[string]any, path string) string {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	if s, ok := cur.(string); ok {
		return s
	}
	if cur == nil {
		return ""
	}
	return fmt.Sprintf("%v", cur)
}

// Actor is an operator or integration allowed to call the API.
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// Webhook mirrors one configured delivery target into storage so its cursor
// can survive restarts.
type Webhook struct {
	HookID    string `json:"hook_id"`
	URL       string `json:"url"`
	Secret    string `json:"-"`
	CreatedAt string `json:"created_at"`
}
