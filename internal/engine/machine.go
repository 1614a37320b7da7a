package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"dealflow/internal/domain"
)

// transitions maps each base state to the events it accepts and the base
// state each event leads to. Versioned contract states share the row of
// their base state.
var transitions = map[domain.BaseState]map[string]domain.BaseState{
	domain.StateEOIReceived: {
		domain.EventEOISigned:          domain.StateEOIReceived,
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateAwaitingFirstContract: {
		domain.EventEOISigned:          domain.StateEOIReceived,
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateContractReceived: {
		domain.EventValidationPassed:   domain.StateContractValidatedOK,
		domain.EventValidationFailed:   domain.StateContractHasDiscrepancies,
		domain.EventHumanReviewNeeded:  domain.StateHumanReviewRequired,
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateContractHasDiscrepancies: {
		domain.EventDiscrepancyAlertSent: domain.StateAmendmentRequested,
		domain.EventContractFromVendor:   domain.StateContractReceived,
	},
	domain.StateAmendmentRequested: {
		domain.EventAuto:               domain.StateAwaitingAmendedContract,
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateAwaitingAmendedContract: {
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateContractValidatedOK: {
		domain.EventSolicitorEmailSent: domain.StateSentToSolicitor,
		domain.EventContractFromVendor: domain.StateContractReceived,
	},
	domain.StateSentToSolicitor: {
		domain.EventSolicitorApproved: domain.StateSolicitorApproved,
	},
	domain.StateSolicitorApproved: {
		domain.EventDocuSignReleaseRequest: domain.StateDocuSignReleaseRequested,
	},
	domain.StateDocuSignReleaseRequested: {
		domain.EventDocuSignReleased: domain.StateDocuSignReleased,
		domain.EventSLAOverdue:       domain.StateSLAOverdueAlertSent,
	},
	domain.StateDocuSignReleased: {
		domain.EventDocuSignBuyerSigned: domain.StateBuyerSigned,
		domain.EventSLAOverdue:          domain.StateSLAOverdueAlertSent,
	},
	domain.StateSLAOverdueAlertSent: {
		domain.EventDocuSignBuyerSigned: domain.StateBuyerSigned,
	},
	domain.StateBuyerSigned: {
		domain.EventDocuSignExecuted: domain.StateExecuted,
	},
}

var eventAliases = map[string]string{
	"CONTRACT_TO_SOLICITOR": domain.EventSolicitorEmailSent,
	"DISCREPANCY_ALERT":     domain.EventDiscrepancyAlertSent,
}

// NormalizeEvent maps alias event names emitted by upstream classifiers onto
// the canonical transition vocabulary. Unknown names pass through unchanged.
func NormalizeEvent(event string) string {
	if canonical, ok := eventAliases[event]; ok {
		return canonical
	}
	return event
}

// Cascade policies for the VALIDATION_PASSED auto-advance.
const (
	AutoSendComparator = "comparator"
	AutoSendAlways     = "always"
	AutoSendNever      = "never"
)

// TransitionContext carries the event-specific inputs a transition may read.
// Everything set here is recorded as metadata on the resulting audit event.
type TransitionContext struct {
	Version             *int   // requested contract revision, nil to auto-assign
	Filename            string // source document for a contract arrival
	AppointmentAt       string // RFC 3339 solicitor appointment
	Comparison          *domain.ComparisonResult
	AutoSendToSolicitor *bool
	Metadata            map[string]any
}

// Machine applies workflow events to a single deal held in memory. It never
// touches storage; callers persist the mutated deal afterwards.
type Machine struct {
	Deal *domain.Deal
	Now  func() time.Time

	// AutoSend selects the cascade policy after VALIDATION_PASSED. An
	// explicit TransitionContext.AutoSendToSolicitor always wins over it.
	AutoSend string

	// Zero values fall back to the 2-day 09:00 deadline rule.
	SLAOffsetDays int
	SLACheckHour  int
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m Machine) at(ts *time.Time) time.Time {
	if ts != nil {
		return *ts
	}
	return m.now()
}

// Transition attempts to apply event to the deal. Failed attempts are
// recorded on the audit trail with a reason and leave the deal unchanged.
// The zero timestamp pointer means now.
func (m Machine) Transition(event, source string, ts *time.Time, ctx TransitionContext) bool {
	event = NormalizeEvent(event)
	at := m.at(ts)
	md := transitionMetadata(ctx)

	next, ok := transitions[m.Deal.Status.Base][event]
	if !ok {
		m.logEvent(event, source, at, statePtr(m.Deal.Status), nil, md, false, "Invalid transition")
		return false
	}

	if event == domain.EventSolicitorEmailSent && !m.CanSendToSolicitor(0) {
		m.logEvent(event, source, at, statePtr(m.Deal.Status), nil, md, false, "Solicitor email guard failed")
		return false
	}
	if event == domain.EventDocuSignReleaseRequest &&
		m.Deal.SolicitorAppointment == nil && ctx.AppointmentAt == "" {
		m.logEvent(event, source, at, statePtr(m.Deal.Status), nil, md, false, "DocuSign release requires appointment datetime")
		return false
	}

	old := m.Deal.Status
	for k, v := range m.preTransition(event, at, ctx) {
		md[k] = v
	}

	m.Deal.Status = m.resolveNext(next)
	m.Deal.UpdatedAt = at

	m.logEvent(event, source, at, statePtr(old), statePtr(m.Deal.Status), md, true, "")
	m.postTransition(event, at, ctx)
	return true
}

// CanTransition reports whether the deal accepts event in its current state,
// before guards.
func (m Machine) CanTransition(event string) bool {
	_, ok := transitions[m.Deal.Status.Base][NormalizeEvent(event)]
	return ok
}

// AllowedEvents lists the events the deal accepts in its current state.
func (m Machine) AllowedEvents() []string {
	row := transitions[m.Deal.Status.Base]
	events := make([]string, 0, len(row))
	for ev := range row {
		events = append(events, ev)
	}
	sort.Strings(events)
	return events
}

// CanSendToSolicitor reports whether the given contract revision may be sent
// to the solicitor. Version 0 means the deal's current version. Only the
// highest revision qualifies, it must have validated clean, and the deal must
// not already sit with the solicitor.
func (m Machine) CanSendToSolicitor(version int) bool {
	if len(m.Deal.Contracts) == 0 {
		return false
	}
	v := version
	if v == 0 {
		v = m.Deal.CurrentVersion
	}
	record := m.Deal.Contracts[v]
	if record == nil {
		return false
	}
	if record.Status != domain.ContractStatusValidatedOK || record.IsValid == nil || !*record.IsValid {
		return false
	}
	if v != m.Deal.MaxContractVersion() {
		return false
	}
	if m.Deal.Status.Base == domain.StateSentToSolicitor || m.Deal.Status.Base == domain.StateSolicitorApproved {
		return false
	}
	return true
}

// CheckSLA fires the SLA_OVERDUE transition when the deadline has passed and
// the deal still waits on the buyer signature. It reports whether the alert
// transition ran.
func (m Machine) CheckSLA(now *time.Time, source string) bool {
	if m.Deal.SLADeadline == nil {
		return false
	}
	current := m.at(now)
	if current.Before(*m.Deal.SLADeadline) {
		return false
	}
	switch m.Deal.Status.Base {
	case domain.StateBuyerSigned, domain.StateExecuted:
		return false
	case domain.StateDocuSignReleaseRequested, domain.StateDocuSignReleased:
	default:
		return false
	}
	return m.Transition(domain.EventSLAOverdue, source, &current, TransitionContext{})
}

// resolveNext applies the deal's current version to versioned contract
// states, falling back to the base name past the labeled range.
func (m Machine) resolveNext(next domain.BaseState) domain.State {
	v := m.Deal.CurrentVersion
	if v > 0 && v <= domain.MaxLabeledVersion && domain.VersionedBase(next) {
		return domain.State{Base: next, Version: v}
	}
	return domain.State{Base: next}
}

func (m Machine) preTransition(event string, at time.Time, ctx TransitionContext) map[string]any {
	switch event {
	case domain.EventContractFromVendor:
		return m.receiveContract(at, ctx)
	case domain.EventValidationPassed, domain.EventValidationFailed:
		m.recordValidation(event, at, ctx)
	case domain.EventSolicitorApproved:
		if ctx.AppointmentAt == "" {
			return nil
		}
		appointment, err := domain.ParseTime(ctx.AppointmentAt)
		if err != nil {
			return nil
		}
		deadline := m.slaDeadline(appointment)
		m.Deal.SolicitorAppointment = &appointment
		m.Deal.SLADeadline = &deadline
	case domain.EventDocuSignBuyerSigned:
		m.Deal.SLADeadline = nil
	}
	return nil
}

func (m Machine) postTransition(event string, at time.Time, ctx TransitionContext) {
	if event != domain.EventValidationPassed {
		return
	}
	if !m.autoSend(ctx) || !m.CanSendToSolicitor(0) {
		return
	}
	m.Transition(domain.EventSolicitorEmailSent, "system", &at, TransitionContext{})
}

func (m Machine) autoSend(ctx TransitionContext) bool {
	if ctx.AutoSendToSolicitor != nil {
		return *ctx.AutoSendToSolicitor
	}
	switch m.AutoSend {
	case AutoSendAlways:
		return true
	case AutoSendNever:
		return false
	default:
		return ctx.Comparison != nil && ctx.Comparison.ShouldSendToSolicitor
	}
}

// receiveContract registers a new contract revision, supersedes older ones
// and returns the version bookkeeping recorded on the success event.
func (m Machine) receiveContract(at time.Time, ctx TransitionContext) map[string]any {
	version := m.determineVersion(ctx.Version)
	m.supersede(version, at)
	m.Deal.CurrentVersion = version

	if m.Deal.Contracts == nil {
		m.Deal.Contracts = map[int]*domain.ContractRecord{}
	}
	m.Deal.Contracts[version] = &domain.ContractRecord{
		Version:    version,
		Filename:   ctx.Filename,
		Status:     domain.ContractStatusReceived,
		ReceivedAt: at,
		Mismatches: []domain.Mismatch{},
	}

	extra := map[string]any{"contract_version": version}
	if ctx.Version == nil || *ctx.Version != version {
		extra["version_auto_assigned"] = true
		if ctx.Version != nil {
			extra["version_requested"] = *ctx.Version
		}
	}
	return extra
}

// determineVersion picks the revision for an arriving contract. Requests
// below the highest known revision are treated as stale and bumped past it;
// requesting the current highest re-receives that revision.
func (m Machine) determineVersion(requested *int) int {
	existingMax := m.Deal.MaxContractVersion()
	if requested == nil {
		return existingMax + 1
	}
	if *requested <= 0 || *requested < existingMax {
		return existingMax + 1
	}
	return *requested
}

func (m Machine) supersede(newVersion int, at time.Time) {
	if newVersion <= 0 {
		return
	}
	for _, v := range m.Deal.ContractVersions() {
		record := m.Deal.Contracts[v]
		if v >= newVersion {
			continue
		}
		if record.Status == domain.ContractStatusSuperseded || record.Status == domain.ContractStatusExecuted {
			continue
		}
		record.Status = domain.ContractStatusSuperseded
		m.logEvent(domain.EventContractSuperseded, "system", at, nil, nil, map[string]any{
			"version": v,
			"reason":  fmt.Sprintf("Superseded by V%d", newVersion),
		}, true, "")
	}
}

// recordValidation writes the verdict onto the current contract record. A
// verdict for a version that was never received is dropped.
func (m Machine) recordValidation(event string, at time.Time, ctx TransitionContext) {
	record := m.Deal.Contracts[m.Deal.CurrentVersion]
	if record == nil {
		return
	}

	passed := event == domain.EventValidationPassed
	record.IsValid = &passed
	record.Mismatches = []domain.Mismatch{}
	if ctx.Comparison != nil {
		if len(ctx.Comparison.Mismatches) > 0 {
			record.Mismatches = ctx.Comparison.Mismatches
		}
		if ctx.Comparison.RiskScore != "" {
			record.RiskScore = ctx.Comparison.RiskScore
		}
	}
	validatedAt := at
	record.ValidatedAt = &validatedAt
	if passed {
		record.Status = domain.ContractStatusValidatedOK
	} else {
		record.Status = domain.ContractStatusDiscrepancies
	}
}

func (m Machine) logEvent(eventType, source string, at time.Time, oldState, newState *string, md map[string]any, success bool, reason string) {
	if md == nil {
		md = map[string]any{}
	}
	m.Deal.AppendEvent(domain.DealEvent{
		EventType: eventType,
		Timestamp: at,
		Source:    source,
		OldState:  oldState,
		NewState:  newState,
		Metadata:  md,
		Success:   success,
		Reason:    reason,
	})
}

func transitionMetadata(ctx TransitionContext) map[string]any {
	md := map[string]any{}
	for k, v := range ctx.Metadata {
		md[k] = v
	}
	if ctx.Version != nil {
		md["contract_version"] = *ctx.Version
	}
	if ctx.Filename != "" {
		md["contract_filename"] = ctx.Filename
	}
	if ctx.AppointmentAt != "" {
		md["appointment_datetime"] = ctx.AppointmentAt
	}
	if ctx.Comparison != nil {
		md["comparison_result"] = ctx.Comparison
	}
	if ctx.AutoSendToSolicitor != nil {
		md["auto_send_to_solicitor"] = *ctx.AutoSendToSolicitor
	}
	return md
}

func statePtr(s domain.State) *string {
	v := s.String()
	return &v
}

// slaDeadline returns the buyer signature deadline for a solicitor
// appointment: offset days later at the check hour, in the appointment's
// timezone.
func (m Machine) slaDeadline(appointment time.Time) time.Time {
	days := m.SLAOffsetDays
	if days <= 0 {
		days = 2
	}
	hour := m.SLACheckHour
	if hour <= 0 || hour > 23 {
		hour = 9
	}
	d := appointment.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, d.Location())
}

// ComputeSLADeadline applies the default deadline rule, two days later at
// 09:00.
func ComputeSLADeadline(appointment time.Time) time.Time {
	return Machine{}.slaDeadline(appointment)
}

var versionDigitsRe = regexp.MustCompile(`\d+`)

// ParseContractVersion extracts the numeric revision from classifier values
// like "V2" or "2". Nil means no usable number, leaving assignment to the
// deal's history.
func ParseContractVersion(raw string) *int {
	m := versionDigitsRe.FindString(raw)
	if m == "" {
		return nil
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &v
}
