package engine

import (
	"reflect"
	"testing"
	"time"

	"dealflow/internal/domain"
)

func machineClock() time.Time {
	return time.Date(2025, 1, 12, 3, 0, 0, 0, time.UTC)
}

func newMachine(status domain.State) Machine {
	return Machine{
		Deal: &domain.Deal{
			DealID:    "LOT95_FAKE_RISE_VIC_3336",
			Status:    status,
			Canonical: map[string]any{},
			Contracts: map[int]*domain.ContractRecord{},
		},
		Now: machineClock,
	}
}

func TestNormalizeEvent(t *testing.T) {
	cases := map[string]string{
		"CONTRACT_TO_SOLICITOR": "SOLICITOR_EMAIL_SENT",
		"DISCREPANCY_ALERT":     "DISCREPANCY_ALERT_SENT",
		"CONTRACT_FROM_VENDOR":  "CONTRACT_FROM_VENDOR",
		"NOT_AN_EVENT":          "NOT_AN_EVENT",
	}
	for in, want := range cases {
		if got := NormalizeEvent(in); got != want {
			t.Errorf("NormalizeEvent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetermineVersion(t *testing.T) {
	m := newMachine(domain.State{Base: domain.StateEOIReceived})
	if got := m.determineVersion(nil); got != 1 {
		t.Fatalf("first contract = %d", got)
	}

	m.Deal.Contracts[1] = &domain.ContractRecord{Version: 1}
	m.Deal.Contracts[2] = &domain.ContractRecord{Version: 2}
	if got := m.determineVersion(nil); got != 3 {
		t.Fatalf("auto after v2 = %d", got)
	}
	one := 1
	if got := m.determineVersion(&one); got != 3 {
		t.Fatalf("stale request = %d", got)
	}
	zero := 0
	if got := m.determineVersion(&zero); got != 3 {
		t.Fatalf("zero request = %d", got)
	}
	four := 4
	if got := m.determineVersion(&four); got != 4 {
		t.Fatalf("forward request = %d", got)
	}
}

func TestResolveNextVersionedStates(t *testing.T) {
	m := newMachine(domain.State{Base: domain.StateContractReceived, Version: 1})
	m.Deal.CurrentVersion = 1
	if got := m.resolveNext(domain.StateContractValidatedOK).String(); got != "CONTRACT_V1_VALIDATED_OK" {
		t.Fatalf("v1 = %q", got)
	}

	m.Deal.CurrentVersion = 2
	if got := m.resolveNext(domain.StateContractHasDiscrepancies).String(); got != "CONTRACT_V2_HAS_DISCREPANCIES" {
		t.Fatalf("v2 = %q", got)
	}

	// Past the labeled range and on non-versioned bases the bare name wins.
	m.Deal.CurrentVersion = 3
	if got := m.resolveNext(domain.StateContractReceived).String(); got != "CONTRACT_RECEIVED" {
		t.Fatalf("v3 = %q", got)
	}
	m.Deal.CurrentVersion = 1
	if got := m.resolveNext(domain.StateSentToSolicitor).String(); got != "SENT_TO_SOLICITOR" {
		t.Fatalf("non-versioned = %q", got)
	}
}

func TestAllowedEventsSorted(t *testing.T) {
	m := newMachine(domain.State{Base: domain.StateContractReceived, Version: 1})
	want := []string{
		"CONTRACT_FROM_VENDOR",
		"HUMAN_REVIEW_NEEDED",
		"VALIDATION_FAILED",
		"VALIDATION_PASSED",
	}
	if got := m.AllowedEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("AllowedEvents = %v, want %v", got, want)
	}

	terminal := newMachine(domain.State{Base: domain.StateExecuted})
	if got := terminal.AllowedEvents(); len(got) != 0 {
		t.Fatalf("EXECUTED should accept nothing, got %v", got)
	}
}

func TestCanSendToSolicitor(t *testing.T) {
	valid := true
	m := newMachine(domain.State{Base: domain.StateContractValidatedOK, Version: 1})
	if m.CanSendToSolicitor(0) {
		t.Fatal("no contracts yet")
	}

	m.Deal.CurrentVersion = 1
	m.Deal.Contracts[1] = &domain.ContractRecord{
		Version: 1,
		Status:  domain.ContractStatusValidatedOK,
		IsValid: &valid,
	}
	if !m.CanSendToSolicitor(0) {
		t.Fatal("clean latest revision should qualify")
	}

	// A newer revision disqualifies the older one.
	m.Deal.Contracts[2] = &domain.ContractRecord{Version: 2, Status: domain.ContractStatusReceived}
	if m.CanSendToSolicitor(1) {
		t.Fatal("superseded revision must not go out")
	}

	invalid := false
	m.Deal.Contracts[2].Status = domain.ContractStatusValidatedOK
	m.Deal.Contracts[2].IsValid = &invalid
	m.Deal.CurrentVersion = 2
	if m.CanSendToSolicitor(0) {
		t.Fatal("failed validation must not go out")
	}

	m.Deal.Contracts[2].IsValid = &valid
	m.Deal.Status = domain.State{Base: domain.StateSentToSolicitor}
	if m.CanSendToSolicitor(0) {
		t.Fatal("already with the solicitor")
	}
}

func TestTransitionRejectsUnknownEvent(t *testing.T) {
	m := newMachine(domain.State{Base: domain.StateEOIReceived})
	if m.Transition("DOCUSIGN_EXECUTED", "test", nil, TransitionContext{}) {
		t.Fatal("expected rejection")
	}
	if got := m.Deal.Status.String(); got != "EOI_RECEIVED" {
		t.Fatalf("state changed on rejection: %q", got)
	}
	last := m.Deal.Events[len(m.Deal.Events)-1]
	if last.Success || last.Reason != "Invalid transition" {
		t.Fatalf("rejection not logged: %+v", last)
	}
}

func TestReceiveContractSupersedesOlder(t *testing.T) {
	m := newMachine(domain.State{Base: domain.StateEOIReceived})
	if !m.Transition(domain.EventContractFromVendor, "test", nil, TransitionContext{Filename: "Contract_V1.pdf"}) {
		t.Fatal("v1 arrival rejected")
	}
	if !m.Transition(domain.EventContractFromVendor, "test", nil, TransitionContext{Filename: "Contract_V2.pdf"}) {
		t.Fatal("v2 arrival rejected")
	}

	if m.Deal.Contracts[1].Status != domain.ContractStatusSuperseded {
		t.Fatalf("v1 = %v", m.Deal.Contracts[1].Status)
	}
	if m.Deal.Contracts[2].Status != domain.ContractStatusReceived {
		t.Fatalf("v2 = %v", m.Deal.Contracts[2].Status)
	}

	var note *domain.DealEvent
	for i := range m.Deal.Events {
		if m.Deal.Events[i].EventType == domain.EventContractSuperseded {
			note = &m.Deal.Events[i]
		}
	}
	if note == nil || note.Source != "system" {
		t.Fatalf("supersede note wrong: %+v", note)
	}
	if got := note.Metadata["reason"]; got != "Superseded by V2" {
		t.Fatalf("supersede reason = %v", got)
	}
}

func TestCheckSLAWindows(t *testing.T) {
	deadline := time.Date(2025, 1, 18, 9, 0, 0, 0, time.UTC)

	m := newMachine(domain.State{Base: domain.StateDocuSignReleased})
	if m.CheckSLA(&deadline, "sla_monitor") {
		t.Fatal("no deadline armed")
	}

	m.Deal.SLADeadline = &deadline
	early := deadline.Add(-time.Minute)
	if m.CheckSLA(&early, "sla_monitor") {
		t.Fatal("fired before the deadline")
	}
	if !m.CheckSLA(&deadline, "sla_monitor") {
		t.Fatal("deadline reached, should fire")
	}
	if got := m.Deal.Status.String(); got != "SLA_OVERDUE_ALERT_SENT" {
		t.Fatalf("state = %q", got)
	}

	// Once signed, a stale deadline never fires.
	signed := newMachine(domain.State{Base: domain.StateBuyerSigned})
	signed.Deal.SLADeadline = &deadline
	late := deadline.Add(time.Hour)
	if signed.CheckSLA(&late, "sla_monitor") {
		t.Fatal("fired after buyer signature")
	}
}

func TestComputeSLADeadline(t *testing.T) {
	loc := time.FixedZone("AEDT", 11*3600)
	appointment := time.Date(2025, 1, 16, 11, 30, 0, 0, loc)
	got := ComputeSLADeadline(appointment)
	want := time.Date(2025, 1, 18, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("deadline = %v, want %v", got, want)
	}
}

func TestParseContractVersion(t *testing.T) {
	two := 2
	cases := []struct {
		in   string
		want *int
	}{
		{"V2", &two},
		{"2", &two},
		{"version 2", &two},
		{"final", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := ParseContractVersion(tc.in)
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("ParseContractVersion(%q) = %d, want nil", tc.in, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Errorf("ParseContractVersion(%q) = %v, want %d", tc.in, got, *tc.want)
		}
	}
}

func TestAutoSendPolicy(t *testing.T) {
	yes, no := true, false
	clean := &domain.ComparisonResult{IsValid: true, ShouldSendToSolicitor: true}
	dirty := &domain.ComparisonResult{IsValid: false}

	m := newMachine(domain.State{Base: domain.StateContractReceived})
	if !m.autoSend(TransitionContext{Comparison: clean}) {
		t.Fatal("comparator policy should follow a clean verdict")
	}
	if m.autoSend(TransitionContext{Comparison: dirty}) {
		t.Fatal("comparator policy should hold a dirty verdict")
	}
	if m.autoSend(TransitionContext{}) {
		t.Fatal("no comparison, nothing to trust")
	}

	if m.autoSend(TransitionContext{Comparison: clean, AutoSendToSolicitor: &no}) {
		t.Fatal("explicit hold must win")
	}
	if !m.autoSend(TransitionContext{Comparison: dirty, AutoSendToSolicitor: &yes}) {
		t.Fatal("explicit send must win")
	}

	m.AutoSend = AutoSendAlways
	if !m.autoSend(TransitionContext{}) {
		t.Fatal("always policy ignores the verdict")
	}
	m.AutoSend = AutoSendNever
	if m.autoSend(TransitionContext{Comparison: clean}) {
		t.Fatal("never policy ignores the verdict")
	}
}
