package domain_test

import (
	"strings"
	"testing"
	"time"

	"dealflow/internal/domain"
)

func TestStateStringAndParseRoundTrip(t *testing.T) {
	names := []string{
		"EOI_RECEIVED",
		"CONTRACT_V1_RECEIVED",
		"CONTRACT_V2_VALIDATED_OK",
		"CONTRACT_V2_HAS_DISCREPANCIES",
		"CONTRACT_RECEIVED",
		"SENT_TO_SOLICITOR",
		"SLA_OVERDUE_ALERT_SENT",
		"EXECUTED",
	}
	for _, name := range names {
		st, err := domain.ParseState(name)
		if err != nil {
			t.Errorf("ParseState(%q): %v", name, err)
			continue
		}
		if got := st.String(); got != name {
			t.Errorf("round trip %q -> %q", name, got)
		}
	}
}

func TestStateStringPastLabeledRange(t *testing.T) {
	st := domain.State{Base: domain.StateContractReceived, Version: 3}
	if got := st.String(); got != "CONTRACT_RECEIVED" {
		t.Fatalf("v3 renders %q", got)
	}
	st = domain.State{Base: domain.StateSentToSolicitor, Version: 1}
	if got := st.String(); got != "SENT_TO_SOLICITOR" {
		t.Fatalf("non-versioned base renders %q", got)
	}
}

func TestParseStateRejectsUnknown(t *testing.T) {
	for _, name := range []string{
		"CONTRACT_V3_RECEIVED",
		"CONTRACT_V0_RECEIVED",
		"NOT_A_STATE",
		"",
		"contract_v1_received",
	} {
		if _, err := domain.ParseState(name); err == nil {
			t.Errorf("ParseState(%q) accepted", name)
		}
	}
}

func TestStateTextMarshalling(t *testing.T) {
	st := domain.State{Base: domain.StateContractValidatedOK, Version: 2}
	b, err := st.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back domain.State
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != st {
		t.Fatalf("round trip %+v -> %+v", st, back)
	}
}

func TestNewDealID(t *testing.T) {
	cases := []struct {
		lot, address, want string
	}{
		{"95", "Fake Rise VIC 3336", "LOT95_FAKE_RISE_VIC_3336"},
		{"Lot 12", "8 Sample Court, Sunbury VIC 3429", "LOT12_8_SAMPLE_COURT_SUNBURY_VIC_3429"},
		{"7", "  spaced  out  ", "LOT7_SPACED_OUT"},
	}
	for _, tc := range cases {
		if got := domain.NewDealID(tc.lot, tc.address); got != tc.want {
			t.Errorf("NewDealID(%q, %q) = %q, want %q", tc.lot, tc.address, got, tc.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	got, err := domain.ParseTime("2025-01-16T11:30:00+11:00")
	if err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if got.Hour() != 11 || got.Minute() != 30 {
		t.Fatalf("parsed %v", got)
	}

	bare, err := domain.ParseTime("2025-01-16T11:30:00")
	if err != nil {
		t.Fatalf("bare: %v", err)
	}
	if !bare.Equal(time.Date(2025, 1, 16, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("bare parsed %v", bare)
	}

	if _, err := domain.ParseTime("next thursday"); err == nil || !strings.Contains(err.Error(), "invalid timestamp") {
		t.Fatalf("err = %v", err)
	}
}

func TestCanonicalString(t *testing.T) {
	fields := map[string]any{
		"property":  map[string]any{"lot_number": "95"},
		"pricing":   map[string]any{"total_price": 447250},
		"solicitor": map[string]any{"email": "tessa@harpercole-legal.com.au"},
	}
	if got := domain.CanonicalString(fields, "property.lot_number"); got != "95" {
		t.Fatalf("lot = %q", got)
	}
	if got := domain.CanonicalString(fields, "pricing.total_price"); got != "447250" {
		t.Fatalf("price = %q", got)
	}
	if got := domain.CanonicalString(fields, "vendor.email"); got != "" {
		t.Fatalf("missing path = %q", got)
	}
	if got := domain.CanonicalString(fields, "property.lot_number.digit"); got != "" {
		t.Fatalf("non-map segment = %q", got)
	}
}

func TestMaxContractVersion(t *testing.T) {
	d := &domain.Deal{Contracts: map[int]*domain.ContractRecord{}}
	if got := d.MaxContractVersion(); got != 0 {
		t.Fatalf("empty = %d", got)
	}
	d.Contracts[1] = &domain.ContractRecord{Version: 1}
	d.Contracts[3] = &domain.ContractRecord{Version: 3}
	if got := d.MaxContractVersion(); got != 3 {
		t.Fatalf("max = %d", got)
	}
	if vs := d.ContractVersions(); len(vs) != 2 || vs[0] != 1 || vs[1] != 3 {
		t.Fatalf("versions = %v", vs)
	}
}

func TestParseContractStatus(t *testing.T) {
	for _, s := range []string{"RECEIVED", "VALIDATED_OK", "HAS_DISCREPANCIES", "SUPERSEDED", "EXECUTED"} {
		if _, err := domain.ParseContractStatus(s); err != nil {
			t.Errorf("ParseContractStatus(%q): %v", s, err)
		}
	}
	if _, err := domain.ParseContractStatus("LOST"); err == nil {
		t.Error("unknown status accepted")
	}
}
