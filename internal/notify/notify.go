// Package notify assembles the outbound email drafts the workflow produces.
//
// Drafts are deterministic: fixed header shapes, fixed subject formats and
// plain-text bodies built from deal facts. Nothing here sends mail; callers
// render drafts for operators or hand them to a delivery system.
package notify

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dealflow/internal/domain"
)

// Draft kinds, also used as the {kind} segment of the drafts API route.
const (
	KindContractToSolicitor = "CONTRACT_TO_SOLICITOR"
	KindVendorRelease       = "VENDOR_RELEASE_REQUEST"
	KindDiscrepancyAlert    = "DISCREPANCY_ALERT"
	KindSLAOverdue          = "SLA_OVERDUE_ALERT"
)

// Draft is an assembled outbound notification.
type Draft struct {
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Cc          []string  `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Render returns the plain-text form: headers, a blank line, the body, and a
// trailing Attachment line when files ride along.
func (d Draft) Render() string {
	lines := []string{
		"From: " + d.From,
		"To: " + strings.Join(d.To, ", "),
	}
	if len(d.Cc) > 0 {
		lines = append(lines, "Cc: "+strings.Join(d.Cc, ", "))
	}
	if d.Subject != "" {
		lines = append(lines, "Subject: "+d.Subject)
	}
	text := strings.Join(lines, "\n") + "\n\n" + strings.TrimSpace(d.Body)
	if len(d.Attachments) > 0 {
		text += "\n\nAttachment: " + strings.Join(d.Attachments, ", ")
	}
	return strings.TrimSpace(text) + "\n"
}

// Params carries the deal facts a draft is assembled from. Zero values are
// tolerated everywhere; builders degrade to generic phrasing rather than
// failing.
type Params struct {
	LotNumber      string
	Address        string
	PurchaserNames []string

	SolicitorName  string
	SolicitorEmail string
	VendorName     string
	VendorEmail    string

	ContractFilename string

	// SLA overdue facts, already formatted for humans.
	AppointmentAt string
	Deadline      string
	Overdue       string

	// Sender identity, normally from the notify config section.
	Company     string
	SupportAddr string
	SystemAddr  string

	Now time.Time
}

func (p Params) company() string {
	if p.Company != "" {
		return p.Company
	}
	return "OneCorp"
}

func (p Params) support() string {
	if p.SupportAddr != "" {
		return p.SupportAddr
	}
	return "support@onecorpaustralia.com.au"
}

func (p Params) system() string {
	if p.SystemAddr != "" {
		return p.SystemAddr
	}
	return "system@onecorpaustralia.com.au"
}

func (p Params) generatedAt() time.Time {
	if !p.Now.IsZero() {
		return p.Now
	}
	return time.Now().UTC()
}

// fullProperty is "Lot <n> <address>", dropping whichever part is missing.
func (p Params) fullProperty() string {
	parts := make([]string, 0, 2)
	if lot := strings.TrimSpace(p.LotNumber); lot != "" {
		parts = append(parts, "Lot "+lot)
	}
	if addr := strings.TrimSpace(p.Address); addr != "" {
		parts = append(parts, addr)
	}
	return strings.Join(parts, " ")
}

func (p Params) purchasers() string {
	return strings.Join(p.PurchaserNames, " & ")
}

func (p Params) filename() string {
	if p.ContractFilename != "" {
		return p.ContractFilename
	}
	return "contract.pdf"
}

func recipients(addr string) []string {
	if addr == "" {
		return []string{}
	}
	return []string{addr}
}

func greeting(name string) string {
	if name == "" {
		return "Hi,"
	}
	return "Hi " + name + ","
}

// ContractToSolicitor asks the solicitor to review an attached contract.
func ContractToSolicitor(p Params) Draft {
	prop := p.fullProperty()
	body := fmt.Sprintf(
		"%s\n\nPlease find attached the contract for %s for your review (%s).\n\nLet us know if you have any questions.\n\nKind regards,\n%s",
		greeting(p.SolicitorName), p.purchasers(), prop, p.company())
	return Draft{
		Kind:        KindContractToSolicitor,
		From:        p.support(),
		To:          recipients(p.SolicitorEmail),
		Subject:     strings.Trim(fmt.Sprintf("Contract for Review – %s – %s", p.purchasers(), prop), " –"),
		Body:        body,
		Attachments: []string{p.filename()},
		GeneratedAt: p.generatedAt(),
	}
}

// VendorRelease asks the vendor to release the approved contract on DocuSign.
func VendorRelease(p Params) Draft {
	prop := p.fullProperty()
	body := fmt.Sprintf(
		"%s\n\nThe solicitor has approved the contract for %s (%s).\nCould you please release the contract via DocuSign for purchaser signing?\n\nThanks,\n%s",
		greeting(p.VendorName), p.purchasers(), prop, p.company())
	return Draft{
		Kind:        KindVendorRelease,
		From:        p.support(),
		To:          recipients(p.VendorEmail),
		Subject:     strings.TrimSpace("RE: Contract Request: " + prop),
		Body:        body,
		GeneratedAt: p.generatedAt(),
	}
}

// DiscrepancyAlert reports comparison mismatches to the internal team.
func DiscrepancyAlert(p Params, cmp *domain.ComparisonResult) Draft {
	prop := p.fullProperty()
	filename := p.ContractFilename
	if cmp != nil && cmp.SourceFile != "" {
		filename = cmp.SourceFile
	}
	if filename == "" {
		filename = "contract.pdf"
	}

	lines := []string{
		"Discrepancy detected between EOI and contract.",
		"Property: " + prop,
		"Contract file: " + filename,
		"",
		"Mismatches:",
	}
	if cmp != nil {
		for _, m := range cmp.Mismatches {
			lines = append(lines, fmt.Sprintf("- %s: EOI '%s' vs Contract '%s' (Severity: %s)",
				m.FieldDisplay, valueText(m.EOIFormatted, m.EOIValue), valueText(m.ContractFormatted, m.ContractValue), m.Severity))
		}
		if cmp.RiskScore != "" && cmp.RiskScore != domain.RiskNone {
			lines = append(lines, "", "Risk score: "+cmp.RiskScore)
		}
		if cmp.AmendmentRecommendation != "" {
			lines = append(lines, "Recommendation: "+cmp.AmendmentRecommendation)
		}
	}
	lines = append(lines, "", "Please review and request amendments if required.")

	return Draft{
		Kind:        KindDiscrepancyAlert,
		From:        p.system(),
		To:          []string{p.support()},
		Subject:     strings.TrimSpace("Discrepancy Alert – " + prop),
		Body:        strings.Join(lines, "\n"),
		GeneratedAt: p.generatedAt(),
	}
}

// SLAOverdue escalates a missed buyer-signature deadline to the internal team.
func SLAOverdue(p Params) Draft {
	prop := p.fullProperty()
	lines := []string{
		"SLA overdue for buyer DocuSign signature.",
		"Property: " + prop,
		"Purchasers: " + p.purchasers(),
	}
	if p.SolicitorName != "" || p.SolicitorEmail != "" {
		name := p.SolicitorName
		if name == "" {
			name = "Unknown"
		}
		line := "Solicitor: " + name
		if p.SolicitorEmail != "" {
			line += " (" + p.SolicitorEmail + ")"
		}
		lines = append(lines, line)
	}
	lines = append(lines,
		"Signing appointment: "+p.AppointmentAt,
		"SLA deadline: "+p.Deadline,
		"Time overdue: "+p.Overdue,
		"",
		"Recommended action:",
		"1. Contact solicitor to confirm appointment occurred.",
		"2. Contact purchasers to check for signing issues.",
		"3. Verify DocuSign envelope status.",
	)

	return Draft{
		Kind:        KindSLAOverdue,
		From:        p.system(),
		To:          []string{p.support()},
		Subject:     strings.TrimSpace("SLA Overdue – Buyer Signature Required – " + prop),
		Body:        strings.Join(lines, "\n"),
		GeneratedAt: p.generatedAt(),
	}
}

// FormatAppointment renders an appointment the way the alerts phrase one,
// e.g. "Thursday, 16 January 2025 at 11:30AM".
func FormatAppointment(t time.Time) string {
	return t.Format("Monday, 02 January 2006 at 03:04PM")
}

// FormatOverdue renders the gap between deadline and now in whole hours.
func FormatOverdue(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	if hours < 1 {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	return fmt.Sprintf("%d hours", hours)
}

func valueText(formatted string, raw any) string {
	if formatted != "" {
		return formatted
	}
	switch x := raw.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
