package classify

import (
	"regexp"
	"strings"

	"dealflow/internal/domain"
	"dealflow/internal/mailparse"
)

var (
	lotRe = regexp.MustCompile(`(?i)Lot\s*#?\s*(\d+)`)

	addressRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:Lot\s*\d+[,\s\-]+)?([A-Z][A-Za-z\s]+(?:VIC|NSW|QLD|SA|WA|TAS|NT|ACT)\s*\d{4})`),
		regexp.MustCompile(`(?i)Property:\s*(.+?(?:VIC|NSW|QLD|SA|WA|TAS|NT|ACT)\s*\d{4})`),
	}
	addressTrimRe = regexp.MustCompile(`^[\s\-,]+`)

	// Purchaser patterns are case sensitive on purpose: names are the only
	// capitalized tokens worth trusting here.
	purchaserRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:clients?|purchasers?|buyers?)\s+([A-Z][a-z]+(?:\s*&\s*|\s+and\s+)[A-Z][a-z]+\s+[A-Z][a-z]+)`),
		regexp.MustCompile(`for\s+([A-Z][a-z]+(?:\s*&\s*|\s+and\s+)[A-Z][a-z]+\s+[A-Z][a-z]+)`),
	}
	fullNameRe   = regexp.MustCompile(`^([A-Z][a-z]+)\s+([A-Z][a-z]+)`)
	singleNameRe = regexp.MustCompile(`^([A-Z][a-z]+)$`)

	appointmentRe = regexp.MustCompile(`(?i)((?:Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday)\s+at\s+\d{1,2}:?\d{0,2}\s*(?:am|pm)?)`)

	versionSuffixRe = regexp.MustCompile(`(?i)_V(\d+)`)
	versionWordRe   = regexp.MustCompile(`(?i)VERSION[\s_]*(\d+)`)
)

func extractMetadata(msg *mailparse.Message, eventType string) map[string]any {
	md := map[string]any{}
	text := msg.Subject + " " + msg.Body

	if lot := LotNumber(text); lot != "" {
		md["lot_number"] = lot
	}
	if addr := PropertyAddress(text); addr != "" {
		md["property_address"] = addr
	}
	if names := PurchaserNames(text); len(names) > 0 {
		md["purchaser_names"] = names
	}
	if eventType == domain.EventSolicitorApproved {
		if phrase := AppointmentPhrase(msg.Body); phrase != "" {
			md["appointment_phrase"] = phrase
		}
	}
	if eventType == domain.EventContractFromVendor {
		if v := ContractVersionLabel(msg.Attachments); v != "" {
			md["contract_version"] = v
		}
	}
	return md
}

// LotNumber pulls the lot number out of free text.
func LotNumber(text string) string {
	if m := lotRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// PropertyAddress finds an Australian state-and-postcode address in free text.
func PropertyAddress(text string) string {
	for _, re := range addressRes {
		if m := re.FindStringSubmatch(text); m != nil {
			addr := strings.TrimSpace(m[1])
			return addressTrimRe.ReplaceAllString(addr, "")
		}
	}
	return ""
}

// PurchaserNames extracts buyer names, expanding shared surnames so that
// "John & Jane Smith" yields both full names.
func PurchaserNames(text string) []string {
	var names []string
	for _, re := range purchaserRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			names = appendNames(names, m[1])
		}
	}
	return names
}

func appendNames(names []string, match string) []string {
	var parts []string
	switch {
	case strings.Contains(match, "&"):
		parts = strings.Split(match, "&")
	case strings.Contains(match, " and "):
		parts = strings.Split(match, " and ")
	default:
		parts = []string{match}
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if len(parts) == 2 {
		second := fullNameRe.FindStringSubmatch(parts[1])
		if second != nil {
			surname := second[2]
			if singleNameRe.MatchString(parts[0]) {
				names = appendUnique(names, parts[0]+" "+surname)
			} else if first := fullNameRe.FindStringSubmatch(parts[0]); first != nil {
				names = appendUnique(names, first[1]+" "+first[2])
			}
			names = appendUnique(names, second[1]+" "+second[2])
		}
		return names
	}
	for _, part := range parts {
		if m := fullNameRe.FindStringSubmatch(part); m != nil {
			names = appendUnique(names, m[1]+" "+m[2])
		}
	}
	return names
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

// AppointmentPhrase finds a "<weekday> at <time>" phrase in the body.
func AppointmentPhrase(body string) string {
	if m := appointmentRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ContractVersionLabel reads a version label like "V2" off attachment names.
func ContractVersionLabel(attachments []string) string {
	for _, name := range attachments {
		if m := versionSuffixRe.FindStringSubmatch(name); m != nil {
			return "V" + m[1]
		}
		if m := versionWordRe.FindStringSubmatch(name); m != nil {
			return "V" + m[1]
		}
	}
	return ""
}
