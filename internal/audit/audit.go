// Package audit compares contract field documents against the EOI baseline.
//
// The comparison is deterministic: a fixed set of dotted field paths is
// checked with per-kind matching rules, each mismatch carries a severity and
// a rationale, and the overall verdict drives the next workflow action. When
// the inputs themselves look unreliable the verdict is downgraded to a
// human-review request instead of a hard pass or fail.
package audit

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"

	"dealflow/internal/domain"
)

// comparableFields lists every dotted path checked between EOI and contract.
var comparableFields = []string{
	"property.lot_number",
	"property.address",
	"pricing.total_price",
	"pricing.land_price",
	"pricing.build_price",
	"pricing.tenancy_split",
	"finance.is_subject_to_finance",
	"finance.terms",
	"purchaser_1.first_name",
	"purchaser_1.last_name",
	"purchaser_1.email",
	"purchaser_1.mobile",
	"purchaser_2.first_name",
	"purchaser_2.last_name",
	"purchaser_2.email",
	"purchaser_2.mobile",
	"solicitor.firm_name",
	"solicitor.contact_name",
	"solicitor.email",
	"solicitor.phone",
	"deposits.eoi_deposit",
	"deposits.build_deposit",
	"deposits.balance_deposit",
	"deposits.total_deposit",
}

var severityByField = map[string]string{
	"property.lot_number":           domain.SeverityHigh,
	"property.address":              domain.SeverityHigh,
	"pricing.total_price":           domain.SeverityHigh,
	"finance.is_subject_to_finance": domain.SeverityHigh,
	"purchaser_1.first_name":        domain.SeverityHigh,
	"purchaser_1.last_name":         domain.SeverityHigh,
	"purchaser_2.first_name":        domain.SeverityHigh,
	"purchaser_2.last_name":         domain.SeverityHigh,
	"pricing.build_price":           domain.SeverityMedium,
	"pricing.land_price":            domain.SeverityMedium,
	"pricing.tenancy_split":         domain.SeverityMedium,
	"deposits.eoi_deposit":          domain.SeverityMedium,
	"deposits.build_deposit":        domain.SeverityMedium,
	"deposits.balance_deposit":      domain.SeverityMedium,
	"deposits.total_deposit":        domain.SeverityMedium,
	"purchaser_1.email":             domain.SeverityLow,
	"purchaser_2.email":             domain.SeverityLow,
	"purchaser_1.mobile":            domain.SeverityLow,
	"purchaser_2.mobile":            domain.SeverityLow,
	"solicitor.email":               domain.SeverityLow,
	"solicitor.phone":               domain.SeverityLow,
	"solicitor.firm_name":           domain.SeverityLow,
	"solicitor.contact_name":        domain.SeverityLow,
}

// criticalFields must be present on both sides before the deterministic
// verdict is trusted.
var criticalFields = []string{
	"purchaser_1.first_name",
	"purchaser_1.last_name",
	"purchaser_1.email",
	"purchaser_2.first_name",
	"purchaser_2.last_name",
	"purchaser_2.email",
	"property.lot_number",
	"property.address",
	"pricing.total_price",
	"finance.is_subject_to_finance",
}

var moneyFields = []string{
	"pricing.total_price",
	"pricing.land_price",
	"pricing.build_price",
	"deposits.eoi_deposit",
	"deposits.build_deposit",
	"deposits.balance_deposit",
	"deposits.total_deposit",
}

var priceDeltaFields = []string{
	"pricing.total_price",
	"pricing.build_price",
	"pricing.land_price",
}

// addressSimilarityFloor is how close two normalized addresses must be before
// a mismatch starts to look like a formatting variance rather than a real
// difference.
const addressSimilarityFloor = 0.85

// Compare checks contract fields against the EOI baseline and returns the
// full verdict. Either document may be the field map itself or wrap it under
// a "fields" key, matching the extractor output shape.
func Compare(eoi, contract map[string]any) (*domain.ComparisonResult, error) {
	eoiFields, err := fieldsOf(eoi)
	if err != nil {
		return nil, fmt.Errorf("eoi document: %w", err)
	}
	contractFields, err := fieldsOf(contract)
	if err != nil {
		return nil, fmt.Errorf("contract document: %w", err)
	}

	deltas := computeDeltas(eoiFields, contractFields)
	mismatches := make([]domain.Mismatch, 0, 4)
	for _, path := range comparableFields {
		// Free-text finance terms are covered by the boolean flag.
		if path == "finance.terms" {
			continue
		}
		ev := lookup(eoiFields, path)
		cv := lookup(contractFields, path)
		if valuesMatch(path, ev, cv) {
			continue
		}
		m := domain.Mismatch{
			Field:         path,
			FieldDisplay:  fieldDisplay(path, eoiFields),
			EOIValue:      ev,
			ContractValue: cv,
			Severity:      severityOf(path),
			Rationale:     rationaleFor(path, deltas),
		}
		if strings.HasPrefix(path, "pricing.") || strings.HasPrefix(path, "deposits.") {
			m.EOIFormatted = formatCurrency(ev)
			m.ContractFormatted = formatCurrency(cv)
		}
		if path == "finance.is_subject_to_finance" {
			m.EOIFormatted = financeFormatted(eoiFields, ev)
			m.ContractFormatted = financeFormatted(contractFields, cv)
		}
		mismatches = append(mismatches, m)
	}

	doubts := detectDoubt(eoiFields, contractFields, mismatches)
	valid := len(mismatches) == 0 && len(doubts) == 0

	res := &domain.ComparisonResult{
		ContractVersion:       versionOf(contract),
		SourceFile:            stringField(contract, "source_file"),
		ComparedAgainst:       stringField(eoi, "source_file"),
		IsValid:               valid,
		RiskScore:             riskScore(mismatches),
		MismatchCount:         len(mismatches),
		Mismatches:            mismatches,
		NextAction:            nextAction(valid, len(doubts) > 0),
		ShouldSendToSolicitor: valid,
	}
	if len(mismatches) > 0 {
		res.AmendmentRecommendation = recommendation(mismatches)
	}
	return res, nil
}

func fieldsOf(doc map[string]any) (map[string]any, error) {
	raw, ok := doc["fields"]
	if !ok {
		return doc, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("fields is not an object")
	}
	return fields, nil
}

func versionOf(doc map[string]any) string {
	if v := stringField(doc, "version"); v != "" {
		return v
	}
	return stringField(doc, "contract_version")
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func severityOf(path string) string {
	if s, ok := severityByField[path]; ok {
		return s
	}
	return domain.SeverityLow
}

// lookup walks a dotted path through nested maps; nil for anything missing.
func lookup(doc map[string]any, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func valuesMatch(path string, eoi, contract any) bool {
	if eoi == nil && contract == nil {
		return true
	}
	switch {
	case strings.HasSuffix(path, ".lot_number"):
		return strings.TrimSpace(display(eoi)) == strings.TrimSpace(display(contract))
	case isMoneyField(path):
		e, eok := asInt(eoi)
		c, cok := asInt(contract)
		return eok && cok && e == c
	case strings.HasSuffix(path, ".is_subject_to_finance"):
		return asBool(eoi) == asBool(contract)
	case strings.HasSuffix(path, ".email"):
		es, eok := eoi.(string)
		cs, cok := contract.(string)
		return eok && cok && normalizeEmail(es) == normalizeEmail(cs)
	case strings.HasSuffix(path, ".address"):
		es, eok := eoi.(string)
		cs, cok := contract.(string)
		return eok && cok && normalizeAddress(es) == normalizeAddress(cs)
	}
	if es, ok := eoi.(string); ok {
		if cs, ok := contract.(string); ok {
			return normalizeName(es) == normalizeName(cs)
		}
	}
	return display(eoi) == display(contract)
}

func isMoneyField(path string) bool {
	return strings.HasSuffix(path, ".total_price") ||
		strings.HasSuffix(path, ".land_price") ||
		strings.HasSuffix(path, ".build_price") ||
		strings.HasPrefix(path, "deposits.")
}

func computeDeltas(eoi, contract map[string]any) map[string]int64 {
	deltas := make(map[string]int64)
	for _, path := range priceDeltaFields {
		e, eok := asInt(lookup(eoi, path))
		c, cok := asInt(lookup(contract, path))
		if !eok || !cok {
			continue
		}
		d := c - e
		if d < 0 {
			d = -d
		}
		deltas[path] = d
	}
	return deltas
}

func rationaleFor(path string, deltas map[string]int64) string {
	switch path {
	case "property.lot_number":
		return "Lot number mismatch affects title registration - legally critical"
	case "pricing.total_price":
		if d, ok := deltas[path]; ok {
			return fmt.Sprintf("Price difference of %s - financially material", formatCurrency(d))
		}
		return "Total price mismatch - financially material"
	case "pricing.build_price":
		if d, ok := deltas[path]; ok {
			return fmt.Sprintf("Build price difference of %s - explains total price mismatch", formatCurrency(d))
		}
		return "Build price mismatch - may explain total price mismatch"
	case "pricing.land_price":
		if d, ok := deltas[path]; ok {
			return fmt.Sprintf("Land price difference of %s - contributes to total price mismatch", formatCurrency(d))
		}
		return "Land price mismatch - contributes to total price mismatch"
	case "finance.is_subject_to_finance":
		return "Boolean inversion of finance terms creates legal liability - purchaser may have different obligations"
	}
	if strings.HasSuffix(path, ".email") {
		return "Email address typo - may affect DocuSign delivery"
	}
	return strings.ReplaceAll(path, "_", " ") + " mismatch"
}

func fieldDisplay(path string, eoiFields map[string]any) string {
	switch path {
	case "property.lot_number":
		return "Lot Number"
	case "property.address":
		return "Property Address"
	case "pricing.total_price":
		return "Total Price"
	case "pricing.land_price":
		return "Land Price"
	case "pricing.build_price":
		return "Build Price"
	case "pricing.tenancy_split":
		return "Tenancy Split"
	case "finance.is_subject_to_finance":
		return "Finance Terms"
	}
	if strings.HasPrefix(path, "purchaser_") {
		key, sub, _ := strings.Cut(path, ".")
		label := titleWords(strings.ReplaceAll(key, "_", " "))
		if p, ok := eoiFields[key].(map[string]any); ok {
			full := strings.TrimSpace(strings.TrimSpace(display(p["first_name"])) + " " + strings.TrimSpace(display(p["last_name"])))
			if full != "" {
				label = full
			}
		}
		return label + " " + titleWords(strings.ReplaceAll(sub, "_", " "))
	}
	if strings.HasPrefix(path, "solicitor.") {
		_, sub, _ := strings.Cut(path, ".")
		return "Solicitor " + titleWords(strings.ReplaceAll(sub, "_", " "))
	}
	if strings.HasPrefix(path, "deposits.") {
		_, sub, _ := strings.Cut(path, ".")
		return titleWords(strings.ReplaceAll(sub, "_", " "))
	}
	return titleWords(strings.ReplaceAll(path, "_", " "))
}

func recommendation(mismatches []domain.Mismatch) string {
	sorted := make([]domain.Mismatch, len(mismatches))
	copy(sorted, mismatches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityRank(sorted[i].Severity) < severityRank(sorted[j].Severity)
	})

	parts := make([]string, 0, len(sorted))
	for i, m := range sorted {
		n := i + 1
		switch {
		case m.Field == "property.lot_number":
			parts = append(parts, fmt.Sprintf("(%d) Lot number from %s to %s", n, display(m.ContractValue), display(m.EOIValue)))
		case strings.HasPrefix(m.Field, "pricing."):
			parts = append(parts, fmt.Sprintf("(%d) %s from %s to %s", n, m.FieldDisplay,
				formattedOr(m.ContractFormatted, m.ContractValue), formattedOr(m.EOIFormatted, m.EOIValue)))
		case m.Field == "finance.is_subject_to_finance":
			parts = append(parts, fmt.Sprintf("(%d) Finance terms from '%s' to '%s' as per EOI", n,
				financeDisplay(asBool(m.ContractValue)), financeDisplay(asBool(m.EOIValue))))
		case strings.HasSuffix(m.Field, ".email"):
			owner, _, _ := strings.Cut(m.FieldDisplay, " Email")
			parts = append(parts, fmt.Sprintf("(%d) %s's email from %s to %s", n, owner, display(m.ContractValue), display(m.EOIValue)))
		default:
			parts = append(parts, fmt.Sprintf("(%d) %s from %s to %s", n, m.FieldDisplay, display(m.ContractValue), display(m.EOIValue)))
		}
	}
	return "Request vendor to correct: " + strings.Join(parts, ", ") + "."
}

func formattedOr(formatted string, raw any) string {
	if formatted != "" {
		return formatted
	}
	return display(raw)
}

func severityRank(severity string) int {
	switch severity {
	case domain.SeverityHigh:
		return 0
	case domain.SeverityMedium:
		return 1
	case domain.SeverityLow:
		return 2
	}
	return 3
}

func riskScore(mismatches []domain.Mismatch) string {
	if len(mismatches) == 0 {
		return domain.RiskNone
	}
	risk := domain.RiskLow
	for _, m := range mismatches {
		switch m.Severity {
		case domain.SeverityHigh:
			return domain.RiskHigh
		case domain.SeverityMedium:
			risk = domain.RiskMedium
		}
	}
	return risk
}

func nextAction(valid, doubt bool) string {
	switch {
	case doubt:
		return domain.NextRequestHumanReview
	case valid:
		return domain.NextProceedToSolicitor
	default:
		return domain.NextSendDiscrepancyAlert
	}
}

// detectDoubt collects reasons the deterministic verdict cannot be trusted:
// missing critical fields, money values that do not parse as whole dollars,
// finance text contradicting the boolean flag, and address mismatches close
// enough to be formatting variance.
func detectDoubt(eoi, contract map[string]any, mismatches []domain.Mismatch) []string {
	var reasons []string
	for _, path := range criticalFields {
		if lookup(eoi, path) == nil || lookup(contract, path) == nil {
			reasons = append(reasons, "missing critical field: "+path)
		}
	}
	for _, path := range moneyFields {
		e := lookup(eoi, path)
		c := lookup(contract, path)
		if (e != nil && !intLike(e)) || (c != nil && !intLike(c)) {
			reasons = append(reasons, "non-numeric value for "+path)
		}
	}
	if financeConflict(lookup(eoi, "finance")) || financeConflict(lookup(contract, "finance")) {
		reasons = append(reasons, "finance terms text conflicts with boolean")
	}
	for _, m := range mismatches {
		if m.Field != "property.address" {
			continue
		}
		es, eok := m.EOIValue.(string)
		cs, cok := m.ContractValue.(string)
		if eok && cok && addressSimilarity(es, cs) >= addressSimilarityFloor {
			reasons = append(reasons, "property address close but not exact")
		}
	}
	return reasons
}

func financeConflict(block any) bool {
	m, ok := block.(map[string]any)
	if !ok {
		return false
	}
	terms := strings.ToLower(strings.TrimSpace(display(m["terms"])))
	flag, hasFlag := m["is_subject_to_finance"]
	if !hasFlag || flag == nil || terms == "" {
		return false
	}
	saysNot := strings.Contains(terms, "not subject")
	saysSubject := strings.Contains(terms, "subject to finance") || strings.Contains(terms, "is subject")
	if saysNot && asBool(flag) {
		return true
	}
	return saysSubject && !saysNot && !asBool(flag)
}

func addressSimilarity(a, b string) float64 {
	return levenshtein.Similarity(normalizeAddress(a), normalizeAddress(b), nil)
}

var (
	spaceRe        = regexp.MustCompile(`\s+`)
	addressPunctRe = regexp.MustCompile(`[,.\-]`)
)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func normalizeName(s string) string {
	return strings.ToLower(normalizeWhitespace(s))
}

// normalizeAddress ignores commas, periods, dashes and case.
func normalizeAddress(s string) string {
	return strings.ToLower(normalizeWhitespace(addressPunctRe.ReplaceAllString(s, " ")))
}

// normalizeEmail lowercases the domain only; the local part is case sensitive
// per RFC even if rarely in practice.
func normalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	local, dom, ok := strings.Cut(s, "@")
	if !ok {
		return strings.ToLower(s)
	}
	return strings.TrimSpace(local) + "@" + strings.ToLower(strings.TrimSpace(dom))
}

// asInt coerces numbers and clean digit strings to whole values. Fractional
// floats and decorated strings do not coerce.
func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// moneyValue is the lenient form of asInt: currency decoration like "$" and
// thousands separators is stripped first.
func moneyValue(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		return asInt(strings.NewReplacer("$", "", ",", "").Replace(s))
	}
	return asInt(v)
}

func intLike(v any) bool {
	_, ok := moneyValue(v)
	return ok
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case nil:
		return false
	}
	return true
}

// formatCurrency renders "$1,234" for anything that parses as whole dollars
// and echoes the raw value back otherwise.
func formatCurrency(v any) string {
	n, ok := moneyValue(v)
	if !ok {
		return display(v)
	}
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return sign + "$" + groupDigits(n)
}

func groupDigits(n int64) string {
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func financeDisplay(subject bool) string {
	if subject {
		return "Subject to Finance"
	}
	return "Not Subject to Finance"
}

func financeFormatted(fields map[string]any, flag any) string {
	if terms := strings.TrimSpace(display(lookup(fields, "finance.terms"))); terms != "" {
		return terms
	}
	return financeDisplay(asBool(flag))
}

// display renders a document value for human-readable text. JSON numbers
// arrive as float64; whole ones print without a decimal point.
func display(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
