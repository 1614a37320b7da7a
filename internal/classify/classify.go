// Package classify routes incoming emails to workflow events.
//
// Classification is pattern-based and deterministic: sender, subject, body and
// attachment signals each contribute a weighted score, and the best candidate
// wins. Results under the confidence threshold are flagged for human review
// rather than guessed at.
package classify

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"dealflow/internal/domain"
	"dealflow/internal/mailparse"
)

// EventUnknown is returned when no pattern matches at all.
const EventUnknown = "UNKNOWN"

// DefaultThreshold is the confidence floor below which results need review.
const DefaultThreshold = 0.8

// Result is the outcome of classifying one email.
type Result struct {
	EventType   string         `json:"event_type"`
	Confidence  float64        `json:"confidence"`
	Method      string         `json:"method"`
	NeedsReview bool           `json:"needs_review"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Classifier scores emails against the pattern tables.
type Classifier struct {
	Threshold float64
}

func (c Classifier) threshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

type senderRule struct {
	re     *regexp.Regexp
	events []string
}

// Sender rules are anchored: the whole address is matched from the start.
var senderRules = []senderRule{
	{regexp.MustCompile(`(?i)^.*@onecorpaustralia\.com\.au$`), []string{domain.EventEOISigned}},
	{regexp.MustCompile(`(?i)^.*@.*developments?\.com\.au$`), []string{domain.EventContractFromVendor}},
	{regexp.MustCompile(`(?i)^contracts@.*`), []string{domain.EventContractFromVendor}},
	{regexp.MustCompile(`(?i)^.*@buildwell.*`), []string{domain.EventContractFromVendor}},
	{regexp.MustCompile(`(?i)^.*@.*legal.*\.com\.au$`), []string{domain.EventSolicitorApproved}},
	{regexp.MustCompile(`(?i)^.*@.*law.*\.com\.au$`), []string{domain.EventSolicitorApproved}},
	{regexp.MustCompile(`(?i)^.*@docusign\.(net|com)$`), []string{domain.EventDocuSignReleased, domain.EventDocuSignBuyerSigned, domain.EventDocuSignExecuted}},
}

var subjectPatterns = map[string][]*regexp.Regexp{
	domain.EventEOISigned: {
		regexp.MustCompile(`(?i)EOI\s+Signed`),
		regexp.MustCompile(`(?i)Expression\s+of\s+Interest.*Signed`),
	},
	domain.EventContractFromVendor: {
		regexp.MustCompile(`(?i)Contract\s+Request`),
		regexp.MustCompile(`(?i)Contract\s+of\s+Sale.*attached`),
		regexp.MustCompile(`(?i)RE:\s*Contract\s+Request`),
		regexp.MustCompile(`(?i)Contract.*Amended`),
	},
	domain.EventSolicitorApproved: {
		regexp.MustCompile(`(?i)RE:\s*Contract\s+for\s+Review`),
		regexp.MustCompile(`(?i)Contract.*Review`),
	},
	domain.EventDocuSignReleased: {
		regexp.MustCompile(`(?i)Please.*DocuSign`),
		regexp.MustCompile(`(?i)Please.*Sign`),
		regexp.MustCompile(`(?i)ready\s+for.*signature`),
	},
	domain.EventDocuSignBuyerSigned: {
		regexp.MustCompile(`(?i)Buyer\s+Signed`),
		regexp.MustCompile(`(?i).*has\s+signed`),
		regexp.MustCompile(`(?i)completed.*signing`),
	},
	domain.EventDocuSignExecuted: {
		regexp.MustCompile(`(?i)Completed`),
		regexp.MustCompile(`(?i)Fully\s+Executed`),
		regexp.MustCompile(`(?i)All\s+parties.*signed`),
		regexp.MustCompile(`(?i)Contract\s+Executed`),
	},
}

var bodyPatterns = map[string][]*regexp.Regexp{
	domain.EventEOISigned: {
		regexp.MustCompile(`(?i)signed\s+the\s+Expression\s+of\s+Interest`),
		regexp.MustCompile(`(?i)EOI\s+document\s+is\s+attached`),
		regexp.MustCompile(`(?i)clients?\s+.*\s+have\s+signed`),
	},
	domain.EventContractFromVendor: {
		regexp.MustCompile(`(?i)Please\s+find\s+attached\s+the\s+Contract`),
		regexp.MustCompile(`(?i)Contract\s+for\s+the\s+purchasers?`),
		regexp.MustCompile(`(?i)Let\s+us\s+know\s+if\s+you\s+need\s+anything\s+amended`),
		regexp.MustCompile(`(?i)amended\s+contract`),
	},
	domain.EventSolicitorApproved: {
		regexp.MustCompile(`(?i)completed\s+our\s+review`),
		regexp.MustCompile(`(?i)Everything\s+is\s+in\s+order`),
		regexp.MustCompile(`(?i)contract\s+is\s+approved`),
		regexp.MustCompile(`(?i)signing\s+appointment`),
		regexp.MustCompile(`(?i)appointment.*scheduled`),
	},
	domain.EventDocuSignReleased: {
		regexp.MustCompile(`(?i)ready\s+for\s+review\s+and\s+signature`),
		regexp.MustCompile(`(?i)Please\s+click.*to\s+view\s+and\s+sign`),
		regexp.MustCompile(`(?i)document\s+ready\s+for\s+signature`),
	},
	domain.EventDocuSignBuyerSigned: {
		regexp.MustCompile(`(?i)buyer\s+has\s+completed.*signing`),
		regexp.MustCompile(`(?i)purchasers?\s+.*signed`),
		regexp.MustCompile(`(?i)Next\s+step:\s+Vendor\s+signature`),
	},
	domain.EventDocuSignExecuted: {
		regexp.MustCompile(`(?i)envelope\s+has\s+been\s+completed`),
		regexp.MustCompile(`(?i)All\s+parties\s+have\s+signed`),
		regexp.MustCompile(`(?i)final\s+executed\s+contract`),
		regexp.MustCompile(`(?i)Download.*executed\s+contract`),
	},
}

var attachmentPatterns = map[string][]*regexp.Regexp{
	domain.EventEOISigned: {
		regexp.MustCompile(`(?i)EOI.*\.pdf`),
		regexp.MustCompile(`(?i)Expression.*Interest.*\.pdf`),
	},
	domain.EventContractFromVendor: {
		regexp.MustCompile(`(?i)CONTRACT.*\.pdf`),
		regexp.MustCompile(`(?i)Contract.*Sale.*\.pdf`),
	},
}

// Classify scores msg against every pattern table and returns the strongest
// candidate. Ties break toward the lexicographically smallest event type so
// repeated runs agree.
func (c Classifier) Classify(msg *mailparse.Message) Result {
	senderHit := map[string]bool{}
	for _, rule := range senderRules {
		if rule.re.MatchString(msg.From) {
			for _, ev := range rule.events {
				senderHit[ev] = true
			}
		}
	}
	subjectHits := countHits(subjectPatterns, msg.Subject)
	bodyHits := countHits(bodyPatterns, msg.Body)
	attachmentHit := map[string]bool{}
	for ev, pats := range attachmentPatterns {
		for _, name := range msg.Attachments {
			if matchesAny(pats, name) {
				attachmentHit[ev] = true
				break
			}
		}
	}

	seen := map[string]struct{}{}
	for ev := range senderHit {
		seen[ev] = struct{}{}
	}
	for ev := range subjectHits {
		seen[ev] = struct{}{}
	}
	for ev := range bodyHits {
		seen[ev] = struct{}{}
	}
	for ev := range attachmentHit {
		seen[ev] = struct{}{}
	}
	if len(seen) == 0 {
		return Result{EventType: EventUnknown, Confidence: 0.0, Method: "deterministic", NeedsReview: true, Metadata: map[string]any{}}
	}

	candidates := make([]string, 0, len(seen))
	for ev := range seen {
		candidates = append(candidates, ev)
	}
	sort.Strings(candidates)

	exclusivity := 1.0 / float64(len(candidates))
	best := ""
	bestScore := -1.0
	for _, ev := range candidates {
		score := confidence(ev, senderHit[ev], subjectHits[ev], bodyHits[ev], attachmentHit[ev], exclusivity)
		if score > bestScore {
			best, bestScore = ev, score
		}
	}

	return Result{
		EventType:   best,
		Confidence:  bestScore,
		Method:      "deterministic",
		NeedsReview: bestScore < c.threshold(),
		Metadata:    extractMetadata(msg, best),
	}
}

// confidence combines the per-signal weights. DocuSign events are ambiguous by
// sender alone, so a sender-only DocuSign candidate is halved.
func confidence(event string, senderHit bool, subjectHits, bodyHits int, attachmentHit bool, exclusivity float64) float64 {
	score := 0.0
	if senderHit {
		score += 0.35
	}
	if subjectHits > 0 {
		score += math.Min(float64(subjectHits)*0.25, 0.40)
	}
	if bodyHits > 0 {
		score += math.Min(float64(bodyHits)*0.15, 0.30)
	}
	if attachmentHit {
		score += 0.20
	}
	score += exclusivity * 0.15
	if strings.HasPrefix(event, "DOCUSIGN_") && subjectHits == 0 && bodyHits == 0 {
		score *= 0.5
	}
	return math.Min(score, 1.0)
}

func countHits(table map[string][]*regexp.Regexp, text string) map[string]int {
	hits := map[string]int{}
	for ev, pats := range table {
		n := 0
		for _, re := range pats {
			if re.MatchString(text) {
				n++
			}
		}
		if n > 0 {
			hits[ev] = n
		}
	}
	return hits
}

func matchesAny(pats []*regexp.Regexp, s string) bool {
	for _, re := range pats {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
