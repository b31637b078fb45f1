// Package turns classifies a caller utterance relative to the assistant's
// last question: did the caller answer it, correct something, confirm or
// decline, or talk about something else entirely. The tool router uses the
// classification to reconcile the model's tool-call arguments before they
// reach the booking engine.
//
// Two implementations share the Analyzer contract: a rule-based classifier
// built on token heuristics plus Jaro-Winkler fuzzy matching, and an optional
// LLM-backed classifier for deployments that can afford the extra latency.
package turns

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
)

// Relationship describes how an utterance relates to the question asked.
type Relationship int

const (
	Unclear Relationship = iota
	DirectAnswer
	Correction
	ConfirmationYes
	ConfirmationNo
	Irrelevant
)

var relationshipNames = map[Relationship]string{
	Unclear:         "unclear",
	DirectAnswer:    "direct_answer",
	Correction:      "correction",
	ConfirmationYes: "confirmation_yes",
	ConfirmationNo:  "confirmation_no",
	Irrelevant:      "irrelevant",
}

func (r Relationship) String() string {
	if s, ok := relationshipNames[r]; ok {
		return s
	}
	return "unclear"
}

// ExpectedKind is what sort of answer the assistant's last question invites.
type ExpectedKind int

const (
	ExpectNone ExpectedKind = iota
	ExpectPickup
	ExpectDestination
	ExpectPassengers
	ExpectPickupTime
	ExpectConfirmation
)

// Classification is the analyzer's verdict. Slot and Value are set when the
// utterance carries a usable slot update (slot names match the sync tool
// schema: pickup, destination, passengers, pickup_time).
type Classification struct {
	Relationship Relationship
	Slot         string
	Value        string
	Confidence   float64
}

// Analyzer classifies one caller turn.
type Analyzer interface {
	Analyze(ctx context.Context, question string, kind ExpectedKind, utterance string) Classification
}

// Compile-time assertion that RuleAnalyzer satisfies Analyzer.
var _ Analyzer = (*RuleAnalyzer)(nil)

// fuzzyThreshold is the Jaro-Winkler score above which a token counts as a
// variant of a known yes/no word (catches transcription slips like "yeas").
const fuzzyThreshold = 0.9

var (
	yesWords = []string{"yes", "yeah", "yep", "yup", "aye", "correct", "right", "sure", "perfect", "ok", "okay", "fine", "great"}
	noWords  = []string{"no", "nope", "nah", "wrong", "incorrect"}

	// correctionMarkers introduce a repair of something already said.
	correctionMarkers = []string{"actually", "i said", "i meant", "not that", "no not", "sorry,", "change"}

	// streetWords mark address-like content.
	streetWords = []string{
		"road", "rd", "street", "st", "avenue", "ave", "lane", "ln", "drive",
		"close", "way", "court", "crescent", "terrace", "grove", "square",
		"station", "airport", "hotel", "hospital", "school", "university",
		"centre", "center", "park", "pub", "church",
	}

	numberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "a": 1, "an": 1, "just me": 1,
	}

	asapPhrases = []string{"asap", "now", "right away", "right now", "as soon as possible", "straight away", "immediately"}

	clockPattern = regexp.MustCompile(`\b([01]?\d|2[0-3])[:.][0-5]\d\b`)
	digitPattern = regexp.MustCompile(`\b[1-8]\b`)
)

// RuleAnalyzer is the deterministic heuristic classifier. Stateless and safe
// for concurrent use.
type RuleAnalyzer struct{}

// NewRuleAnalyzer returns the rule-based classifier.
func NewRuleAnalyzer() *RuleAnalyzer { return &RuleAnalyzer{} }

// Analyze implements Analyzer. The question text is unused by the rule-based
// classifier; the expected kind carries everything it needs.
func (a *RuleAnalyzer) Analyze(_ context.Context, _ string, kind ExpectedKind, utterance string) Classification {
	norm := normalize(utterance)
	if norm == "" {
		return Classification{Relationship: Unclear}
	}
	tokens := strings.Fields(norm)

	isYes := hasVariant(tokens, yesWords) || strings.Contains(norm, "that's right") || strings.Contains(norm, "thats right") || strings.Contains(norm, "go ahead")
	isNo := hasVariant(tokens, noWords)
	corrected := hasMarker(norm, correctionMarkers)

	if kind == ExpectConfirmation {
		switch {
		case isNo && !corrected:
			// A decline. When it also carries a slot value ("no, make it
			// two passengers") it is reported as a correction instead.
			if slot, value, ok := extractAny(norm, tokens); ok {
				return Classification{Relationship: Correction, Slot: slot, Value: value, Confidence: 0.8}
			}
			return Classification{Relationship: ConfirmationNo, Confidence: 0.9}
		case isNo || corrected:
			if slot, value, ok := extractAny(norm, tokens); ok {
				return Classification{Relationship: Correction, Slot: slot, Value: value, Confidence: 0.8}
			}
			return Classification{Relationship: ConfirmationNo, Confidence: 0.7}
		case isYes:
			return Classification{Relationship: ConfirmationYes, Confidence: 0.9}
		}
		return Classification{Relationship: Unclear, Confidence: 0.3}
	}

	// Outside confirmation, a correction marker plus extractable content is a
	// repair of an earlier slot.
	if (isNo || corrected) && len(tokens) > 1 {
		if slot, value, ok := extract(kind, norm, tokens); ok {
			return Classification{Relationship: Correction, Slot: slot, Value: value, Confidence: 0.75}
		}
		if slot, value, ok := extractAny(norm, tokens); ok {
			return Classification{Relationship: Correction, Slot: slot, Value: value, Confidence: 0.7}
		}
	}

	if slot, value, ok := extract(kind, norm, tokens); ok {
		return Classification{Relationship: DirectAnswer, Slot: slot, Value: value, Confidence: 0.85}
	}

	return Classification{Relationship: Irrelevant, Confidence: 0.6}
}

// ── Heuristics ─────────────────────────────────────────────────────────────────

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == ':', r == '.', r == '\'', r == ',':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func hasVariant(tokens []string, words []string) bool {
	for _, t := range tokens {
		t = strings.Trim(t, ",.")
		for _, w := range words {
			if t == w {
				return true
			}
			if len(t) > 2 && matchr.JaroWinkler(t, w, false) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

func hasMarker(norm string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(norm, m) {
			return true
		}
	}
	return false
}

// extract pulls a slot value matching the expected kind out of the utterance.
func extract(kind ExpectedKind, norm string, tokens []string) (slot, value string, ok bool) {
	switch kind {
	case ExpectPickup:
		if looksLikeAddress(norm, tokens) {
			return "pickup", cleanAddress(norm), true
		}
	case ExpectDestination:
		if looksLikeAddress(norm, tokens) {
			return "destination", cleanAddress(norm), true
		}
	case ExpectPassengers:
		if n, found := extractCount(norm, tokens); found {
			return "passengers", strconv.Itoa(n), true
		}
	case ExpectPickupTime:
		if v, found := extractTime(norm); found {
			return "pickup_time", v, true
		}
	}
	return "", "", false
}

// extractAny tries every extractor, for corrections that name a slot the
// current question wasn't about.
func extractAny(norm string, tokens []string) (slot, value string, ok bool) {
	if v, found := extractTime(norm); found {
		return "pickup_time", v, true
	}
	if n, found := extractCount(norm, tokens); found {
		return "passengers", strconv.Itoa(n), true
	}
	if looksLikeAddress(norm, tokens) {
		return "pickup", cleanAddress(norm), true
	}
	return "", "", false
}

func looksLikeAddress(norm string, tokens []string) bool {
	for _, t := range tokens {
		for _, w := range streetWords {
			if t == w {
				return true
			}
		}
	}
	// "52a david road" style: a leading house number followed by words.
	if len(tokens) >= 2 {
		first := tokens[0]
		if first[0] >= '0' && first[0] <= '9' && len(tokens) >= 2 {
			return true
		}
	}
	return false
}

func cleanAddress(norm string) string {
	for _, prefix := range []string{"from ", "to ", "its ", "it's ", "at ", "pick me up from ", "going to ", "im at ", "i'm at "} {
		if strings.HasPrefix(norm, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(norm, prefix))
		}
	}
	return norm
}

func extractCount(norm string, tokens []string) (int, bool) {
	// Time-of-day digits must not read as passenger counts.
	if clockPattern.MatchString(norm) {
		return 0, false
	}
	if m := digitPattern.FindString(norm); m != "" {
		n, _ := strconv.Atoi(m)
		return n, true
	}
	for _, t := range tokens {
		if n, ok := numberWords[t]; ok && t != "a" && t != "an" {
			return n, true
		}
	}
	if strings.Contains(norm, "just me") || strings.Contains(norm, "only me") || strings.Contains(norm, "myself") {
		return 1, true
	}
	return 0, false
}

func extractTime(norm string) (string, bool) {
	tokens := strings.Fields(norm)
	for _, p := range asapPhrases {
		if strings.Contains(p, " ") {
			if strings.Contains(norm, p) {
				return "ASAP", true
			}
			continue
		}
		// Single-word phrases match whole tokens only ("know" must not read
		// as "now").
		for _, tok := range tokens {
			if strings.Trim(tok, ",.") == p {
				return "ASAP", true
			}
		}
	}
	if m := clockPattern.FindString(norm); m != "" {
		return strings.ReplaceAll(m, ".", ":"), true
	}
	return "", false
}
