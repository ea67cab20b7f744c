package strategy

import (
	"regexp"
	"sort"
	"strings"
)

// Entity labels understood by the entity strategy.
const (
	LabelAmount       = "amount"
	LabelPerson       = "person"
	LabelOrganization = "organization"
	LabelDate         = "date"
)

// Entity is a labelled span of text.
type Entity struct {
	Label string `json:"label"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// EntityClassifier tags text with semantic entities. Implementations must be
// safe for concurrent use.
type EntityClassifier interface {
	Classify(text string) []Entity
}

// NormalizeLabel maps common NER tag names onto the four supported labels.
// Returns "" for unsupported labels.
func NormalizeLabel(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "amount", "money", "monto":
		return LabelAmount
	case "person", "per", "persona":
		return LabelPerson
	case "organization", "organisation", "org", "merchant", "comercio":
		return LabelOrganization
	case "date", "fecha":
		return LabelDate
	}
	return ""
}

// RuleClassifier is a pattern-based classifier tuned for bank notifications
// in Spanish and English.
type RuleClassifier struct {
	rules []labelRule
}

type labelRule struct {
	label string
	re    *regexp.Regexp
	// group selects the submatch holding the entity, 0 for the whole match.
	group int
}

const (
	upperWord = `[A-ZÁÉÍÓÚÑ0-9][A-ZÁÉÍÓÚÑ0-9&.'\-]*`
	titleWord = `[A-ZÁÉÍÓÚÑ][a-záéíóúñ]+`
	monthName = `(?:ene(?:ro)?|feb(?:rero)?|mar(?:zo)?|abr(?:il)?|may(?:o)?|jun(?:io)?|jul(?:io)?|ago(?:sto)?|sep(?:tiembre)?|set(?:iembre)?|oct(?:ubre)?|nov(?:iembre)?|dic(?:iembre)?|jan(?:uary)?|february|march|apr(?:il)?|june|july|aug(?:ust)?|september|october|november|dec(?:ember)?)`
)

// NewRuleClassifier builds the default classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{rules: []labelRule{
		{label: LabelAmount, re: regexp.MustCompile(`(?i)(?:[₡$€]|\bUSD|\bCRC|\bEUR)\s?\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{1,2})?`)},
		{label: LabelAmount, re: regexp.MustCompile(`(?i)\b\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{1,2})?\s?(?:USD|CRC|EUR|colones|d[oó]lares)\b`)},
		{label: LabelDate, re: regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}(?:,?\s+\d{1,2}:\d{2}(?::\d{2})?)?`)},
		{label: LabelDate, re: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?)?`)},
		{label: LabelDate, re: regexp.MustCompile(`(?i)\b\d{1,2}(?:\s+de)?\s+` + monthName + `\.?(?:\s+de)?,?\s+\d{4}`)},
		{label: LabelDate, re: regexp.MustCompile(`(?i)\b` + monthName + `\.?\s+\d{1,2},?\s+\d{4}`)},
		{label: LabelOrganization, re: regexp.MustCompile(`(?i:comercio|establecimiento|merchant|store|tienda)\s*:?\s*(` + upperWord + `(?:[ ]` + upperWord + `)*)`), group: 1},
		{label: LabelOrganization, re: regexp.MustCompile(`\b(` + upperWord + `(?:[ ]` + upperWord + `)*[ ](?:S\.A\.|SA|LTDA|INC|LLC|CORP))`), group: 1},
		{label: LabelPerson, re: regexp.MustCompile(`(?i:destinatario|beneficiario|recipient|titular|a nombre de|enviado a|sent to)\s*:?\s*(` + titleWord + `(?:[ ]` + titleWord + `){1,3})`), group: 1},
		{label: LabelPerson, re: regexp.MustCompile(`(?i:destinatario|beneficiario|recipient|titular|a nombre de|enviado a|sent to)\s*:?\s*([A-ZÁÉÍÓÚÑ]{2,}(?:[ ][A-ZÁÉÍÓÚÑ]{2,}){1,3})\b`), group: 1},
	}}
}

// Classify returns entities ordered by position. Overlapping spans with the
// same label are reported once.
func (c *RuleClassifier) Classify(text string) []Entity {
	var out []Entity
	for _, r := range c.rules {
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*r.group], loc[2*r.group+1]
			if start < 0 {
				continue
			}
			span := strings.TrimSpace(text[start:end])
			if span == "" || overlaps(out, r.label, start, end) {
				continue
			}
			out = append(out, Entity{Label: r.label, Text: span, Start: start, End: end})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlaps(ents []Entity, label string, start, end int) bool {
	for _, e := range ents {
		if e.Label == label && start < e.End && e.Start < end {
			return true
		}
	}
	return false
}
