// Package filter redacts sensitive data from conversation text before it
// enters fact extraction. Redaction is deterministic regex matching so the
// same input always produces the same stored content.
package filter

import (
	"regexp"
	"strings"
)

// Marker replaces every sensitive match in the output text.
const Marker = "[REDACTED]"

// RuleType identifies a class of sensitive data.
type RuleType string

const (
	// CardNumber matches 12-19 digit payment card numbers, with or
	// without separator groups.
	CardNumber RuleType = "card_number"
	// Password matches password/secret/token assignments.
	Password RuleType = "password"
	// GovernmentID matches SSN-style and long national id numbers.
	GovernmentID RuleType = "government_id"
	// Email matches email addresses.
	Email RuleType = "email"
	// Phone matches international phone numbers.
	Phone RuleType = "phone"
)

type rule struct {
	ruleType RuleType
	re       *regexp.Regexp
}

var defaultRules = []rule{
	{CardNumber, regexp.MustCompile(`\b(?:\d[ -]?){12,19}\b`)},
	{Password, regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_ -]?key)\b\s*[:=]?\s*\S+`)},
	{GovernmentID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b[1-9]\d{14}(?:\d{2}[\dXx])?\b`)},
	{Email, regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{Phone, regexp.MustCompile(`(?:\+\d{1,3}[ -]?)?\b\d{3}[ -]?\d{3,4}[ -]?\d{4}\b`)},
}

// Result reports what a redaction pass did.
type Result struct {
	Text  string
	Count int
	// ByType counts matches per rule class.
	ByType map[RuleType]int
}

// Redactor applies the sensitive-data rule set.
type Redactor struct {
	rules []rule
}

// NewRedactor builds a redactor with the default rule set, or only the
// requested rule types when any are given.
func NewRedactor(types ...RuleType) *Redactor {
	if len(types) == 0 {
		return &Redactor{rules: defaultRules}
	}
	rules := make([]rule, 0, len(types))
	for _, r := range defaultRules {
		for _, t := range types {
			if r.ruleType == t {
				rules = append(rules, r)
				break
			}
		}
	}
	return &Redactor{rules: rules}
}

// Redact replaces every sensitive match with the marker.
func (r *Redactor) Redact(text string) Result {
	result := Result{Text: text, ByType: map[RuleType]int{}}
	for _, rule := range r.rules {
		matched := 0
		result.Text = rule.re.ReplaceAllStringFunc(result.Text, func(m string) string {
			// Already-redacted spans can overlap a later rule.
			if strings.Contains(m, Marker) {
				return m
			}
			matched++
			return Marker
		})
		if matched > 0 {
			result.ByType[rule.ruleType] = matched
			result.Count += matched
		}
	}
	return result
}

// Clean reports whether the text contains no sensitive matches.
func (r *Redactor) Clean(text string) bool {
	for _, rule := range r.rules {
		if rule.re.MatchString(text) {
			return false
		}
	}
	return true
}
