package knowledge

import (
	"regexp"
	"strings"
)

// Common dosage-form and salt suffixes that handwriting extraction tends to
// carry along with the drug name. Stripped during normalized matching so
// "Metformin HCl 500mg tab" still hits the canonical "metformin" entry.
var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	strengthRe   = regexp.MustCompile(`\b\d+(\.\d+)?\s*(mg|mcg|µg|g|ml|iu|units?|%)\b`)
	formRe       = regexp.MustCompile(`\b(tabs?|tablets?|caps?|capsules?|syrup|suspension|solution|injection|inj|cream|ointment|gel|drops?|patch|spray|er|xr|sr|cr|la|odt)\b\.?`)
	saltRe       = regexp.MustCompile(`\b(hcl|hydrochloride|sodium|potassium|calcium|sulfate|sulphate|tartrate|citrate|maleate|mesylate|succinate|fumarate|besylate|acetate|phosphate)\b`)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// Normalize lowercases a raw drug mention and strips strength, dosage form,
// and salt suffixes, collapsing whitespace.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strengthRe.ReplaceAllString(s, " ")
	s = formRe.ReplaceAllString(s, " ")
	s = saltRe.ReplaceAllString(s, " ")
	s = punctRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeLight lowercases and collapses whitespace without suffix
// stripping. Used for exact matching and alias lookup keys.
func NormalizeLight(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = whitespaceRe.ReplaceAllString(s, " ")
	return s
}
