// Package dlp provides content inspection for dlpgate: text extraction from
// uploaded documents and detection of sensitive data patterns.
package dlp

import (
	"errors"
	"fmt"
	"regexp"
)

// Labels of the built-in sensitive data patterns.
const (
	LabelCreditCard = "Credit Card"
	LabelNationalID = "Aadhaar"
	LabelTaxID      = "PAN Card"
	LabelAPIKey     = "API Key"
	LabelEmail      = "Email Address"
	LabelPhone      = "Phone Number"
	LabelPassword   = "Password String"
)

// Pattern is a named sensitive data expression.
type Pattern struct {
	Expression *regexp.Regexp
	Label      string
}

// patternDef is the uncompiled form of a Pattern.
type patternDef struct {
	label string
	expr  string
}

var defaultPatternDefs = []patternDef{
	{LabelCreditCard, `\b(?:\d[ -]*?){13,16}\b`},
	{LabelNationalID, `\b\d{4}\s\d{4}\s\d{4}\b`},
	{LabelTaxID, `\b[A-Z]{5}[0-9]{4}[A-Z]\b`},
	{LabelAPIKey, `(?:sk_live_|AIza)[0-9a-zA-Z_-]{20,}`},
	{LabelEmail, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
	{LabelPhone, `\b(?:\+?\d{1,3}[- ]?)?\(?\d{3}\)?[- ]?\d{3}[- ]?\d{4}\b`},
	{LabelPassword, `(?i)(?:password|passwd|pwd)\s*[:=]\s*['"]?[\w!@#$%^&*()]+['"]?`},
}

// DefaultPatterns returns a fresh copy of the built-in pattern catalog.
func DefaultPatterns() []Pattern {
	patterns := make([]Pattern, 0, len(defaultPatternDefs))
	for _, d := range defaultPatternDefs {
		patterns = append(patterns, Pattern{
			Label:      d.label,
			Expression: regexp.MustCompile(d.expr),
		})
	}

	return patterns
}

// CompilePattern builds a Pattern from a label and an expression.
func CompilePattern(label, expr string) (Pattern, error) {
	if label == "" {
		return Pattern{}, errors.New("pattern label is required")
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid expression for %q: %w", label, err)
	}

	return Pattern{Label: label, Expression: re}, nil
}
