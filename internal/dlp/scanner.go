package dlp

import (
	"fmt"
	"sort"
)

// DetectionResult maps a pattern label to its match count in one document.
// Labels with zero matches are never present.
type DetectionResult map[string]int

// Empty reports whether nothing was detected.
func (d DetectionResult) Empty() bool {
	return len(d) == 0
}

// Labels returns the detected labels in sorted order.
func (d DetectionResult) Labels() []string {
	labels := make([]string, 0, len(d))
	for label := range d {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	return labels
}

// Total returns the sum of all match counts.
func (d DetectionResult) Total() int {
	total := 0
	for _, n := range d {
		total += n
	}

	return total
}

// Scanner matches text against an immutable set of patterns.
// It is safe for concurrent use.
type Scanner struct {
	patterns []Pattern
}

// NewScanner creates a scanner over the given patterns. Labels must be unique.
func NewScanner(patterns []Pattern) (*Scanner, error) {
	seen := make(map[string]struct{}, len(patterns))
	owned := make([]Pattern, 0, len(patterns))

	for _, p := range patterns {
		if p.Expression == nil {
			return nil, fmt.Errorf("pattern %q has no expression", p.Label)
		}

		if _, dup := seen[p.Label]; dup {
			return nil, fmt.Errorf("duplicate pattern label %q", p.Label)
		}

		seen[p.Label] = struct{}{}
		owned = append(owned, p)
	}

	return &Scanner{patterns: owned}, nil
}

// NewDefaultScanner creates a scanner over DefaultPatterns.
func NewDefaultScanner() *Scanner {
	s, err := NewScanner(DefaultPatterns())
	if err != nil {
		panic(err)
	}

	return s
}

// Scan runs every pattern independently over the full text. Overlapping
// matches of different patterns are all counted.
func (s *Scanner) Scan(text string) DetectionResult {
	result := make(DetectionResult)
	if text == "" {
		return result
	}

	for _, p := range s.patterns {
		if n := len(p.Expression.FindAllStringIndex(text, -1)); n > 0 {
			result[p.Label] = n
		}
	}

	return result
}

// Labels returns the labels the scanner checks for, in catalog order.
func (s *Scanner) Labels() []string {
	labels := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		labels[i] = p.Label
	}

	return labels
}
