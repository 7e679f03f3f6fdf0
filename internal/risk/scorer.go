// Package risk converts detection results into risk assessments and decides
// when a pattern of critical uploads escalates to an account lock.
package risk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/piwi3910/dlpgate/internal/dlp"
)

// Level is an ordered risk severity.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"Low", "Medium", "High", "Critical"}

func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}

	return levelNames[l]
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i), nil
		}
	}

	return LevelLow, fmt.Errorf("unknown risk level %q", s)
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}

	*l = parsed

	return nil
}

// Score thresholds. A score must be strictly greater than the threshold to
// reach the level.
const (
	CriticalThreshold = 100
	HighThreshold     = 60
	MediumThreshold   = 20
)

// DefaultLabelPoints is the point value of unlisted labels.
const DefaultLabelPoints = 10

// DefaultPoints returns the built-in point table.
func DefaultPoints() map[string]int {
	return map[string]int{
		dlp.LabelCreditCard: 50,
		dlp.LabelNationalID: 40,
		dlp.LabelTaxID:      35,
		dlp.LabelEmail:      10,
		dlp.LabelPhone:      10,
		dlp.LabelAPIKey:     30,
		dlp.LabelPassword:   40,
	}
}

// Assessment is the score and level derived from one DetectionResult.
type Assessment struct {
	Score int   `json:"score"`
	Level Level `json:"level"`
}

// Scorer maps detection results to assessments with a fixed point table.
type Scorer struct {
	points map[string]int
}

// NewScorer creates a scorer. The table is copied.
func NewScorer(points map[string]int) *Scorer {
	owned := make(map[string]int, len(points))
	for label, p := range points {
		owned[label] = p
	}

	return &Scorer{points: owned}
}

// NewDefaultScorer creates a scorer over DefaultPoints.
func NewDefaultScorer() *Scorer {
	return NewScorer(DefaultPoints())
}

// Points returns the point value of a label.
func (s *Scorer) Points(label string) int {
	if p, ok := s.points[label]; ok {
		return p
	}

	return DefaultLabelPoints
}

// Score sums points times count over every detected label.
func (s *Scorer) Score(result dlp.DetectionResult) Assessment {
	score := 0
	for label, count := range result {
		score += s.Points(label) * count
	}

	return Assessment{Score: score, Level: LevelFor(score)}
}

// LevelFor maps a score to its level.
func LevelFor(score int) Level {
	switch {
	case score > CriticalThreshold:
		return LevelCritical
	case score > HighThreshold:
		return LevelHigh
	case score > MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Blocked reports whether an upload must be blocked. Any detection blocks,
// whatever its score.
func Blocked(result dlp.DetectionResult) bool {
	return !result.Empty()
}
