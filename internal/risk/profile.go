package risk

// Status is a coarse classification of a user's upload behavior.
type Status string

const (
	StatusNormal     Status = "Normal"
	StatusSuspicious Status = "Suspicious"
	StatusHighRisk   Status = "High Risk User"
)

// Profile summarizes a user's uploads and recent anomalies.
type Profile struct {
	Status             Status  `json:"risk_status"`
	TotalUploads       int     `json:"total_uploads"`
	AverageRisk        float64 `json:"average_risk"`
	HighRiskPercentage float64 `json:"high_risk_percentage"`
	RecentAnomalies    int     `json:"recent_anomalies"`
}

// BuildProfile computes a profile from upload assessments and the number of
// anomalies in the recent period.
func BuildProfile(uploads []Assessment, recentAnomalies int) Profile {
	p := Profile{
		TotalUploads:    len(uploads),
		RecentAnomalies: recentAnomalies,
	}

	if len(uploads) > 0 {
		total := 0
		high := 0

		for _, a := range uploads {
			total += a.Score
			if a.Level >= LevelHigh {
				high++
			}
		}

		p.AverageRisk = float64(total) / float64(len(uploads))
		p.HighRiskPercentage = float64(high) / float64(len(uploads)) * 100
	}

	p.Status = Classify(p.HighRiskPercentage, recentAnomalies)

	return p
}

// Classify maps the share of High or Critical uploads and the recent anomaly
// count to a status.
func Classify(highRiskPercentage float64, recentAnomalies int) Status {
	switch {
	case highRiskPercentage > 30 || recentAnomalies > 5:
		return StatusHighRisk
	case highRiskPercentage > 10 || recentAnomalies > 2:
		return StatusSuspicious
	default:
		return StatusNormal
	}
}
