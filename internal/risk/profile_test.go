package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		pct       float64
		anomalies int
		want      Status
	}{
		{"clean", 0, 0, StatusNormal},
		{"ten percent", 10, 2, StatusNormal},
		{"suspicious by share", 10.5, 0, StatusSuspicious},
		{"suspicious by anomalies", 0, 3, StatusSuspicious},
		{"high by share", 31, 0, StatusHighRisk},
		{"high by anomalies", 0, 6, StatusHighRisk},
		{"thirty percent", 30, 5, StatusSuspicious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.pct, tt.anomalies))
		})
	}
}

func TestBuildProfile(t *testing.T) {
	p := BuildProfile([]Assessment{
		{Score: 0, Level: LevelLow},
		{Score: 50, Level: LevelMedium},
		{Score: 90, Level: LevelHigh},
		{Score: 160, Level: LevelCritical},
	}, 1)

	assert.Equal(t, 4, p.TotalUploads)
	assert.InDelta(t, 75.0, p.AverageRisk, 0.001)
	assert.InDelta(t, 50.0, p.HighRiskPercentage, 0.001)
	assert.Equal(t, StatusHighRisk, p.Status)

	empty := BuildProfile(nil, 0)
	assert.Equal(t, StatusNormal, empty.Status)
	assert.Zero(t, empty.AverageRisk)
}
