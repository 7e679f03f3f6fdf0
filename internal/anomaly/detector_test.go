package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestDetector() *Detector {
	return NewDetector(DefaultThresholds()).WithClock(func() time.Time { return fixedNow })
}

func TestDetectUploadAnomalies(t *testing.T) {
	d := newTestDetector()

	tests := []struct {
		name   string
		size   int64
		recent int
		kinds  []Kind
	}{
		{"quiet", 1024, 3, nil},
		{"at frequency limit", 1024, 10, nil},
		{"frequency", 1024, 11, []Kind{KindHighUploadFrequency}},
		{"exactly fifty megabytes", 50 * bytesPerMB, 0, nil},
		{"large", 50*bytesPerMB + 1, 0, []Kind{KindLargeFileUpload}},
		{"both", 60 * bytesPerMB, 12, []Kind{KindHighUploadFrequency, KindLargeFileUpload}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := d.DetectUploadAnomalies("u1", tt.size, tt.recent)
			require.Len(t, events, len(tt.kinds))

			for i, e := range events {
				assert.Equal(t, tt.kinds[i], e.Kind)
				assert.Equal(t, "u1", e.UserID)
				assert.Equal(t, fixedNow, e.Timestamp)
			}
		})
	}
}

func TestDetectUploadAnomalies_Details(t *testing.T) {
	events := newTestDetector().DetectUploadAnomalies("u1", 75*bytesPerMB+bytesPerMB/2, 14)
	require.Len(t, events, 2)

	assert.Equal(t, SeverityMedium, events[0].Severity)
	assert.Equal(t, "User uploaded 14 files in the last hour.", events[0].Details)
	assert.Equal(t, SeverityLow, events[1].Severity)
	assert.Equal(t, "User uploaded a file of size 75.50 MB.", events[1].Details)
}

func TestDetectLoginAnomaly(t *testing.T) {
	d := newTestDetector()

	assert.Nil(t, d.DetectLoginAnomaly("u1", 0))
	assert.Nil(t, d.DetectLoginAnomaly("u1", 4))

	e := d.DetectLoginAnomaly("u1", 5)
	require.NotNil(t, e)
	assert.Equal(t, KindBruteForceAttempt, e.Kind)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Equal(t, "User had 5 failed login attempts.", e.Details)
}

func TestCustomThresholds(t *testing.T) {
	d := NewDetector(Thresholds{UploadsPerHour: 1, MaxFileSizeMB: 0.5, FailedLogins: 2})

	assert.Len(t, d.DetectUploadAnomalies("u1", bytesPerMB, 2), 2)
	assert.NotNil(t, d.DetectLoginAnomaly("u1", 2))
	assert.Equal(t, 1, d.Thresholds().UploadsPerHour)
}

func TestEscalationEvent(t *testing.T) {
	e := newTestDetector().EscalationEvent("u1", 3, time.Hour)
	assert.Equal(t, KindRepeatedCriticalUploads, e.Kind)
	assert.Equal(t, SeverityHigh, e.Severity)
	assert.Contains(t, e.Details, "3 critical-risk uploads within 1h0m0s")
}
