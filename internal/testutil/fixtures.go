package testutil

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/piwi3910/dlpgate/internal/metadata"
	"github.com/piwi3910/dlpgate/internal/risk"
)

// TestPassword is the plaintext password of users built by NewTestUser.
const TestPassword = "correct-horse"

// Sample plaintext documents with known scan results.
const (
	// CleanText contains no sensitive data (score 0, Low).
	CleanText = "Quarterly planning notes.\nShip the release on Friday.\n"

	// MediumText holds one password and one email address (score 50, Medium).
	MediumText = "login details\npassword: hunter12\ncontact: alice@example.com\n"

	// CriticalText holds a card number, a national ID and a password (score 130, Critical).
	CriticalText = "password: hunter12\ncard 4111111111111111\naadhaar 1234 5678 9012\n"
)

// testPasswordHash is computed once; bcrypt is slow even at MinCost.
var testPasswordHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	return string(hash)
}()

// NewTestUser creates a user whose password is TestPassword.
func NewTestUser(username string, role metadata.Role) *metadata.User {
	now := time.Now().UTC()

	return &metadata.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: testPasswordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewTestUpload creates an upload record for userID at the given level.
func NewTestUpload(userID string, level risk.Level, at time.Time) *metadata.UploadRecord {
	id := uuid.New().String()

	record := &metadata.UploadRecord{
		ID:         id,
		UserID:     userID,
		Filename:   "report.txt",
		StorageKey: userID + "/" + id,
		UploadTime: at,
		Size:       128,
		RiskLevel:  level,
	}

	if level > risk.LevelLow {
		record.Blocked = true
		record.DetectedTypes = []string{"Password String"}
		record.Detections = map[string]int{"Password String": 1}
		record.RiskScore = 40
	}

	if level == risk.LevelCritical {
		record.RiskScore = 130
	}

	return record
}
