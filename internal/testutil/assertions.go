package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireEventually polls condition every tick and fails the test if it is
// still false after timeout.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !condition() {
		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
		}

		time.Sleep(tick)
	}
}
