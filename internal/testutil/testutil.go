// Package testutil provides testing utilities and mock implementations
// for dlpgate unit tests.
//
// Usage:
//
//	import (
//		"github.com/piwi3910/dlpgate/internal/testutil"
//		"github.com/piwi3910/dlpgate/internal/testutil/mocks"
//	)
//
//	func TestSomething(t *testing.T) {
//		store := mocks.NewMockMetadataStore()
//		user := testutil.NewTestUser("alice", metadata.RoleUser)
//		require.NoError(t, store.CreateUser(ctx, user))
//
//		store.SetError(mocks.OpRecordUpload, someError)
//	}
package testutil
