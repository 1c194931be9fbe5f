// Package testutil provides shared helpers for roombridge tests.
package testutil

import (
	"os"
	"testing"

	"github.com/thesyncim/roombridge/internal/ffi"
)

// RequireEngine skips the test when the native engine library is not
// available. Tests exercising the real native path are meaningless
// without it.
func RequireEngine(tb testing.TB) {
	tb.Helper()
	if err := ffi.Load(); err != nil {
		tb.Skipf("native engine library not available: %v", err)
	}
}

// ServerCreds returns the live-server URL and token from the environment,
// skipping the test when they are unset. Used by tests that need a real
// room server.
func ServerCreds(tb testing.TB) (url, token string) {
	tb.Helper()
	url = os.Getenv("ROOM_TEST_URL")
	token = os.Getenv("ROOM_TEST_TOKEN")
	if url == "" || token == "" {
		tb.Skip("ROOM_TEST_URL / ROOM_TEST_TOKEN not set")
	}
	return url, token
}
