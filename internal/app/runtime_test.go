package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/meridian-gallery/meridian/internal/testing/guard"
)

// The guard import flips MERIDIAN_TEST_MODE before any test in this
// package runs, so binaries under test never start real runtimes.
func TestInTestModeFollowsGuardFlag(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
