package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("SIDECAR_TEST_PASSPHRASE", "correct horse")
	src := NewSource("SIDECAR_TEST_PASSPHRASE", "")
	got, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got)

	// Cached after the first call.
	t.Setenv("SIDECAR_TEST_PASSPHRASE", "changed")
	got, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("SIDECAR_TEST_PASSPHRASE", "   ")
	_, err := NewSource("SIDECAR_TEST_PASSPHRASE", "wallet passphrase").Get()
	require.ErrorContains(t, err, "set but empty")
}
