package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	got := Sum("hello world")
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, Sum("hello world"))
	require.NotEqual(t, got, Sum("hello world!"))
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b94d27b9934d", Fingerprint("hello world", 12))
	require.Len(t, Fingerprint("hello world", 0), 64)
	require.Len(t, Fingerprint("hello world", 100), 64)
}
