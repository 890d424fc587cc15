package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministicHex(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
	require.Len(t, got, 64)
}

func TestHashDistinguishesInputs(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("11:Summer sale,20:https://x.test/a.png,"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("11:Summer sale,20:https://x.test/b.png,"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
