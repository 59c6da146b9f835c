package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDsNeverZero(t *testing.T) {
	t.Parallel()

	var ids IDs
	require.Equal(t, uint16(1), ids.Next())

	prev := uint16(1)
	for i := 0; i < 65536; i++ {
		id := ids.Next()
		require.NotZero(t, id)
		if prev == 65535 {
			require.Equal(t, uint16(1), id)
		} else {
			require.Equal(t, prev+1, id)
		}
		prev = id
	}
}

func TestPendingPubRel(t *testing.T) {
	t.Parallel()

	p := make(PendingPubRel)
	p.Add(7)
	p.Add(7)
	require.True(t, p.Has(7))
	require.False(t, p.Has(8))
	require.Len(t, p, 1)

	p.Remove(7)
	require.False(t, p.Has(7))

	p.Add(1)
	p.Add(2)
	p.Clear()
	require.Empty(t, p)
}
